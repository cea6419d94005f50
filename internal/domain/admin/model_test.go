package admin

import "testing"

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{"username", User{UserID: "U1", Username: "jdoe", Email: "j@x.io"}, "jdoe"},
		{"email", User{UserID: "U1", Email: "j@x.io", Phone: "555"}, "j@x.io"},
		{"phone", User{UserID: "U1", Phone: "555"}, "555"},
		{"id", User{UserID: "U1"}, "U1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.user); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContact(t *testing.T) {
	if got := Contact(User{Phone: "555"}); got != "555" {
		t.Errorf("expected phone, got %q", got)
	}
	if got := Contact(User{}); got != "No contact info" {
		t.Errorf("expected placeholder, got %q", got)
	}
}

func TestQueues_Total(t *testing.T) {
	q := Queues{Pending: make([]User, 2), Approved: make([]User, 3), Rejected: make([]User, 1)}
	if q.Total() != 6 {
		t.Errorf("expected 6, got %d", q.Total())
	}
}
