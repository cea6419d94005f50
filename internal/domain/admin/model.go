package admin

import (
	"errors"

	"github.com/pulseiq/portal/pkg/portalmodels"
)

type User = portalmodels.User

// Action on a pending account.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

var (
	ErrNoUserID      = errors.New("user id is required")
	ErrUnknownAction = errors.New("unknown action")
)

// Queues is the three account lists the approval view shows.
type Queues struct {
	Pending  []User
	Approved []User
	Rejected []User
}

// Total counts every account across the three queues.
func (q Queues) Total() int {
	return len(q.Pending) + len(q.Approved) + len(q.Rejected)
}

// DisplayName picks the most readable identifier a user record carries.
func DisplayName(u User) string {
	switch {
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	case u.Phone != "":
		return u.Phone
	}
	return u.UserID
}

// Contact returns the user's email or phone.
func Contact(u User) string {
	switch {
	case u.Email != "":
		return u.Email
	case u.Phone != "":
		return u.Phone
	}
	return "No contact info"
}
