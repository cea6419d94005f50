package notification

import (
	"errors"
	"sort"
	"time"
)

// Recipient types.
const (
	RecipientDoctor  = "DOCTOR"
	RecipientPatient = "PATIENT"
)

// TypeTestUpload tags notifications raised by a test report upload.
const TypeTestUpload = "TEST_UPLOAD"

// TimestampLayout is the ISO-8601 layout notifications are written with.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrNoUser           = errors.New("no current user")
	ErrInvalidRecipient = errors.New("recipient id is required")
	ErrInvalidType      = errors.New("recipient type must be DOCTOR or PATIENT")
	ErrNoFeedForRole    = errors.New("role has no notification feed")
)

// Notification is one persisted feed entry.
type Notification struct {
	ID            int64  `json:"id"`
	RecipientID   string `json:"recipientId"`
	RecipientType string `json:"recipientType"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	Read          bool   `json:"read"`
}

// Time parses Timestamp. Unparseable values sort as the zero time.
func (n Notification) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, n.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Validate checks the fields every stored entry must carry.
func (n Notification) Validate() error {
	if n.RecipientID == "" {
		return ErrInvalidRecipient
	}
	if n.RecipientType != RecipientDoctor && n.RecipientType != RecipientPatient {
		return ErrInvalidType
	}
	return nil
}

// SortNewestFirst orders by timestamp descending, id descending on ties.
func SortNewestFirst(items []Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].Time(), items[j].Time()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].ID > items[j].ID
	})
}

// CountUnread returns the number of entries with Read == false.
func CountUnread(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

// UploadEvent describes a test report upload that should notify its
// patient and, when set, the ordering doctor.
type UploadEvent struct {
	TestName  string `json:"testName"`
	TestType  string `json:"testType"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId,omitempty"`
}

func (e UploadEvent) Validate() error {
	if e.PatientID == "" {
		return errors.New("patientId is required")
	}
	if e.TestName == "" {
		return errors.New("testName is required")
	}
	return nil
}
