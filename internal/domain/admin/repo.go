package admin

import "context"

// API is the slice of the backend the approval workflow calls.
type API interface {
	PendingUsers(ctx context.Context) ([]User, error)
	ApprovedUsers(ctx context.Context) ([]User, error)
	RejectedUsers(ctx context.Context) ([]User, error)
	ApproveUser(ctx context.Context, userID string) error
	RejectUser(ctx context.Context, userID string) error
}
