// Package admin is the account approval workflow: three queues (pending,
// approved, rejected) and the approve/reject actions on pending accounts.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/apiclient"
	"github.com/pulseiq/portal/internal/platform/notice"
)

type Service struct {
	api      API
	notifier notice.Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	queues Queues
}

func NewService(api API, notifier notice.Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notice.Discard
	}
	return &Service{
		api:      api,
		notifier: notifier,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// Pending fetches the pending queue. A failure is shown to the user since it
// blocks the approval work.
func (s *Service) Pending(ctx context.Context) ([]User, error) {
	users, err := s.api.PendingUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("fetch pending users failed")
		s.notifier.Notify(notice.Notice{Level: notice.LevelError, Title: "Error", Message: "Unable to load pending users"})
		return nil, fmt.Errorf("fetch pending users: %w", err)
	}
	s.mu.Lock()
	s.queues.Pending = users
	s.mu.Unlock()
	return users, nil
}

func (s *Service) Approved(ctx context.Context) ([]User, error) {
	users, err := s.api.ApprovedUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("fetch approved users failed")
		return nil, fmt.Errorf("fetch approved users: %w", err)
	}
	s.mu.Lock()
	s.queues.Approved = users
	s.mu.Unlock()
	return users, nil
}

func (s *Service) Rejected(ctx context.Context) ([]User, error) {
	users, err := s.api.RejectedUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("fetch rejected users failed")
		return nil, fmt.Errorf("fetch rejected users: %w", err)
	}
	s.mu.Lock()
	s.queues.Rejected = users
	s.mu.Unlock()
	return users, nil
}

// Refresh reloads all three queues. A queue that fails keeps its previous
// contents; the errors are joined.
func (s *Service) Refresh(ctx context.Context) (Queues, error) {
	_, errP := s.Pending(ctx)
	_, errA := s.Approved(ctx)
	_, errR := s.Rejected(ctx)
	return s.Queues(), errors.Join(errP, errA, errR)
}

// Queues returns the last fetched queues.
func (s *Service) Queues() Queues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Queues{
		Pending:  append([]User(nil), s.queues.Pending...),
		Approved: append([]User(nil), s.queues.Approved...),
		Rejected: append([]User(nil), s.queues.Rejected...),
	}
}

func (s *Service) Approve(ctx context.Context, userID string) error {
	return s.Act(ctx, userID, ActionApprove)
}

func (s *Service) Reject(ctx context.Context, userID string) error {
	return s.Act(ctx, userID, ActionReject)
}

// Act applies action to userID and, on success, refreshes every queue before
// reporting the outcome.
func (s *Service) Act(ctx context.Context, userID string, action Action) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUserID
	}

	var err error
	switch action {
	case ActionApprove:
		err = s.api.ApproveUser(ctx, userID)
	case ActionReject:
		err = s.api.RejectUser(ctx, userID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("action", string(action)).Msg("user action failed")
		s.notifier.Notify(notice.Notice{Level: notice.LevelError, Title: "Action Failed", Message: actionFailure(err)})
		return fmt.Errorf("%s user %s: %w", action, userID, err)
	}

	if _, rerr := s.Refresh(ctx); rerr != nil {
		s.logger.Warn().Err(rerr).Msg("refresh after user action failed")
	}

	n := notice.Notice{Level: notice.LevelSuccess, Title: "User Approved", Message: "User has been approved successfully."}
	if action == ActionReject {
		n = notice.Notice{Level: notice.LevelInfo, Title: "User Rejected", Message: "User has been rejected successfully."}
	}
	s.notifier.Notify(n)
	s.logger.Info().Str("user_id", userID).Str("action", string(action)).Msg("user status updated")
	return nil
}

func actionFailure(err error) string {
	if apiclient.IsStatus(err, http.StatusUnauthorized) {
		return "Unauthorized"
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		if apiErr.Body == "" {
			return apiErr.Message("Failed to update user status")
		}
		return "Failed to update user status: " + apiErr.Body
	}
	return err.Error()
}
