// Package dashboard keeps the role dashboards' lists fresh by polling the
// backend: upcoming appointments for everyone and, for admins, the pending
// approval queue.
package dashboard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/poller"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

type (
	Appointment = portalmodels.Appointment
	User        = portalmodels.User
)

// Source is the slice of the backend a board polls.
type Source interface {
	UpcomingAppointments(ctx context.Context) ([]Appointment, error)
	PendingUsers(ctx context.Context) ([]User, error)
}

type Options struct {
	Interval time.Duration
	Logger   zerolog.Logger
	// WithPending polls the pending approval queue as well.
	WithPending bool
	// OnUpdate receives the combined view after every applied poll.
	OnUpdate func(View)
	Now      func() time.Time
}

// View is the board's current state.
type View struct {
	Appointments    []Appointment
	AppointmentsErr error
	Summary         Summary
	Pending         []User
	PendingErr      error
	UpdatedAt       time.Time
}

type Board struct {
	appts    *poller.Poller[[]Appointment]
	pending  *poller.Poller[[]User]
	now      func() time.Time
	onUpdate func(View)
}

func NewBoard(src Source, opts Options) *Board {
	b := &Board{now: opts.Now, onUpdate: opts.OnUpdate}
	if b.now == nil {
		b.now = time.Now
	}
	logger := opts.Logger.With().Str("component", "dashboard").Logger()

	b.appts = poller.New[[]Appointment](src.UpcomingAppointments, poller.Options[[]Appointment]{
		Name:     "appointments",
		Interval: opts.Interval,
		Logger:   logger,
		OnUpdate: func(poller.Snapshot[[]Appointment]) { b.emit() },
	})
	if opts.WithPending {
		b.pending = poller.New[[]User](src.PendingUsers, poller.Options[[]User]{
			Name:     "pending_users",
			Interval: opts.Interval,
			Logger:   logger,
			OnUpdate: func(poller.Snapshot[[]User]) { b.emit() },
		})
	}
	return b
}

func (b *Board) Start(ctx context.Context) {
	b.appts.Start(ctx)
	if b.pending != nil {
		b.pending.Start(ctx)
	}
}

// Stop halts polling. Results still in flight are discarded.
func (b *Board) Stop() {
	b.appts.Stop()
	if b.pending != nil {
		b.pending.Stop()
	}
}

// Refresh polls every list once, outside the schedule.
func (b *Board) Refresh(ctx context.Context) View {
	_, _ = b.appts.Refresh(ctx)
	if b.pending != nil {
		_, _ = b.pending.Refresh(ctx)
	}
	return b.View()
}

func (b *Board) View() View {
	as := b.appts.Snapshot()
	v := View{
		Appointments:    as.Value,
		AppointmentsErr: as.Err,
		Summary:         Summarize(as.Value, b.now()),
		UpdatedAt:       as.UpdatedAt,
	}
	if b.pending != nil {
		ps := b.pending.Snapshot()
		v.Pending = ps.Value
		v.PendingErr = ps.Err
		if ps.UpdatedAt.After(v.UpdatedAt) {
			v.UpdatedAt = ps.UpdatedAt
		}
	}
	return v
}

func (b *Board) emit() {
	if b.onUpdate != nil {
		b.onUpdate(b.View())
	}
}
