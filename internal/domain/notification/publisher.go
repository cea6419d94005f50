package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/broadcast"
)

// Publisher turns upload events into stored notifications and announces
// them on the bus. Entries are durable before they are announced.
type Publisher struct {
	store  Store
	bus    *broadcast.Bus[[]Notification]
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastID int64
}

func NewPublisher(store Store, bus *broadcast.Bus[[]Notification], logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "notification_publisher").Logger(),
		now:    time.Now,
	}
}

// nextID returns a millisecond-based id that is strictly increasing for this
// publisher even within one millisecond.
func (p *Publisher) nextID(t time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := t.UnixMilli()
	if id <= p.lastID {
		id = p.lastID + 1
	}
	p.lastID = id
	return id
}

// PublishUpload notifies the patient and, when DoctorID is set, the doctor
// about one uploaded test report.
func (p *Publisher) PublishUpload(ctx context.Context, ev UploadEvent) ([]Notification, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	now := p.now()
	ts := formatTimestamp(now)
	label := ev.TestName
	if ev.TestType != "" {
		label = fmt.Sprintf("%s (%s)", ev.TestName, ev.TestType)
	}

	batch := []Notification{{
		ID:            p.nextID(now),
		RecipientID:   ev.PatientID,
		RecipientType: RecipientPatient,
		Message:       fmt.Sprintf("Your test result for %s has been uploaded", label),
		Type:          TypeTestUpload,
		Timestamp:     ts,
	}}
	if ev.DoctorID != "" {
		batch = append(batch, Notification{
			ID:            p.nextID(now),
			RecipientID:   ev.DoctorID,
			RecipientType: RecipientDoctor,
			Message:       fmt.Sprintf("Test result for %s uploaded for patient %s", label, ev.PatientID),
			Type:          TypeTestUpload,
			Timestamp:     ts,
		})
	}
	return batch, p.Publish(ctx, batch)
}

// Publish stores every entry under its recipient and then sends the batch
// on the bus. An invalid entry stops the batch before anything is written.
// If a write fails, the entries already stored are still announced and the
// error is returned.
func (p *Publisher) Publish(ctx context.Context, batch []Notification) error {
	for _, n := range batch {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("notification %d: %w", n.ID, err)
		}
	}
	for i, n := range batch {
		if err := p.store.Append(ctx, n.RecipientID, n); err != nil {
			p.logger.Error().Err(err).Str("recipient_id", n.RecipientID).Msg("store notification failed")
			if i > 0 {
				p.bus.Publish(batch[:i:i])
				p.logger.Warn().Int("count", i).Int("dropped", len(batch)-i).Msg("notifications partially published")
			}
			return fmt.Errorf("store notification %d: %w", n.ID, err)
		}
	}
	p.bus.Publish(batch)
	p.logger.Info().Int("count", len(batch)).Msg("notifications published")
	return nil
}
