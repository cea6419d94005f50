package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/internal/platform/broadcast"
	"github.com/pulseiq/portal/internal/platform/websocket"
)

// Service owns one feed per recipient for the companion daemon, feeds them
// from the bus and forwards their changes to connected clients.
type Service struct {
	store     Store
	bus       *broadcast.Bus[[]Notification]
	publisher *Publisher
	events    websocket.EventPublisher
	logger    zerolog.Logger

	mu    sync.Mutex
	feeds map[string]*feedSlot

	sub  *broadcast.Subscription[[]Notification]
	done chan struct{}
}

// NewService wires a service. events may be nil.
func NewService(store Store, bus *broadcast.Bus[[]Notification], events websocket.EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		publisher: NewPublisher(store, bus, logger),
		events:    events,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		feeds:     make(map[string]*feedSlot),
	}
}

// feedSlot holds a feed while it loads. Batches arriving before the load
// finishes are kept in backlog and replayed once it has.
type feedSlot struct {
	feed    *Feed
	loaded  bool
	ready   chan struct{}
	err     error
	backlog [][]Notification
}

func (s *Service) Publisher() *Publisher { return s.publisher }

// Feed returns the recipient's feed, loading it on first use. Concurrent
// callers for the same recipient wait for that load; nobody sees a feed
// before it has a user.
func (s *Service) Feed(ctx context.Context, recipientID, recipientType string) (*Feed, error) {
	if recipientID == "" {
		return nil, ErrInvalidRecipient
	}
	s.mu.Lock()
	if slot, ok := s.feeds[recipientID]; ok {
		s.mu.Unlock()
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			return nil, slot.err
		}
		return slot.feed, nil
	}
	slot := &feedSlot{
		feed:  NewFeed(s.store, FeedOptions{Logger: s.logger, OnChange: s.forward}),
		ready: make(chan struct{}),
	}
	s.feeds[recipientID] = slot
	s.mu.Unlock()

	err := slot.feed.SetUser(ctx, recipientID, recipientType)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(slot.ready)
	if err != nil {
		slot.err = err
		delete(s.feeds, recipientID)
		return nil, err
	}
	// Ingest skips ids the load already picked up.
	for _, batch := range slot.backlog {
		slot.feed.Ingest(batch)
	}
	slot.backlog = nil
	slot.loaded = true
	return slot.feed, nil
}

// Start subscribes to the bus and ingests batches until ctx ends or Stop is
// called. Batches published after Start returns are never missed.
func (s *Service) Start(ctx context.Context) {
	s.sub = s.bus.Subscribe()
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.sub.Unsubscribe()
				return
			case batch, ok := <-s.sub.C:
				if !ok {
					return
				}
				s.ingest(batch)
			}
		}
	}()
}

// Stop ends the bus pump and waits for it.
func (s *Service) Stop() {
	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	<-s.done
}

func (s *Service) ingest(batch []Notification) {
	s.mu.Lock()
	var feeds []*Feed
	picked := make(map[string]bool)
	for _, n := range batch {
		slot, ok := s.feeds[n.RecipientID]
		if !ok || picked[n.RecipientID] {
			continue
		}
		picked[n.RecipientID] = true
		if slot.loaded {
			feeds = append(feeds, slot.feed)
		} else {
			slot.backlog = append(slot.backlog, batch)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Ingest(batch)
	}
}

// Snapshot implements websocket.SnapshotFunc. The recipient type comes from
// the role on ctx.
func (s *Service) Snapshot(ctx context.Context, recipientID string) (websocket.Event, error) {
	rtype, ok := auth.RecipientType(auth.RoleFromContext(ctx))
	if !ok {
		return websocket.Event{}, ErrNoFeedForRole
	}
	f, err := s.Feed(ctx, recipientID, rtype)
	if err != nil {
		return websocket.Event{}, err
	}
	data, err := json.Marshal(f.Items())
	if err != nil {
		return websocket.Event{}, err
	}
	return websocket.Event{
		Type:        websocket.EventSnapshot,
		RecipientID: recipientID,
		UnreadCount: f.UnreadCount(),
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}, nil
}

func (s *Service) forward(ch Change) {
	if s.events == nil {
		return
	}
	var typ string
	switch ch.Kind {
	case ChangeLoaded:
		typ = websocket.EventSnapshot
	case ChangeIngested:
		typ = websocket.EventIngested
	case ChangeRead:
		typ = websocket.EventRead
	case ChangeCleared:
		typ = websocket.EventCleared
	default:
		return
	}
	data, err := json.Marshal(ch.Items)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode feed change failed")
		return
	}
	ev := websocket.Event{
		Type:        typ,
		RecipientID: ch.RecipientID,
		UnreadCount: ch.UnreadCount,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
	if err := s.events.Publish(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", ch.RecipientID).Msg("forward feed change failed")
	}
}
