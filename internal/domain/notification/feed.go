package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/metrics"
)

// Change kinds reported to a feed's OnChange hook.
const (
	ChangeLoaded   = "loaded"
	ChangeIngested = "ingested"
	ChangeRead     = "read"
	ChangeCleared  = "cleared"
)

// Change describes one mutation of a feed. Items holds the entries the
// change touched (all of them for loaded).
type Change struct {
	Kind        string
	RecipientID string
	UnreadCount int
	Items       []Notification
}

type FeedOptions struct {
	Logger   zerolog.Logger
	OnChange func(Change)
}

// Feed is the current user's view of their notifications: the stored list
// newest-first plus an unread counter that always equals the number of
// unread entries in it.
//
// Mutations write to the store first and patch memory only once the write
// has succeeded.
type Feed struct {
	store    Store
	logger   zerolog.Logger
	onChange func(Change)

	mu            sync.Mutex
	user          string
	recipientType string
	items         []Notification
	unread        int
	seen          map[int64]struct{}
}

func NewFeed(store Store, opts FeedOptions) *Feed {
	return &Feed{
		store:    store,
		logger:   opts.Logger.With().Str("component", "notification_feed").Logger(),
		onChange: opts.OnChange,
		seen:     make(map[int64]struct{}),
	}
}

// SetUser switches the feed to another identity and reloads it. Setting the
// current identity again is a no-op.
func (f *Feed) SetUser(ctx context.Context, userID, recipientType string) error {
	f.mu.Lock()
	if userID == f.user {
		f.mu.Unlock()
		return nil
	}
	f.user = userID
	f.recipientType = recipientType
	f.items = nil
	f.unread = 0
	f.seen = make(map[int64]struct{})
	f.mu.Unlock()

	if userID == "" {
		return nil
	}
	return f.Load(ctx)
}

func (f *Feed) User() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

// Load re-derives the feed from the store.
func (f *Feed) Load(ctx context.Context) error {
	f.mu.Lock()
	user := f.user
	if user == "" {
		f.mu.Unlock()
		return ErrNoUser
	}
	stored, err := f.store.List(ctx, user)
	if err != nil {
		f.mu.Unlock()
		f.logger.Error().Err(err).Str("recipient_id", user).Msg("load notifications failed")
		return fmt.Errorf("load notifications: %w", err)
	}

	items := make([]Notification, 0, len(stored))
	for _, n := range stored {
		if n.RecipientID == user {
			items = append(items, n)
		}
	}
	SortNewestFirst(items)

	f.items = items
	f.unread = CountUnread(items)
	f.seen = make(map[int64]struct{}, len(items))
	for _, n := range items {
		f.seen[n.ID] = struct{}{}
	}
	ch := f.changeLocked(ChangeLoaded, items)
	f.mu.Unlock()

	f.emit(ch)
	return nil
}

// Ingest applies a broadcast batch. Entries for other recipients and ids the
// feed has already seen are ignored; the rest are prepended in batch order.
// Returns how many entries were added.
func (f *Feed) Ingest(batch []Notification) int {
	f.mu.Lock()
	if f.user == "" {
		f.mu.Unlock()
		return 0
	}
	var matched []Notification
	for _, n := range batch {
		if n.RecipientID != f.user {
			continue
		}
		if _, dup := f.seen[n.ID]; dup {
			continue
		}
		f.seen[n.ID] = struct{}{}
		matched = append(matched, n)
	}
	if len(matched) == 0 {
		f.mu.Unlock()
		return 0
	}

	items := make([]Notification, 0, len(matched)+len(f.items))
	items = append(items, matched...)
	f.items = append(items, f.items...)
	f.unread += CountUnread(matched)
	ch := f.changeLocked(ChangeIngested, matched)
	f.mu.Unlock()

	metrics.AddIngested(len(matched))
	f.emit(ch)
	return len(matched)
}

// MarkOne marks the entry with id as read. An id that is not in the feed is
// ignored.
func (f *Feed) MarkOne(ctx context.Context, id int64) error {
	f.mu.Lock()
	idx := -1
	for i := range f.items {
		if f.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || f.items[idx].Read {
		f.mu.Unlock()
		return nil
	}
	if _, err := f.store.MarkRead(ctx, f.user, id); err != nil {
		f.mu.Unlock()
		f.logger.Error().Err(err).Int64("notification_id", id).Msg("mark read failed")
		return fmt.Errorf("mark notification read: %w", err)
	}
	f.items[idx].Read = true
	if f.unread > 0 {
		f.unread--
	}
	ch := f.changeLocked(ChangeRead, []Notification{f.items[idx]})
	f.mu.Unlock()

	f.emit(ch)
	return nil
}

// MarkAll marks every entry of the current user as read.
func (f *Feed) MarkAll(ctx context.Context) error {
	f.mu.Lock()
	if f.user == "" {
		f.mu.Unlock()
		return ErrNoUser
	}
	if err := f.store.MarkAllRead(ctx, f.user); err != nil {
		f.mu.Unlock()
		f.logger.Error().Err(err).Msg("mark all read failed")
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	var changed []Notification
	for i := range f.items {
		if !f.items[i].Read {
			f.items[i].Read = true
			changed = append(changed, f.items[i])
		}
	}
	f.unread = 0
	ch := f.changeLocked(ChangeRead, changed)
	f.mu.Unlock()

	f.emit(ch)
	return nil
}

// Clear removes the current user's entries. Other recipients are untouched.
func (f *Feed) Clear(ctx context.Context) error {
	f.mu.Lock()
	if f.user == "" {
		f.mu.Unlock()
		return ErrNoUser
	}
	if err := f.store.Clear(ctx, f.user); err != nil {
		f.mu.Unlock()
		f.logger.Error().Err(err).Msg("clear notifications failed")
		return fmt.Errorf("clear notifications: %w", err)
	}
	f.items = nil
	f.unread = 0
	ch := f.changeLocked(ChangeCleared, nil)
	f.mu.Unlock()

	f.emit(ch)
	return nil
}

// Items returns a copy of the feed, newest first.
func (f *Feed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.items))
	copy(out, f.items)
	return out
}

func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

func (f *Feed) changeLocked(kind string, items []Notification) Change {
	if f.recipientType != "" {
		metrics.SetFeedUnread(f.recipientType, f.unread)
	}
	cp := make([]Notification, len(items))
	copy(cp, items)
	return Change{Kind: kind, RecipientID: f.user, UnreadCount: f.unread, Items: cp}
}

func (f *Feed) emit(ch Change) {
	if f.onChange != nil {
		f.onChange(ch)
	}
}
