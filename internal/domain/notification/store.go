package notification

import (
	"context"
	"sync"
)

// Store persists notifications keyed by recipient. Every operation touches
// only the named recipient's entries.
type Store interface {
	// List returns the recipient's entries in stored order.
	List(ctx context.Context, recipientID string) ([]Notification, error)
	// Append adds entries for the recipient, skipping ids already stored.
	Append(ctx context.Context, recipientID string, items ...Notification) error
	// MarkRead flips one entry to read. found is false when the recipient
	// has no entry with that id.
	MarkRead(ctx context.Context, recipientID string, id int64) (found bool, err error)
	MarkAllRead(ctx context.Context, recipientID string) error
	Clear(ctx context.Context, recipientID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]Notification

	// Err, when set, is returned by every mutating call without applying it.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]Notification)}
}

func (s *MemoryStore) List(_ context.Context, recipientID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items[recipientID]))
	copy(out, s.items[recipientID])
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, recipientID string, items ...Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.items[recipientID] = appendUnique(s.items[recipientID], items)
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, recipientID string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	return markRead(s.items[recipientID], id), nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for i := range s.items[recipientID] {
		s.items[recipientID][i].Read = true
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.items, recipientID)
	return nil
}

// appendUnique appends the entries of add whose id is not yet in list.
func appendUnique(list, add []Notification) []Notification {
	seen := make(map[int64]struct{}, len(list)+len(add))
	for _, n := range list {
		seen[n.ID] = struct{}{}
	}
	for _, n := range add {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		list = append(list, n)
	}
	return list
}

func markRead(list []Notification, id int64) bool {
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return true
		}
	}
	return false
}
