package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pulseiq/portal/internal/platform/kvstore"
)

const (
	keyPrefix = "testUploadNotifications:"
	// legacyKey held every local user's notifications in one array.
	legacyKey = "testUploadNotifications"
)

// KVStore keeps each recipient's list as a JSON array under its own key, so
// a write for one recipient never rewrites another's entries.
type KVStore struct {
	kv kvstore.Store
	mu sync.Mutex
}

func NewKVStore(kv kvstore.Store) *KVStore {
	return &KVStore{kv: kv}
}

func recipientKey(recipientID string) string {
	return keyPrefix + recipientID
}

func (s *KVStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx, recipientKey(recipientID))
}

func (s *KVStore) Append(ctx context.Context, recipientID string, items ...Notification) error {
	return s.update(ctx, recipientID, func(list []Notification) ([]Notification, bool) {
		next := appendUnique(list, items)
		return next, len(next) != len(list)
	})
}

func (s *KVStore) MarkRead(ctx context.Context, recipientID string, id int64) (bool, error) {
	var found bool
	err := s.update(ctx, recipientID, func(list []Notification) ([]Notification, bool) {
		found = markRead(list, id)
		return list, found
	})
	return found, err
}

func (s *KVStore) MarkAllRead(ctx context.Context, recipientID string) error {
	return s.update(ctx, recipientID, func(list []Notification) ([]Notification, bool) {
		changed := false
		for i := range list {
			if !list[i].Read {
				list[i].Read = true
				changed = true
			}
		}
		return list, changed
	})
}

func (s *KVStore) Clear(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, recipientKey(recipientID)); err != nil {
		return fmt.Errorf("clear notifications for %s: %w", recipientID, err)
	}
	return nil
}

// ImportLegacy splits the old shared collection into per-recipient keys and
// removes it. Entries already present under a recipient's key are kept.
// Returns the number of entries read from the legacy key.
func (s *KVStore) ImportLegacy(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read(ctx, legacyKey)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}

	byRecipient := make(map[string][]Notification)
	var order []string
	for _, n := range all {
		if n.RecipientID == "" {
			continue
		}
		if _, ok := byRecipient[n.RecipientID]; !ok {
			order = append(order, n.RecipientID)
		}
		byRecipient[n.RecipientID] = append(byRecipient[n.RecipientID], n)
	}
	for _, rid := range order {
		key := recipientKey(rid)
		list, err := s.read(ctx, key)
		if err != nil {
			return 0, err
		}
		if err := s.write(ctx, key, appendUnique(list, byRecipient[rid])); err != nil {
			return 0, err
		}
	}
	if err := s.kv.Delete(ctx, legacyKey); err != nil {
		return 0, fmt.Errorf("remove legacy notifications: %w", err)
	}
	return len(all), nil
}

// update runs a read-modify-write of one recipient's key. fn reports whether
// it changed anything; unchanged lists are not written back.
func (s *KVStore) update(ctx context.Context, recipientID string, fn func([]Notification) ([]Notification, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recipientKey(recipientID)
	list, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	next, changed := fn(list)
	if !changed {
		return nil
	}
	return s.write(ctx, key, next)
}

func (s *KVStore) read(ctx context.Context, key string) ([]Notification, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var list []Notification
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return list, nil
}

func (s *KVStore) write(ctx context.Context, key string, list []Notification) error {
	if list == nil {
		list = []Notification{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
