package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/internal/platform/broadcast"
	"github.com/pulseiq/portal/internal/platform/websocket"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingEvents) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestService(t *testing.T) (*Service, *recordingEvents) {
	t.Helper()
	events := &recordingEvents{}
	svc := NewService(seedStore(t), broadcast.NewBus[[]Notification](), events, zerolog.Nop())
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc, events
}

func TestService_IngestFromBus(t *testing.T) {
	svc, events := newTestService(t)
	ctx := context.Background()

	f, err := svc.Feed(ctx, "P001", RecipientPatient)
	if err != nil {
		t.Fatal(err)
	}
	before := f.UnreadCount()

	if _, err := svc.Publisher().PublishUpload(ctx, UploadEvent{TestName: "CBC", PatientID: "P001", DoctorID: "D002"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.UnreadCount() == before+1 })

	types := events.types()
	if len(types) != 2 || types[0] != websocket.EventSnapshot || types[1] != websocket.EventIngested {
		t.Errorf("unexpected forwarded events %v", types)
	}

	// D002 had no feed open; it picks the entry up on load.
	d, err := svc.Feed(ctx, "D002", RecipientDoctor)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Items()) != 2 {
		t.Errorf("expected 2 D002 entries after load, got %d", len(d.Items()))
	}
}

func TestService_FeedIsShared(t *testing.T) {
	svc, _ := newTestService(t)
	a, _ := svc.Feed(context.Background(), "P001", RecipientPatient)
	b, _ := svc.Feed(context.Background(), "P001", RecipientPatient)
	if a != b {
		t.Error("expected the same feed for the same recipient")
	}
	if _, err := svc.Feed(context.Background(), "", ""); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestService_Snapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := auth.WithIdentity(context.Background(), "P001", "patient")
	ev, err := svc.Snapshot(ctx, "P001")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != websocket.EventSnapshot || ev.RecipientID != "P001" || ev.UnreadCount != 1 {
		t.Errorf("unexpected snapshot %+v", ev)
	}
	var items []Notification
	if err := json.Unmarshal(ev.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
}

func TestService_SnapshotTypesFeedFromRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := auth.WithIdentity(context.Background(), "D002", "doctor")
	if _, err := svc.Snapshot(ctx, "D002"); err != nil {
		t.Fatal(err)
	}
	f, err := svc.Feed(context.Background(), "D002", "")
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	rtype := f.recipientType
	f.mu.Unlock()
	if rtype != RecipientDoctor {
		t.Errorf("expected feed typed %s for unread metrics, got %q", RecipientDoctor, rtype)
	}
}

func TestService_SnapshotWithoutFeedRole(t *testing.T) {
	svc, _ := newTestService(t)
	for _, role := range []string{"", "admin", "technician"} {
		ctx := auth.WithIdentity(context.Background(), "U001", role)
		if _, err := svc.Snapshot(ctx, "U001"); !errors.Is(err, ErrNoFeedForRole) {
			t.Errorf("role %q: expected ErrNoFeedForRole, got %v", role, err)
		}
	}
}

// ---------------------------------------------------------------------------
// feeds still loading
// ---------------------------------------------------------------------------

// slowListStore reads the stored entries, then holds the result until
// release is closed.
type slowListStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowListStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	items, err := s.MemoryStore.List(ctx, recipientID)
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return items, err
}

func TestService_FeedNotSharedUntilLoaded(t *testing.T) {
	store := &slowListStore{MemoryStore: seedStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(store, broadcast.NewBus[[]Notification](), nil, zerolog.Nop())
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	type result struct {
		f   *Feed
		err error
	}
	loaded := make(chan result, 1)
	go func() {
		f, err := svc.Feed(context.Background(), "P001", RecipientPatient)
		loaded <- result{f, err}
	}()
	<-store.entered

	// A second caller must not get the feed before its user is set.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if f, err := svc.Feed(cancelled, "P001", RecipientPatient); f != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected to wait for the load, got %v, %v", f, err)
	}

	// Published while the load is in flight; the listed items predate it.
	if _, err := svc.Publisher().PublishUpload(context.Background(), UploadEvent{TestName: "CBC", PatientID: "P001", DoctorID: "D002"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.feeds["P001"].backlog) == 1
	})
	close(store.release)

	res := <-loaded
	if res.err != nil {
		t.Fatal(res.err)
	}
	if n := len(res.f.Items()); n != 3 {
		t.Errorf("expected the in-flight entry replayed onto the feed, got %d items", n)
	}
	if res.f.UnreadCount() != 2 {
		t.Errorf("expected 2 unread, got %d", res.f.UnreadCount())
	}
	assertUnreadInvariant(t, res.f)

	again, err := svc.Feed(context.Background(), "P001", RecipientPatient)
	if err != nil || again != res.f {
		t.Errorf("expected the loaded feed to be shared, got %v, %v", again, err)
	}
}
