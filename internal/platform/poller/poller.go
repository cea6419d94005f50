// Package poller runs a fetch on a fixed interval and keeps the most recent
// result. Ticks are independent: a slow fetch does not delay the next tick
// and is never de-duplicated against it. Each fetch is stamped with a
// sequence number when it starts, and a result is applied only if nothing
// started later has already been applied and the poller is still running.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/metrics"
)

type FetchFunc[T any] func(ctx context.Context) (T, error)

type Options[T any] struct {
	Name     string
	Interval time.Duration
	Logger   zerolog.Logger
	// OnUpdate is called after each applied result, outside the lock.
	OnUpdate func(Snapshot[T])
}

// Snapshot is the last applied outcome. Err is the error of the most
// recent applied fetch; Value keeps the last successful result across
// errors.
type Snapshot[T any] struct {
	Value     T
	Err       error
	UpdatedAt time.Time
	Seq       uint64
	Loaded    bool
}

type Poller[T any] struct {
	name     string
	interval time.Duration
	fetch    FetchFunc[T]
	logger   zerolog.Logger
	onUpdate func(Snapshot[T])

	mu      sync.Mutex
	issued  uint64
	applied uint64
	snap    Snapshot[T]
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New[T any](fetch FetchFunc[T], opts Options[T]) *Poller[T] {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "poller"
	}
	return &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		logger:   opts.Logger.With().Str("poller", name).Logger(),
		onUpdate: opts.OnUpdate,
	}
}

// Start fetches immediately and then on every interval until Stop or ctx
// is done. Starting a running poller is a no-op.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go p.loop(ctx)
}

func (p *Poller[T]) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller[T]) tick(ctx context.Context) {
	seq := p.next()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		val, err := p.fetch(ctx)
		p.apply(seq, val, err, true)
	}()
}

// Stop halts ticking and waits for in-flight fetches to return. Their
// results are discarded.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Refresh runs one fetch now, outside the schedule, and applies it under the
// same ordering rules. It also works on a poller that was never started.
func (p *Poller[T]) Refresh(ctx context.Context) (Snapshot[T], error) {
	seq := p.next()
	val, err := p.fetch(ctx)
	p.apply(seq, val, err, false)
	return p.Snapshot(), err
}

func (p *Poller[T]) Snapshot() Snapshot[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Poller[T]) next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued++
	return p.issued
}

// apply records the result of fetch seq. scheduled results are dropped once
// the poller has stopped.
func (p *Poller[T]) apply(seq uint64, val T, err error, scheduled bool) {
	p.mu.Lock()
	if (scheduled && !p.running) || seq <= p.applied {
		p.mu.Unlock()
		metrics.RecordPollTick(p.name, "stale")
		p.logger.Debug().Uint64("seq", seq).Msg("discarding stale poll result")
		return
	}
	p.applied = seq
	p.snap.Seq = seq
	p.snap.UpdatedAt = time.Now()
	p.snap.Err = err
	if err == nil {
		p.snap.Value = val
		p.snap.Loaded = true
	}
	snap := p.snap
	p.mu.Unlock()

	if err != nil {
		metrics.RecordPollTick(p.name, "error")
		p.logger.Warn().Err(err).Msg("poll fetch failed")
	} else {
		metrics.RecordPollTick(p.name, "applied")
	}
	if p.onUpdate != nil {
		p.onUpdate(snap)
	}
}
