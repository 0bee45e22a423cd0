package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/megadoom99/trading/internal/observ"
)

// Sentinel errors let the orchestrator distinguish "retry later" from
// "drop this symbol".
var (
	// ErrFeedDisconnected means the upstream feed is unreachable; the
	// caller should back off and retry.
	ErrFeedDisconnected = errors.New("market feed disconnected")

	// ErrNoSubscription means the symbol has no active subscription; the
	// caller should drop the symbol rather than retry.
	ErrNoSubscription = errors.New("symbol not subscribed")
)

// StaleError reports that the freshest available snapshot exceeds the
// staleness bound.
type StaleError struct {
	Symbol string
	Age    time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale snapshot for %s: age %v", e.Symbol, e.Age)
}

// Feed produces fresh snapshots on demand. The broker gateway satisfies
// this.
type Feed interface {
	Quote(ctx context.Context, symbol string) (Snapshot, error)
}

// Observer normalizes feed data into snapshots and keeps a short-lived
// per-symbol cache. A snapshot older than the staleness bound is never
// reused.
type Observer struct {
	feed   Feed
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]*symbolEntry
}

type symbolEntry struct {
	mu   sync.Mutex
	snap Snapshot
	ok   bool
	last []float64 // rolling tick history, capped
}

const historyCap = 100

// NewObserver builds an observer over feed with the given staleness bound.
func NewObserver(feed Feed, maxAge time.Duration) *Observer {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &Observer{
		feed:    feed,
		maxAge:  maxAge,
		entries: make(map[string]*symbolEntry),
	}
}

func (o *Observer) entry(symbol string) *symbolEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[symbol]
	if !ok {
		e = &symbolEntry{}
		o.entries[symbol] = e
	}
	return e
}

// Observe returns a fresh snapshot for symbol, re-fetching from the feed
// when the cached one has aged out. Synchronization is per symbol, so a
// slow fetch for one symbol never blocks another.
func (o *Observer) Observe(ctx context.Context, symbol string) (Snapshot, error) {
	e := o.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.ok && e.snap.Age(now) <= o.maxAge {
		observ.IncCounter("observer_cache_hit_total", map[string]string{"symbol": symbol})
		return e.withHistory(), nil
	}
	observ.IncCounter("observer_cache_miss_total", map[string]string{"symbol": symbol})

	snap, err := o.feed.Quote(ctx, symbol)
	if err != nil {
		// Never serve a stale snapshot as a fallback.
		return Snapshot{}, err
	}
	if err := Validate(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("invalid snapshot for %s: %w", symbol, err)
	}
	if age := snap.Age(now); age > o.maxAge {
		return Snapshot{}, &StaleError{Symbol: symbol, Age: age}
	}

	e.store(snap)
	return e.withHistory(), nil
}

// Ingest consumes a stream of snapshots into the cache, decoupling feed
// cadence from pipeline tick cadence. Returns when ctx is cancelled or
// the channel closes.
func (o *Observer) Ingest(ctx context.Context, ch <-chan Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			if err := Validate(&snap); err != nil {
				observ.IncCounter("observer_ingest_rejected_total", map[string]string{"symbol": snap.Symbol})
				continue
			}
			e := o.entry(snap.Symbol)
			e.mu.Lock()
			e.store(snap)
			e.mu.Unlock()
			observ.IncCounter("observer_ingest_total", map[string]string{"symbol": snap.Symbol})
		}
	}
}

// store must be called with e.mu held.
func (e *symbolEntry) store(snap Snapshot) {
	e.snap = snap
	e.ok = true
	e.last = append(e.last, snap.Last)
	if len(e.last) > historyCap {
		e.last = e.last[len(e.last)-historyCap:]
	}
}

// withHistory must be called with e.mu held. It returns a copy so callers
// never alias the cache.
func (e *symbolEntry) withHistory() Snapshot {
	snap := e.snap
	recent := make([]float64, len(e.last))
	copy(recent, e.last)
	if snap.History == nil {
		snap.History = &History{}
	} else {
		h := *snap.History
		snap.History = &h
	}
	snap.History.RecentLast = recent
	return snap
}
