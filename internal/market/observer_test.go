package market

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedFeed struct {
	calls int
	snaps []Snapshot
	err   error
}

func (f *scriptedFeed) Quote(_ context.Context, symbol string) (Snapshot, error) {
	if f.err != nil {
		return Snapshot{}, f.err
	}
	s := f.snaps[f.calls%len(f.snaps)]
	f.calls++
	s.Symbol = symbol
	return s, nil
}

func fresh(price float64) Snapshot {
	return Snapshot{Symbol: "AAPL", Timestamp: time.Now(), Last: price, Bid: price - 0.01, Ask: price + 0.01, Volume: 100}
}

func TestObserveCachesWithinBound(t *testing.T) {
	feed := &scriptedFeed{snaps: []Snapshot{fresh(100)}}
	o := NewObserver(feed, time.Minute)

	first, err := o.Observe(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Observe(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if feed.calls != 1 {
		t.Errorf("feed called %d times, want 1 (cache hit)", feed.calls)
	}
	if first.Last != second.Last {
		t.Errorf("cached snapshot changed: %v vs %v", first.Last, second.Last)
	}
}

func TestObserveRefetchesWhenAged(t *testing.T) {
	feed := &scriptedFeed{snaps: []Snapshot{fresh(100)}}
	o := NewObserver(feed, time.Nanosecond)

	if _, err := o.Observe(context.Background(), "AAPL"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := o.Observe(context.Background(), "AAPL"); err != nil {
		t.Fatal(err)
	}
	if feed.calls != 2 {
		t.Errorf("feed called %d times, want 2", feed.calls)
	}
}

func TestObserveStaleFeedIsError(t *testing.T) {
	old := fresh(100)
	old.Timestamp = time.Now().Add(-time.Hour)
	feed := &scriptedFeed{snaps: []Snapshot{old}}
	o := NewObserver(feed, time.Second)

	_, err := o.Observe(context.Background(), "AAPL")
	var stale *StaleError
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleError", err)
	}
	if stale.Symbol != "AAPL" || stale.Age < time.Hour-time.Minute {
		t.Errorf("unexpected stale detail: %+v", stale)
	}
}

func TestObserveNeverServesStaleFallback(t *testing.T) {
	feed := &scriptedFeed{snaps: []Snapshot{fresh(100)}}
	o := NewObserver(feed, 50*time.Millisecond)

	if _, err := o.Observe(context.Background(), "AAPL"); err != nil {
		t.Fatal(err)
	}

	// Feed goes down after the cache ages out.
	feed.err = ErrFeedDisconnected
	time.Sleep(60 * time.Millisecond)

	_, err := o.Observe(context.Background(), "AAPL")
	if !errors.Is(err, ErrFeedDisconnected) {
		t.Errorf("err = %v, want the feed error, not a stale cached snapshot", err)
	}
}

func TestObserveRejectsInvalid(t *testing.T) {
	crossed := fresh(100)
	crossed.Bid = 101
	crossed.Ask = 100
	feed := &scriptedFeed{snaps: []Snapshot{crossed}}
	o := NewObserver(feed, time.Minute)

	if _, err := o.Observe(context.Background(), "AAPL"); err == nil {
		t.Error("crossed book should not validate")
	}
}

func TestIngestFeedsCache(t *testing.T) {
	o := NewObserver(&scriptedFeed{err: ErrFeedDisconnected}, time.Minute)

	ch := make(chan Snapshot, 2)
	ch <- fresh(101)
	ch <- fresh(102)
	close(ch)
	o.Ingest(context.Background(), ch)

	snap, err := o.Observe(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("expected ingested snapshot, got %v", err)
	}
	if snap.Last != 102 {
		t.Errorf("last = %v, want newest ingested 102", snap.Last)
	}
	if snap.History == nil || len(snap.History.RecentLast) != 2 {
		t.Errorf("history = %+v, want two ticks", snap.History)
	}
}

func TestValidateSnapshot(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
		ok     bool
	}{
		{"valid", func(s *Snapshot) {}, true},
		{"lowercase_symbol_normalized", func(s *Snapshot) { s.Symbol = " aapl " }, true},
		{"empty_symbol", func(s *Snapshot) { s.Symbol = "" }, false},
		{"zero_price", func(s *Snapshot) { s.Last = 0 }, false},
		{"negative_volume", func(s *Snapshot) { s.Volume = -1 }, false},
		{"future_timestamp", func(s *Snapshot) { s.Timestamp = time.Now().Add(time.Hour) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := fresh(100)
			tc.mutate(&s)
			err := Validate(&s)
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
	t.Run("normalization_applied", func(t *testing.T) {
		s := fresh(100)
		s.Symbol = " aapl "
		if err := Validate(&s); err != nil {
			t.Fatal(err)
		}
		if s.Symbol != "AAPL" {
			t.Errorf("symbol = %q, want AAPL", s.Symbol)
		}
	})
}
