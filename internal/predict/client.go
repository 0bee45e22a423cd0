package predict

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/observ"
)

// ErrNoPrediction means every provider failed or returned malformed data.
// Callers must treat this as "no signal", never as a FLAT prediction.
var ErrNoPrediction = errors.New("no prediction available")

// Provider is one AI model behind the common contract.
type Provider interface {
	Name() string
	Predict(ctx context.Context, snap market.Snapshot, horizons []Horizon) ([]Prediction, error)
}

// Client fans a prediction request out to an ordered provider chain.
type Client struct {
	providers []Provider
	deadline  time.Duration
	limiter   *rate.Limiter
}

// NewClient builds a client over providers in priority order. deadline
// bounds the whole fan-out; limiter (optional) throttles total call rate
// across ticks.
func NewClient(providers []Provider, deadline time.Duration, limiter *rate.Limiter) *Client {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	return &Client{providers: providers, deadline: deadline, limiter: limiter}
}

type providerResult struct {
	priority int
	preds    []Prediction
}

// Predict queries all providers concurrently under one deadline and returns
// every well-formed prediction, ordered by chain priority. A slow provider
// is abandoned at the deadline, not awaited. Malformed output (including
// out-of-range confidence) excludes that provider's batch entirely.
func (c *Client) Predict(ctx context.Context, snap market.Snapshot, horizons []Horizon) ([]Prediction, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoPrediction
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	results := make(chan providerResult, len(c.providers))
	var wg sync.WaitGroup
	for i, p := range c.providers {
		wg.Add(1)
		go func(priority int, p Provider) {
			defer wg.Done()
			start := time.Now()
			preds, err := p.Predict(ctx, snap, horizons)
			observ.RecordDuration("predict_provider_latency", time.Since(start),
				map[string]string{"provider": p.Name()})
			if err != nil {
				observ.IncCounter("predict_provider_errors_total", map[string]string{"provider": p.Name()})
				observ.Log("predict_provider_failed", map[string]any{
					"provider": p.Name(),
					"symbol":   snap.Symbol,
					"error":    err.Error(),
				})
				return
			}
			valid := preds[:0]
			for _, pr := range preds {
				if err := ValidateConfidence(pr.Confidence); err != nil {
					// One bad value marks the whole batch malformed.
					observ.IncCounter("predict_provider_malformed_total", map[string]string{"provider": p.Name()})
					observ.Log("predict_provider_malformed", map[string]any{
						"provider": p.Name(),
						"symbol":   snap.Symbol,
						"error":    err.Error(),
					})
					return
				}
				pr.Model = p.Name()
				valid = append(valid, pr)
			}
			if len(valid) == 0 {
				return
			}
			observ.IncCounter("predict_provider_success_total", map[string]string{"provider": p.Name()})
			results <- providerResult{priority: priority, preds: valid}
		}(i, p)
	}

	// The channel is buffered to len(providers), so stragglers never block;
	// closing after wg.Wait in a goroutine lets the reader drain as results
	// land and stop at the deadline.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var collected []providerResult
collect:
	for {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-done:
			collected = drain(results, collected)
			break collect
		case <-ctx.Done():
			// A result that landed right at the deadline is still good.
			collected = drain(results, collected)
			break collect
		}
	}

	if len(collected) == 0 {
		return nil, ErrNoPrediction
	}
	return flatten(collected), nil
}

// drain empties buffered results without blocking.
func drain(results <-chan providerResult, collected []providerResult) []providerResult {
	for {
		select {
		case r := <-results:
			collected = append(collected, r)
		default:
			return collected
		}
	}
}

func flatten(collected []providerResult) []Prediction {
	sort.Slice(collected, func(i, j int) bool { return collected[i].priority < collected[j].priority })
	var out []Prediction
	for _, r := range collected {
		out = append(out, r.preds...)
	}
	return out
}
