package sentiment

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/megadoom99/trading/internal/observ"
)

// Score is a symbol's news sentiment at a point in time.
type Score struct {
	Symbol   string    `json:"symbol"`
	Value    float64   `json:"value"` // roughly [-1,1]
	Label    string    `json:"label"` // POSITIVE | NEUTRAL | NEGATIVE
	Headline string    `json:"headline,omitempty"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}

// Provider fetches a raw sentiment score for a symbol.
type Provider interface {
	Sentiment(ctx context.Context, symbol string) (Score, error)
}

// Feed caches provider scores per symbol. A nil Feed, or any provider
// failure, degrades to "no score" and never blocks the pipeline.
type Feed struct {
	provider Provider
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]Score
}

// NewFeed wraps provider with a cache. ttl defaults to five minutes.
func NewFeed(provider Provider, ttl time.Duration) *Feed {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Feed{provider: provider, ttl: ttl, cache: make(map[string]Score)}
}

// Get returns the cached or freshly fetched score. ok is false when no
// score is available; callers proceed without one.
func (f *Feed) Get(ctx context.Context, symbol string) (Score, bool) {
	if f == nil || f.provider == nil {
		return Score{}, false
	}

	f.mu.Lock()
	cached, hit := f.cache[symbol]
	f.mu.Unlock()
	if hit && time.Since(cached.At) < f.ttl {
		return cached, true
	}

	score, err := f.provider.Sentiment(ctx, symbol)
	if err != nil {
		observ.IncCounter("sentiment_fetch_errors_total", map[string]string{"symbol": symbol})
		if hit {
			// A stale sentiment score is still usable context, unlike a
			// stale price.
			return cached, true
		}
		return Score{}, false
	}
	score.Label = labelFor(score.Value)
	score.At = time.Now()

	f.mu.Lock()
	f.cache[symbol] = score
	f.mu.Unlock()
	return score, true
}

func labelFor(v float64) string {
	switch {
	case v > 0.2:
		return "POSITIVE"
	case v < -0.2:
		return "NEGATIVE"
	default:
		return "NEUTRAL"
	}
}

// FinnhubConfig configures the news sentiment client.
type FinnhubConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// FinnhubProvider pulls the latest company news and uses its sentiment
// field as the score.
type FinnhubProvider struct {
	cfg  FinnhubConfig
	http *resty.Client
}

// NewFinnhubProvider builds the client.
func NewFinnhubProvider(cfg FinnhubConfig) *FinnhubProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://finnhub.io/api/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetQueryParam("token", cfg.APIKey)
	return &FinnhubProvider{cfg: cfg, http: client}
}

type newsItem struct {
	Headline  string  `json:"headline"`
	Source    string  `json:"source"`
	Sentiment float64 `json:"sentiment"`
}

func (p *FinnhubProvider) Sentiment(ctx context.Context, symbol string) (Score, error) {
	var items []newsItem
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"from":   time.Now().AddDate(0, 0, -1).Format("2006-01-02"),
			"to":     time.Now().Format("2006-01-02"),
		}).
		SetResult(&items).
		Get("/company-news")
	if err != nil {
		return Score{}, fmt.Errorf("finnhub request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Score{}, fmt.Errorf("finnhub status %d", resp.StatusCode())
	}
	if len(items) == 0 {
		return Score{Symbol: symbol, Value: 0}, nil
	}
	latest := items[0]
	return Score{
		Symbol:   symbol,
		Value:    latest.Sentiment,
		Headline: latest.Headline,
		Source:   latest.Source,
	}, nil
}
