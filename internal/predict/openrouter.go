package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/megadoom99/trading/internal/market"
)

// OpenRouterConfig configures one chat-completion model endpoint. Several
// instances with different Model values form the fallback chain.
type OpenRouterConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"-"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBaseMs int           `yaml:"backoff_base_ms"`
}

// OpenRouterProvider asks an OpenRouter-compatible chat endpoint for
// per-horizon direction calls.
type OpenRouterProvider struct {
	cfg  OpenRouterConfig
	http *resty.Client
}

// NewOpenRouterProvider builds a provider for one model.
func NewOpenRouterProvider(cfg OpenRouterConfig) *OpenRouterProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs == 0 {
		cfg.BackoffBaseMs = 500
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.BackoffBaseMs) * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() == http.StatusTooManyRequests
		})

	return &OpenRouterProvider{cfg: cfg, http: client}
}

func (p *OpenRouterProvider) Name() string { return p.cfg.Model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// horizonCall is the model's per-window answer. Confidence arrives as a
// 0-100 percentage.
type horizonCall struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

type predictionPayload struct {
	OneMin    *horizonCall `json:"1min"`
	FiveMin   *horizonCall `json:"5min"`
	TenMin    *horizonCall `json:"10min"`
	Reasoning string       `json:"reasoning"`
}

func (p *OpenRouterProvider) Predict(ctx context.Context, snap market.Snapshot, horizons []Horizon) ([]Prediction, error) {
	req := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an expert high-frequency trading analyst specializing in short-term price predictions."},
			{Role: "user", Content: buildPrompt(snap)},
		},
		Temperature: 0.2,
		MaxTokens:   500,
	}

	var cr chatResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&cr).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("openrouter request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("openrouter status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("openrouter response has no choices")
	}

	payload, err := parsePayload(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return payload.toPredictions(snap.Symbol, horizons), nil
}

// parsePayload tolerates models that wrap JSON in a markdown fence.
func parsePayload(content string) (*predictionPayload, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	var payload predictionPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("malformed prediction payload: %w", err)
	}
	return &payload, nil
}

func (pl *predictionPayload) toPredictions(symbol string, horizons []Horizon) []Prediction {
	calls := map[Horizon]*horizonCall{
		HorizonShort:  pl.OneMin,
		HorizonMedium: pl.FiveMin,
		HorizonLong:   pl.TenMin,
	}
	now := time.Now()
	var out []Prediction
	for _, h := range horizons {
		call := calls[h]
		if call == nil {
			continue
		}
		out = append(out, Prediction{
			Symbol:     symbol,
			Horizon:    h,
			Direction:  mapDirection(call.Direction),
			Confidence: call.Confidence / 100, // percentage on the wire
			Reasoning:  pl.Reasoning,
			At:         now,
		})
	}
	return out
}

func mapDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BULLISH", "UP":
		return DirectionUp
	case "BEARISH", "DOWN":
		return DirectionDown
	default:
		return DirectionFlat
	}
}

func buildPrompt(snap market.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s for short-term price movement prediction.\n\n", snap.Symbol)
	fmt.Fprintf(&b, "Current Price: $%.2f\n", snap.Last)
	fmt.Fprintf(&b, "Bid-Ask Spread: %.4f\n", snap.Ask-snap.Bid)
	fmt.Fprintf(&b, "Volume: %d\n", snap.Volume)
	if snap.Sentiment != nil {
		fmt.Fprintf(&b, "News Sentiment Score: %.2f\n", *snap.Sentiment)
	}
	if h := snap.History; h != nil {
		if len(h.RecentLast) > 0 {
			recent := h.RecentLast
			if len(recent) > 20 {
				recent = recent[len(recent)-20:]
			}
			fmt.Fprintf(&b, "Recent Price Action (last %d ticks): %v\n", len(recent), recent)
		}
		if h.High52W > 0 {
			fmt.Fprintf(&b, "5-Day Change: %.2f%%, 30-Day Change: %.2f%%, 52-Week Range: $%.2f - $%.2f\n",
				h.Change5DPct, h.Change30DPct, h.Low52W, h.High52W)
		}
	}
	b.WriteString(`
Provide predictions for:
1. Next 1-minute movement
2. Next 5-minute movement
3. Next 10-minute movement

For each timeframe, indicate:
- Direction: BULLISH, BEARISH, or NEUTRAL
- Confidence: 0-100%

Format as JSON: {"1min": {"direction": "...", "confidence": ...}, "5min": {...}, "10min": {...}, "reasoning": "..."}`)
	return b.String()
}
