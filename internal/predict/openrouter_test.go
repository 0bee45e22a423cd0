package predict

import (
	"strings"
	"testing"
	"time"

	"github.com/megadoom99/trading/internal/market"
)

func TestParsePayload(t *testing.T) {
	raw := `{"1min":{"direction":"BULLISH","confidence":80},"5min":{"direction":"BEARISH","confidence":65},"reasoning":"momentum"}`

	t.Run("plain_json", func(t *testing.T) {
		pl, err := parsePayload(raw)
		if err != nil {
			t.Fatal(err)
		}
		if pl.OneMin == nil || pl.OneMin.Confidence != 80 {
			t.Errorf("1min = %+v", pl.OneMin)
		}
		if pl.Reasoning != "momentum" {
			t.Errorf("reasoning = %q", pl.Reasoning)
		}
	})

	t.Run("markdown_fenced", func(t *testing.T) {
		fenced := "```json\n" + raw + "\n```"
		if _, err := parsePayload(fenced); err != nil {
			t.Errorf("fenced payload should parse: %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := parsePayload("I think it will go up"); err == nil {
			t.Error("prose should not parse")
		}
	})
}

func TestToPredictionsScalesConfidence(t *testing.T) {
	pl := &predictionPayload{
		OneMin:    &horizonCall{Direction: "BULLISH", Confidence: 80},
		FiveMin:   &horizonCall{Direction: "BEARISH", Confidence: 150},
		Reasoning: "r",
	}
	got := pl.toPredictions("AAPL", AllHorizons())
	if len(got) != 2 {
		t.Fatalf("got %d predictions, want 2 (10min missing from payload)", len(got))
	}
	if got[0].Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", got[0].Confidence)
	}
	// 150% stays out of range so the client discards the batch.
	if err := ValidateConfidence(got[1].Confidence); err == nil {
		t.Error("overconfident wire value should fail validation downstream")
	}
}

func TestMapDirection(t *testing.T) {
	cases := map[string]Direction{
		"BULLISH":  DirectionUp,
		"bullish":  DirectionUp,
		"UP":       DirectionUp,
		"BEARISH":  DirectionDown,
		"down":     DirectionDown,
		"NEUTRAL":  DirectionFlat,
		"sideways": DirectionFlat,
		"":         DirectionFlat,
	}
	for in, want := range cases {
		if got := mapDirection(in); got != want {
			t.Errorf("mapDirection(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	score := 0.4
	snap := market.Snapshot{
		Symbol:    "AAPL",
		Timestamp: time.Now(),
		Last:      187.23,
		Bid:       187.20,
		Ask:       187.26,
		Volume:    42_000_000,
		Sentiment: &score,
		History: &market.History{
			Change5DPct:  2.5,
			Change30DPct: -1.2,
			High52W:      199.6,
			Low52W:       140.1,
		},
	}
	prompt := buildPrompt(snap)
	for _, want := range []string{"AAPL", "187.23", "sentiment", "52"} {
		if !strings.Contains(strings.ToLower(prompt), strings.ToLower(want)) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
