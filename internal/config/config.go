package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Agent struct {
	Enabled         bool     `yaml:"enabled"`
	ExecutionMode   string   `yaml:"execution_mode"`  // FULL_AUTONOMY | MANUAL_APPROVAL | OBSERVATION_ONLY
	TradingHorizon  string   `yaml:"trading_horizon"` // DAY | POSITIONAL
	Watchlist       []string `yaml:"watchlist"`
	TickIntervalSec int      `yaml:"tick_interval_seconds"`
	ApprovalTTLSec  int      `yaml:"approval_ttl_seconds"`
	SessionEnd      string   `yaml:"session_end"` // "HH:MM", empty disables
	BackoffMaxSec   int      `yaml:"backoff_max_seconds"`
	UserID          string   `yaml:"user_id"`
}

type Risk struct {
	MaxPositionUSD    float64 `yaml:"max_position_usd"`
	MaxShares         int     `yaml:"max_shares"`
	MaxExposureUSD    float64 `yaml:"max_exposure_usd"`
	MaxOpenPositions  int     `yaml:"max_open_positions"`
	DailyLossLimitUSD float64 `yaml:"daily_loss_limit_usd"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	RiskPerTradePct   float64 `yaml:"risk_per_trade_pct"`
	MinConfidence     float64 `yaml:"min_confidence"`
	MarginEnabled     bool    `yaml:"margin_enabled"`
}

type Fusion struct {
	AgreementThreshold float64 `yaml:"agreement_threshold"`
}

type Market struct {
	MaxSnapshotAgeSec int `yaml:"max_snapshot_age_seconds"`
}

type Predict struct {
	Providers     []string `yaml:"providers"` // ordered fallback chain
	Model         string   `yaml:"model"`
	BaseURL       string   `yaml:"base_url"`
	DeadlineMs    int      `yaml:"deadline_ms"`
	MaxRetries    int      `yaml:"max_retries"`
	BackoffBaseMs int      `yaml:"backoff_base_ms"`
	RatePerMinute int      `yaml:"rate_per_minute"`
}

type Sentiment struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	CacheTTLSec int    `yaml:"cache_ttl_seconds"`
}

type Paper struct {
	StartingCash   float64 `yaml:"starting_cash"`
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	PartialFillPct float64 `yaml:"partial_fill_pct"`
}

type Journal struct {
	DBPath string `yaml:"db_path"`
}

type Root struct {
	TradingMode   string    `yaml:"trading_mode"` // PAPER | LIVE
	Agent         Agent     `yaml:"agent"`
	Risk          Risk      `yaml:"risk"`
	Fusion        Fusion    `yaml:"fusion"`
	Market        Market    `yaml:"market"`
	Predict       Predict   `yaml:"predict"`
	Sentiment     Sentiment `yaml:"sentiment"`
	Paper         Paper     `yaml:"paper"`
	Journal       Journal   `yaml:"journal"`
	IntentLogPath string    `yaml:"intent_log_path"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.TradingMode == "" {
		c.TradingMode = "PAPER"
	}

	if c.Agent.ExecutionMode == "" {
		c.Agent.ExecutionMode = "OBSERVATION_ONLY"
	}
	if c.Agent.TradingHorizon == "" {
		c.Agent.TradingHorizon = "DAY"
	}
	if c.Agent.TickIntervalSec == 0 {
		c.Agent.TickIntervalSec = 60
	}
	if c.Agent.ApprovalTTLSec == 0 {
		c.Agent.ApprovalTTLSec = 300
	}
	if c.Agent.BackoffMaxSec == 0 {
		c.Agent.BackoffMaxSec = 300
	}

	if c.Risk.MaxPositionUSD == 0 {
		c.Risk.MaxPositionUSD = 1000
	}
	if c.Risk.MaxShares == 0 {
		c.Risk.MaxShares = 100
	}
	if c.Risk.MaxExposureUSD == 0 {
		c.Risk.MaxExposureUSD = 5000
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 5
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 2
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = 4
	}
	if c.Risk.RiskPerTradePct == 0 {
		c.Risk.RiskPerTradePct = 1
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = 0.6
	}

	if c.Fusion.AgreementThreshold == 0 {
		c.Fusion.AgreementThreshold = 0.5
	}

	if c.Market.MaxSnapshotAgeSec == 0 {
		c.Market.MaxSnapshotAgeSec = 30
	}

	if c.Predict.Model == "" {
		c.Predict.Model = "openai/gpt-4o-mini"
	}
	if c.Predict.DeadlineMs == 0 {
		c.Predict.DeadlineMs = 30000
	}
	if c.Predict.MaxRetries == 0 {
		c.Predict.MaxRetries = 3
	}
	if c.Predict.BackoffBaseMs == 0 {
		c.Predict.BackoffBaseMs = 500
	}
	if c.Predict.RatePerMinute == 0 {
		c.Predict.RatePerMinute = 20
	}

	if c.Sentiment.CacheTTLSec == 0 {
		c.Sentiment.CacheTTLSec = 300
	}

	if c.Paper.StartingCash == 0 {
		c.Paper.StartingCash = 100000
	}
	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 100
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 2000
	}
	if c.Paper.SlippageBpsMin == 0 {
		c.Paper.SlippageBpsMin = 1
	}
	if c.Paper.SlippageBpsMax == 0 {
		c.Paper.SlippageBpsMax = 5
	}

	if c.Journal.DBPath == "" {
		c.Journal.DBPath = "data/journal.db"
	}
	if c.IntentLogPath == "" {
		c.IntentLogPath = "data/intents.jsonl"
	}

	if len(c.Agent.Watchlist) == 0 {
		return c, fmt.Errorf("agent.watchlist must not be empty")
	}
	return c, nil
}
