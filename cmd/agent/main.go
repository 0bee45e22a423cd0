package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/megadoom99/trading/internal/agent"
	"github.com/megadoom99/trading/internal/broker"
	"github.com/megadoom99/trading/internal/config"
	"github.com/megadoom99/trading/internal/fuse"
	"github.com/megadoom99/trading/internal/journal"
	"github.com/megadoom99/trading/internal/market"
	"github.com/megadoom99/trading/internal/observ"
	"github.com/megadoom99/trading/internal/order"
	"github.com/megadoom99/trading/internal/predict"
	"github.com/megadoom99/trading/internal/risk"
	"github.com/megadoom99/trading/internal/sentiment"
)

func main() {
	var (
		cfgPath string
		debug   bool
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	// Missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Environment overrides config for the operational toggles.
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.TradingMode = v
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.Agent.ExecutionMode = v
	}
	if v := os.Getenv("TRADING_HORIZON"); v != "" {
		cfg.Agent.TradingHorizon = v
	}
	if v := os.Getenv("AGENT_ENABLED"); v != "" {
		cfg.Agent.Enabled = v == "true"
	}

	observ.Init(debug)
	defer observ.Sync()

	mode, err := agent.ParseExecutionMode(cfg.Agent.ExecutionMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	horizon, err := agent.ParseTradingHorizon(cfg.Agent.TradingHorizon)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.TradingMode == string(broker.ModeLive) {
		log.Fatal("live trading gateway not wired; run PAPER")
	}
	gw := broker.NewPaperGateway(broker.PaperConfig{
		StartingCash:   cfg.Paper.StartingCash,
		LatencyMsMin:   cfg.Paper.LatencyMsMin,
		LatencyMsMax:   cfg.Paper.LatencyMsMax,
		SlippageBpsMin: cfg.Paper.SlippageBpsMin,
		SlippageBpsMax: cfg.Paper.SlippageBpsMax,
		PartialFillPct: cfg.Paper.PartialFillPct,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Connect(ctx, broker.ModePaper); err != nil {
		log.Fatalf("broker connect: %v", err)
	}
	defer gw.Disconnect()

	observer := market.NewObserver(gw, time.Duration(cfg.Market.MaxSnapshotAgeSec)*time.Second)

	var feed *sentiment.Feed
	if cfg.Sentiment.Enabled {
		provider := sentiment.NewFinnhubProvider(sentiment.FinnhubConfig{
			BaseURL: cfg.Sentiment.BaseURL,
			APIKey:  os.Getenv("FINNHUB_API_KEY"),
		})
		feed = sentiment.NewFeed(provider, time.Duration(cfg.Sentiment.CacheTTLSec)*time.Second)
	}

	var providers []predict.Provider
	for _, name := range cfg.Predict.Providers {
		switch name {
		case "openrouter":
			providers = append(providers, predict.NewOpenRouterProvider(predict.OpenRouterConfig{
				BaseURL:       cfg.Predict.BaseURL,
				APIKey:        os.Getenv("OPENROUTER_API_KEY"),
				Model:         cfg.Predict.Model,
				MaxRetries:    cfg.Predict.MaxRetries,
				BackoffBaseMs: cfg.Predict.BackoffBaseMs,
			}))
		default:
			log.Fatalf("unknown prediction provider %q", name)
		}
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.Predict.RatePerMinute)/60), cfg.Predict.RatePerMinute)
	client := predict.NewClient(providers, time.Duration(cfg.Predict.DeadlineMs)*time.Millisecond, limiter)

	fuser := fuse.New(fuse.Config{
		AgreementThreshold: cfg.Fusion.AgreementThreshold,
		StopLossPct:        cfg.Risk.StopLossPct,
		TakeProfitPct:      cfg.Risk.TakeProfitPct,
	})

	intents, err := order.OpenIntentLog(cfg.IntentLogPath)
	if err != nil {
		log.Fatalf("open intent log: %v", err)
	}
	mgr := order.NewManager(gw, intents)

	store, err := journal.Open(cfg.Journal.DBPath)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer store.Close()

	limits := risk.Limits{
		MaxPositionUSD:    cfg.Risk.MaxPositionUSD,
		MaxShares:         cfg.Risk.MaxShares,
		MaxExposureUSD:    cfg.Risk.MaxExposureUSD,
		MaxOpenPositions:  cfg.Risk.MaxOpenPositions,
		DailyLossLimitUSD: cfg.Risk.DailyLossLimitUSD,
		MinConfidence:     cfg.Risk.MinConfidence,
		MarginEnabled:     cfg.Risk.MarginEnabled,
	}

	state := agent.NewStateBox(agent.State{
		Enabled: cfg.Agent.Enabled,
		Mode:    mode,
		Horizon: horizon,
	})

	orch := agent.New(agent.Config{
		Watchlist:       cfg.Agent.Watchlist,
		TickInterval:    time.Duration(cfg.Agent.TickIntervalSec) * time.Second,
		ApprovalTTL:     time.Duration(cfg.Agent.ApprovalTTLSec) * time.Second,
		RiskPerTradePct: cfg.Risk.RiskPerTradePct,
		SessionEnd:      cfg.Agent.SessionEnd,
		BackoffMax:      time.Duration(cfg.Agent.BackoffMaxSec) * time.Second,
		UserID:          cfg.Agent.UserID,
	}, state, observer, feed, client, fuser, mgr, store, gw, limits)

	observ.Log("startup", map[string]any{
		"trading_mode":   cfg.TradingMode,
		"execution_mode": string(mode),
		"horizon":        string(horizon),
		"watchlist":      cfg.Agent.Watchlist,
		"enabled":        cfg.Agent.Enabled,
	})

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("orchestrator: %v", err)
	}
	observ.Log("shutdown", nil)
}
