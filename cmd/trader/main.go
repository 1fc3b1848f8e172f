package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantro/fxcontrol/internal/config"
	"github.com/quantro/fxcontrol/internal/emergency"
	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/internal/gateway/bybit"
	"github.com/quantro/fxcontrol/internal/gateway/paper"
	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/monitoring"
	"github.com/quantro/fxcontrol/internal/notifications"
	"github.com/quantro/fxcontrol/internal/position"
	"github.com/quantro/fxcontrol/internal/reporting"
	"github.com/quantro/fxcontrol/internal/risk"
	"github.com/quantro/fxcontrol/internal/strategy"
	"github.com/quantro/fxcontrol/internal/trader"
)

func main() {
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file")
		envFile    = flag.String("env", ".env", "Environment file path")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s (%v), using process environment", *envFile, err)
	}

	fmt.Println("🚀 fxcontrol starting...")

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sessionLog, err := logger.New(cfg.Session)
	if err != nil {
		log.Fatalf("Failed to create session logger: %v", err)
	}
	defer sessionLog.Close()
	fmt.Printf("📋 Session log: %s\n", sessionLog.GetLogPath())

	gw, err := buildGateway(cfg)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		log.Fatalf("Gateway connection failed: %v", err)
	}
	defer gw.Disconnect()

	var notifier notifications.Notifier = notifications.Nop{}
	if cfg.Notifications.TelegramToken != "" && cfg.Notifications.TelegramChatID != "" {
		notifier = notifications.NewTelegramNotifier(
			cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
	}

	health := monitoring.NewHealthChecker()
	health.SetConnected(true)

	positions := position.NewManager(gw, sessionLog, position.Config{
		MaxPerInstrument:    cfg.Positions.MaxPerInstrument,
		MaxOpenPositions:    cfg.Positions.MaxOpenPositions,
		MaxPositionFraction: cfg.Positions.MaxPositionFraction,
		FallbackRisk:        cfg.Positions.FallbackRisk,
	})

	riskMgr := risk.NewManager(risk.Config{
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		MaxTotalRisk:    cfg.Risk.MaxTotalRisk,
		MaxDrawdown:     cfg.Risk.MaxDrawdown,
		PnLWindow:       cfg.Risk.PnLWindow,
	}, sessionLog)

	overlay := emergency.NewOverlay(overlayConfig(cfg.Emergency), sessionLog, notifier)

	loop := trader.New(cfg.Loop, gw, positions, riskMgr, overlay,
		cfg.Positions.RiskPerTrade, sessionLog, notifier, health)

	strategyKeys := make([]string, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		strat, err := strategy.Create(sc.Key, sc.Instrument, strategy.Params{
			Base:     sc.Params,
			ByRegime: sc.RegimeOverrides,
		})
		if err != nil {
			log.Fatalf("Failed to create strategy %s: %v", sc.Key, err)
		}
		if err := loop.AddStrategy(sc.Key, strat, sc.Instrument, sc.Timeframe, sc.Regime); err != nil {
			log.Fatalf("Failed to register strategy %s: %v", sc.Key, err)
		}
		strategyKeys = append(strategyKeys, sc.Key)
	}

	startServers(cfg, health)

	reporting.PrintStartupInfo(cfg.Session, gw.Name(), strategyKeys,
		cfg.Loop.Period.Std().String(), cfg.Gateway.Name == "paper" || cfg.Gateway.Demo)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\n🛑 Shutdown signal (%v) received, stopping after current cycle...\n", sig)
		loop.Stop()
	}()

	if err := loop.Start(ctx); err != nil {
		log.Fatalf("Control loop exited with error: %v", err)
	}

	reporting.PrintStatus(loop.GetStatus(), loop.LastRiskMetrics())
	reporting.PrintPositions(positions.OpenPositions())

	if closed := positions.ClosedPositions(); len(closed) > 0 {
		path := fmt.Sprintf("results/%s_journal.xlsx", cfg.Session)
		if err := reporting.WriteJournalXLSX(closed, path); err != nil {
			log.Printf("Warning: could not write trade journal: %v", err)
		} else {
			fmt.Printf("📊 Trade journal written to %s\n", path)
		}
	}

	fmt.Println("👋 fxcontrol stopped")
}

// buildGateway selects the broker gateway from config.
func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Gateway.Name {
	case "paper":
		return paper.New(10000), nil
	case "bybit":
		return bybit.New(bybit.Config{
			APIKey:    cfg.Gateway.APIKey,
			APISecret: cfg.Gateway.APISecret,
			Category:  cfg.Gateway.Category,
			Testnet:   cfg.Gateway.Testnet,
			Demo:      cfg.Gateway.Demo,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", cfg.Gateway.Name)
	}
}

// overlayConfig maps the file config onto the overlay's config,
// keeping the overlay defaults for the window sizes.
func overlayConfig(e config.EmergencyConfig) emergency.Config {
	c := emergency.DefaultConfig()
	c.Level1Drawdown = e.Level1Drawdown
	c.Level2Drawdown = e.Level2Drawdown
	c.CrisisDrawdown = e.CrisisDrawdown
	c.StopDrawdown = e.StopDrawdown
	c.StressVolMultiple = e.StressVolMultiple
	c.CriticalSeverity = e.CriticalSeverity
	c.StressTTL = e.StressTTL.Std()
	c.StressRewardRisk = e.StressRewardRisk
	c.CrisisRewardRisk = e.CrisisRewardRisk
	c.CrisisATRMultiple = e.CrisisATRMultiple
	return c
}

// startServers brings up the metrics and health HTTP endpoints.
func startServers(cfg *config.Config, health *monitoring.HealthChecker) {
	if cfg.Monitoring.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", monitoring.NewMetricsHandler())
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}
	if cfg.Monitoring.HealthPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/health", health)
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Monitoring.HealthPort),
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("health server: %v", err)
			}
		}()
	}
}
