// cortex is the pipeline launcher. Exit codes: 0 normal shutdown,
// 1 configuration error, 2 mirror required but unreachable at startup.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visioncortex/backend/internal/adapters"
	"github.com/visioncortex/backend/internal/alerts"
	"github.com/visioncortex/backend/internal/config"
	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
	"github.com/visioncortex/backend/internal/gateway"
	"github.com/visioncortex/backend/internal/infra"
	"github.com/visioncortex/backend/internal/ingest"
	"github.com/visioncortex/backend/internal/monitoring"
	"github.com/visioncortex/backend/internal/orchestrator"
	"github.com/visioncortex/backend/internal/outreach"
	"github.com/visioncortex/backend/internal/playbook"
	"github.com/visioncortex/backend/internal/resolver"
	"github.com/visioncortex/backend/internal/retry"
	"github.com/visioncortex/backend/internal/scoring"
	"github.com/visioncortex/backend/internal/store"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitMirrorDown  = 2
	shutdownGrace   = 15 * time.Second
	mirrorChanPfx   = "cortex:events:"
	adapterHTTPWait = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}

	cfgPath := os.Getenv("CORTEX_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		return exitConfig
	}

	bus := events.NewBus(events.Config{
		QueueCapacity:  cfg.Bus.QueueCapacity,
		PublishTimeout: cfg.PublishTimeout(),
	})

	var redisClient *infra.RedisAdapter
	var mirror *events.Mirror
	if cfg.Redis.Enabled {
		redisClient, err = infra.NewRedisAdapter(cfg.Redis.URL)
		if err != nil {
			if cfg.Redis.Required {
				slog.Error("mirror unreachable at startup", "url", cfg.Redis.URL, "error", err)
				return exitMirrorDown
			}
			slog.Warn("mirror unreachable, running without external fan-out", "error", err)
		} else {
			mirror = events.NewMirror(redisClient, mirrorChanPfx, retry.DefaultPolicy())
			bus.AttachMirror(mirror)
		}
	}

	var st store.Store
	switch {
	case cfg.Postgres.Enabled:
		pg, err := store.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			slog.Error("postgres store unavailable", "error", err)
			return exitConfig
		}
		st = pg
	case redisClient != nil:
		st = store.NewRedisStore(redisClient)
	default:
		st = store.NewMemoryStore()
	}

	var llm resolver.LLMMatcher
	if cfg.Resolver.LLMEnabled {
		llm = resolver.NewHTTPLLMClient(cfg.Resolver.LLMBaseURL, cfg.Resolver.LLMModel, adapterHTTPWait)
	}
	res := resolver.New(bus, llm)

	engine, err := scoring.New(bus, cfg.Scoring.Weights)
	if err != nil {
		slog.Error("scoring weights invalid", "error", err)
		return exitConfig
	}

	monitor := alerts.New(bus, cfg.Alerts.Thresholds, cfg.SweepInterval())

	statsBook := outreach.NewStatsBook()
	if persisted, err := st.LoadResponseStats(context.Background()); err == nil {
		statsBook.Restore(persisted)
	}
	generator := outreach.New(bus, statsBook, core.Channel(cfg.Outreach.DefaultChannel))

	ingestor := ingest.New(bus, cfg.Ingest.MaxSignalsPerBatch)
	router := playbook.New(bus, ingestor, generator.PlaybookConversion, 0)

	if err := registerAdapters(cfg, ingestor, generator); err != nil {
		slog.Error("adapter registration failed", "error", err)
		return exitConfig
	}

	metrics := monitoring.NewMetrics()

	orch, err := orchestrator.New(orchestrator.Options{
		Bus:       bus,
		Ingestor:  ingestor,
		Resolver:  res,
		Engine:    engine,
		Monitor:   monitor,
		Router:    router,
		Generator: generator,
		Store:     st,
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("pipeline wiring failed", "error", err)
		return exitConfig
	}

	streamer := gateway.NewStreamer()
	go streamer.Run()
	for _, topic := range events.Topics() {
		if err := bus.Subscribe(topic, "ws-stream", streamer.Publish); err != nil {
			slog.Error("stream subscription failed", "topic", topic, "error", err)
			return exitConfig
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mirror != nil {
		if err := mirror.ConsumePeers(bus); err != nil {
			slog.Warn("peer consumption unavailable", "error", err)
		}
	}

	orch.Start(ctx)

	srv := gateway.NewServer(orch, engine, streamer, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if err := orch.Shutdown(shutdownGrace); err != nil {
		slog.Warn("pipeline shutdown incomplete", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	return exitOK
}

func registerAdapters(cfg *config.Config, ingestor *ingest.Ingestor, generator *outreach.Generator) error {
	global := cfg.IngestInterval()
	client := &http.Client{Timeout: adapterHTTPWait}

	if a := cfg.Adapters.CourtDocket; a.Enabled {
		adapter := adapters.NewCourtDocketAdapter(
			&adapters.HTTPDocketFetcher{URL: a.URL, Client: client, Timeout: adapterHTTPWait},
			a.Cadence(global), cfg.Ingest.MaxSignalsPerBatch)
		if err := ingestor.Register(adapter, 0); err != nil {
			return err
		}
		generator.RegisterSourceIndustry(adapter.Name(), adapter.Industry())
	}
	if a := cfg.Adapters.RegulatoryCalendar; a.Enabled {
		adapter := adapters.NewRegulatoryCalendarAdapter(
			&adapters.HTTPRegulatoryFetcher{URL: a.URL, Client: client, Timeout: adapterHTTPWait},
			a.Cadence(global), cfg.Ingest.MaxSignalsPerBatch)
		if err := ingestor.Register(adapter, 0); err != nil {
			return err
		}
		generator.RegisterSourceIndustry(adapter.Name(), adapter.Industry())
	}
	if a := cfg.Adapters.TalentTracker; a.Enabled {
		adapter := adapters.NewTalentTrackerAdapter(
			&adapters.HTTPTalentFetcher{URL: a.URL, Client: client, Timeout: adapterHTTPWait},
			a.Cadence(global), cfg.Ingest.MaxSignalsPerBatch)
		if err := ingestor.Register(adapter, 0); err != nil {
			return err
		}
		generator.RegisterSourceIndustry(adapter.Name(), adapter.Industry())
	}
	return nil
}
