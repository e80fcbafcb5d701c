package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/closer/internal/api"
	"github.com/MikeSquared-Agency/closer/internal/archive"
	"github.com/MikeSquared-Agency/closer/internal/bandit"
	"github.com/MikeSquared-Agency/closer/internal/cache"
	"github.com/MikeSquared-Agency/closer/internal/config"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
	"github.com/MikeSquared-Agency/closer/internal/hermes"
	"github.com/MikeSquared-Agency/closer/internal/metrics"
	"github.com/MikeSquared-Agency/closer/internal/modelserving"
	"github.com/MikeSquared-Agency/closer/internal/outcome"
	"github.com/MikeSquared-Agency/closer/internal/pattern"
	"github.com/MikeSquared-Agency/closer/internal/prediction"
	"github.com/MikeSquared-Agency/closer/internal/processor"
	"github.com/MikeSquared-Agency/closer/internal/store"
)

const version = "0.3.0"

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("closer starting", "port", cfg.Port, "version", version)

	engineCfg, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		slog.Error("invalid engine configuration", "path", cfg.EngineConfigPath, "error", err)
		os.Exit(1)
	}
	slog.Info("engine configuration loaded",
		"phases", len(engineCfg.Phases),
		"strategies", len(engineCfg.Strategies),
		"patterns", len(engineCfg.Patterns),
		"experiments", len(engineCfg.Experiments),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Learned state
	alloc := bandit.New(engineCfg.Experiments, bandit.Options{
		AbandonmentWindow: engineCfg.Bandit.AbandonmentWindow,
		MaxRetries:        engineCfg.Bandit.MaxRetries,
	}, m, slog.Default())
	book := pattern.NewEffectivenessBook(engineCfg.Effectiveness.Alpha)
	patterns, err := pattern.NewRegistryFromConfig(engineCfg.Patterns, book)
	if err != nil {
		slog.Error("failed to build pattern registry", "error", err)
		os.Exit(1)
	}
	restoreState(ctx, db, alloc, book)

	// Redis (optional)
	var rdb *redis.Client
	var ledger outcome.Ledger = outcome.NewMemoryLedger(outcome.DefaultLedgerTTL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup, cache calls will degrade", "error", err)
		}
		ledger = cache.NewLedger(rdb, cache.DefaultLedgerTTL)
		slog.Info("redis configured", "addr", opts.Addr)
	} else {
		slog.Warn("redis not configured, using in-process outcome ledger and no prediction cache")
	}

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Feedback sinks
	sinks := outcome.MultiSink{hermes.NewFeedbackSink(hermesClient)}
	var arch *archive.Archive
	if cfg.FeedbackBucket != "" {
		arch, err = archive.NewS3(ctx, cfg.FeedbackBucket, cfg.AWSRegion, slog.Default())
		if err != nil {
			slog.Error("failed to configure feedback archive", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, arch)
		slog.Info("feedback archive ready", "bucket", cfg.FeedbackBucket)
	}

	// Engine
	predictors, err := buildPredictors(cfg, engineCfg, rdb, m)
	if err != nil {
		slog.Error("failed to register predictors", "error", err)
		os.Exit(1)
	}
	matcher := pattern.NewMatcher(patterns, engineCfg.Matcher.Window, m)
	journal := fusion.NewJournal(engineCfg.Fusion.JournalTTL, engineCfg.Fusion.JournalSize)
	engine, err := fusion.New(engineCfg, fusion.OptionsFromConfig(engineCfg),
		prediction.NewPort(predictors, m, slog.Default()), matcher, alloc, journal, m, slog.Default())
	if err != nil {
		slog.Error("failed to build decision engine", "error", err)
		os.Exit(1)
	}
	emitter := outcome.NewEmitter(sinks, outcome.DefaultQueueSize, m, slog.Default())
	recorder := outcome.NewRecorder(ledger, journal, alloc, book, emitter, m, slog.Default())

	// Processor: per-conversation ordering
	proc := processor.New(engine, recorder, db, cfg.Workers, slog.Default())

	serveCtx, stopServing := context.WithCancel(ctx)
	procDone := make(chan struct{})
	go func() {
		_ = proc.Run(serveCtx)
		close(procDone)
	}()

	emitCtx, stopEmitting := context.WithCancel(ctx)
	go emitter.Run(emitCtx)

	archiveDone := make(chan struct{})
	archiveCtx, stopArchive := context.WithCancel(ctx)
	go func() {
		if arch != nil {
			arch.Run(archiveCtx)
		}
		close(archiveDone)
	}()

	if err := hermesClient.Serve(hermes.SubjectDecide, proc.HandleDecideRequest, cfg.Workers); err != nil {
		slog.Error("failed to serve decide requests", "error", err)
		os.Exit(1)
	}
	if err := hermesClient.Subscribe(hermes.SubjectOutcome, proc.HandleOutcome); err != nil {
		slog.Error("failed to subscribe to outcomes", "error", err)
		os.Exit(1)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, api.Deps{
		Decider:    proc,
		Recorder:   proc,
		Arms:       alloc,
		Patterns:   patterns,
		Predictors: predictors.Names(),
		Gatherer:   reg,
		Checks:     healthChecks(db, hermesClient, rdb),
		APIToken:   cfg.APIToken,
	}, slog.Default())
	go func() {
		if err := srv.Start(serveCtx); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	if cfg.APIToken == "" {
		slog.Warn("CLOSER_API_TOKEN not set, API is unauthenticated")
	}

	// Checkpointer
	checkpointer := bandit.NewCheckpointer(cfg.CheckpointInterval, slog.Default(),
		bandit.ArmsJob(alloc, db),
		bandit.CheckpointJob{
			Name: "effectiveness",
			Run: func(ctx context.Context) error {
				return db.SaveEffectiveness(ctx, book.Snapshot())
			},
		},
	)
	checkpointCtx, stopCheckpointing := context.WithCancel(ctx)
	checkpointDone := make(chan struct{})
	go func() {
		checkpointer.Run(checkpointCtx)
		close(checkpointDone)
	}()

	// Announce registration
	if err := hermes.Announce(hermesClient, hermes.Registration{
		AgentID:     "closer",
		Version:     version,
		Experiments: alloc.Experiments(),
		Predictors:  predictors.Names(),
		Patterns:    len(patterns.Definitions()),
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("closer ready", "port", cfg.Port, "workers", cfg.Workers)

	// Graceful shutdown: stop intake, drain feedback, then checkpoint last.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	stopServing()
	<-procDone
	stopEmitting()
	<-emitter.Done()
	stopArchive()
	<-archiveDone
	stopCheckpointing()
	<-checkpointDone

	slog.Info("closer stopped")
}

func restoreState(ctx context.Context, db *store.Store, alloc *bandit.Allocator, book *pattern.EffectivenessBook) {
	arms, err := db.LoadArms(ctx)
	if err != nil {
		slog.Warn("failed to load arm state, starting cold", "error", err)
	} else {
		slog.Info("arm state restored", "arms", alloc.Restore(arms), "stored", len(arms))
	}

	entries, err := db.LoadEffectiveness(ctx)
	if err != nil {
		slog.Warn("failed to load pattern effectiveness, using configured scores", "error", err)
		return
	}
	slog.Info("pattern effectiveness restored", "patterns", book.Restore(entries), "stored", len(entries))
}

func buildPredictors(cfg config.Config, engineCfg *config.Engine, rdb *redis.Client, m *metrics.Metrics) (*prediction.Registry, error) {
	client := modelserving.NewClient(cfg.ModelServingURL, cfg.ModelServingToken)
	var predCache *cache.Predictions
	if rdb != nil {
		predCache = cache.NewPredictions(rdb, engineCfg.Cache.TTL, m, slog.Default())
	}

	reg := prediction.NewRegistry()
	for _, pc := range engineCfg.Predictors {
		var p prediction.Predictor = modelserving.NewPredictor(client, pc.Name, pc.Model, prediction.Type(pc.Type))
		if predCache != nil {
			p = predCache.Wrap(pc.Name, p, pc.Timeout)
		}
		if err := reg.Register(pc.Name, prediction.Type(pc.Type), p, pc.Timeout); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func healthChecks(db *store.Store, h *hermes.Client, rdb *redis.Client) map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"postgres": db.Ping,
		"nats": func(context.Context) error {
			if !h.Connected() {
				return fmt.Errorf("disconnected")
			}
			return nil
		},
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return checks
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
