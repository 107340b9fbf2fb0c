package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"github.com/nexboard/gateguard"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := gateguard.LoadConfig(*configPath)
	if err != nil {
		cfg = gateguard.DefaultConfig()
	}
	log := gateguard.NewLogger(cfg.Server.LogLevel, cfg.Server.LogJSON)
	if err != nil {
		log.WithError(err).Warn("config not loaded, using defaults")
	}

	var store gateguard.ClientStore
	if cfg.Server.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Server.RedisAddr,
			Password: cfg.Server.RedisPassword,
			DB:       cfg.Server.RedisDB,
		})
		store = gateguard.NewRedisStore(client, cfg.Pipeline.RecordIdleTTL.Std())
		log.WithField("addr", cfg.Server.RedisAddr).Info("using redis client store")
	} else {
		store = gateguard.NewMemoryStore(cfg.Pipeline.RecordIdleTTL.Std())
	}

	forum, err := gateguard.OpenForumStore(cfg.Server.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("database open failed")
	}
	defer forum.Close()

	metrics := gateguard.NewMetrics()
	var auditDB = forum.DB()
	if !cfg.Pipeline.PersistAudit {
		auditDB = nil
	}
	audit := gateguard.NewAuditLog(cfg.Pipeline.AuditRingSize, auditDB, log)

	var watcher *gateguard.ConfigWatcher
	currentPipelineCfg := func() *gateguard.PipelineConfig {
		if watcher != nil {
			return &watcher.Current().Pipeline
		}
		return &cfg.Pipeline
	}

	responder := gateguard.NewResponder(store, audit, metrics, log, currentPipelineCfg)
	correlator := gateguard.NewCorrelator(store, cfg.Pipeline.CorrelationWindow.Std(), log)
	correlator.OnPattern(responder.Escalate)

	pipeline, err := gateguard.NewPipeline(store, correlator, responder, metrics, log, currentPipelineCfg)
	if err != nil {
		log.WithError(err).Fatal("pipeline build failed")
	}

	// The watcher starts only after the pipeline exists, so a reload always
	// has a pipeline to reconfigure.
	watcher, err = gateguard.NewConfigWatcher(*configPath, cfg, log, func(c *gateguard.Config) {
		if rerr := pipeline.Reconfigure(&c.Pipeline); rerr != nil {
			log.WithError(rerr).Warn("pipeline reconfigure rejected")
		}
	})
	if err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	gateguard.StartSweeper(ctx, store, cfg.Pipeline.SweepInterval.Std(), metrics, log)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Pipeline.MaxBodyBytes * 4,
		ErrorHandler:          gateguard.JSONErrorHandler,
		DisableStartupMessage: true,
	})

	auth := gateguard.NewAuthHandler(forum, correlator, log)
	pipeline.SessionIdentity = auth.SessionIdentity
	app.Use(pipeline.Middleware())

	auth.Register(app)
	gateguard.NewForumHandler(forum, auth, log).Register(app)
	gateguard.NewCTFHandler(forum, auth, correlator, log).Register(app)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if watcher != nil {
			watcher.Close()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()

	log.WithField("addr", cfg.Server.Listen).Info("gateguard listening")
	if err := app.Listen(cfg.Server.Listen); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
