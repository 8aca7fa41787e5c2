package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callback-scheduler/internal/auth"
	"callback-scheduler/internal/capacity"
	"callback-scheduler/internal/config"
	"callback-scheduler/internal/dispatch"
	"callback-scheduler/internal/httpapi"
	"callback-scheduler/internal/marks"
	"callback-scheduler/internal/pbx"
	"callback-scheduler/pkg/logger"
	"callback-scheduler/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	repo := marks.NewPostgresRepo(db)
	oracle := capacity.NewRedisOracle(rdb)

	sink := &pbx.SpoolSink{
		StageDir:       cfg.Spool.StageDir,
		OutgoingDir:    cfg.Spool.OutgoingDir,
		ChannelContext: cfg.Spool.ChannelContext,
		IVRContext:     cfg.Spool.IVRContext,
		UID:            cfg.Spool.UID,
		GID:            cfg.Spool.GID,
		Log:            log,
	}

	engine := dispatch.NewEngine(repo, oracle, sink, rand.New(rand.NewSource(time.Now().UnixNano())))
	engine.Log = log

	var redialer *dispatch.Redialer
	if cfg.Scheduler.RedialEnabled {
		redialer = &dispatch.Redialer{
			Repo:           repo,
			Oracle:         oracle,
			Sink:           sink,
			TimeoutSeconds: int(cfg.Scheduler.RedialTimeout.Seconds()),
			Log:            log,
		}
	}

	// The lease TTL outlives one interval so a crashed holder cannot
	// wedge the cluster for long, yet overlapping ticks stay excluded.
	lease, err := utils.NewTickLease(rdb, cfg.Scheduler.LeaseKey, 2*cfg.Scheduler.PollInterval)
	if err != nil {
		log.Error("tick lease init failed", "err", err)
		os.Exit(1)
	}

	loop := &dispatch.Loop{
		Engine:   engine,
		Redialer: redialer,
		Repo:     repo,
		Interval: cfg.Scheduler.PollInterval,
		Lease:    lease,
		Log:      log,
	}

	handlers := httpapi.Handlers{Loop: loop, DB: db, Redis: rdb}
	router := httpapi.NewRouter(handlers, authManager, logger.Middleware(log))

	srv := &http.Server{
		Addr:              cfg.AdminAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("admin api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	go func() {
		if err := loop.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("poll loop failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
