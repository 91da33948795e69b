package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"pulseflow/internal/api"
	"pulseflow/internal/audit"
	"pulseflow/internal/clock"
	"pulseflow/internal/config"
	"pulseflow/internal/events"
	"pulseflow/internal/executor"
	"pulseflow/internal/handlers/httpcall"
	"pulseflow/internal/handlers/shell"
	"pulseflow/internal/retry"
	"pulseflow/internal/scanner"
	"pulseflow/internal/store"
	"pulseflow/internal/sweeper"
)

func main() {
	var (
		addr   = flag.String("addr", ":8080", "HTTP bind address")
		dbPath = flag.String("db", "pulseflow.db", "SQLite DB path")
		debug  = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLiteStore(db)
	clk := clock.Real()
	bus := events.NewBus()
	instanceID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())

	// observers: structured log line and lifecycle_log row per event
	logCh, logCancel := bus.Subscribe(256)
	go audit.LogEvents(ctx, logCh)
	auditCh, auditCancel := bus.Subscribe(256)
	go audit.NewWriter(st).Run(ctx, auditCh)

	policy := retry.Policy{Backoff: cfg.Backoff, MaxAttempts: cfg.MaxAttempts}
	handlers := map[string]executor.Handler{
		"http":  httpcall.HTTPCall{},
		"shell": shell.Shell{},
	}
	exec := executor.New(st, handlers, bus, policy, clk, cfg.BatchSize, instanceID)

	swp := sweeper.New(st, bus, clk, cfg.RecoveryInterval, cfg.StuckThreshold)
	if n, err := swp.Sweep(ctx, clk.Now()); err != nil {
		log.Error().Err(err).Msg("startup sweep")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stuck records at startup")
	}

	scn := scanner.New(st, exec, clk, cfg.ScanInterval)
	go scn.Start(ctx)
	go swp.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(st, bus, clk, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Str("instance", instanceID).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	logCancel()
	auditCancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
