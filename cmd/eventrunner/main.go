package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"eventrunner/internal/api"
	"eventrunner/internal/background"
	"eventrunner/internal/config"
	"eventrunner/internal/events"
	"eventrunner/internal/handlers/shell"
	"eventrunner/internal/handlers/webhook"
	"eventrunner/internal/queue"
	"eventrunner/internal/scheduler"
	"eventrunner/internal/transport/natsq"
	"eventrunner/internal/transport/redisq"
	"eventrunner/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	registry, err := events.LoadFile(cfg.EventsFile, map[string]events.Factory{
		"webhook": webhook.Factory,
		"shell":   shell.Factory,
	})
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.EventsFile).Msg("load events")
	}
	log.Info().Strs("events", registry.Types()).Msg("event handlers registered")

	manager := background.NewManager(registry, background.ConnectDialer(), cfg.Identity(), cfg.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	var senders worker.Senders
	if cfg.NATSURL != "" {
		bus, err := natsq.Connect(ctx, cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer bus.Close()
		senders = append(senders, bus.Sender())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bus.Consume(ctx, repo); err != nil {
				log.Error().Err(err).Msg("nats consumer stopped")
			}
		}()
	}
	if cfg.RedisURL != "" {
		rq, err := redisq.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rq.Close()
		senders = append(senders, rq.Sender())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rq.Consume(ctx, repo); err != nil {
				log.Error().Err(err).Msg("redis consumer stopped")
			}
		}()
	}
	var sender worker.Sender
	if len(senders) > 0 {
		sender = senders
	}

	// The lease outlives the longest budget so a running task is never
	// recovered while its attempt can still finish.
	lease := cfg.MaxTimeout() + time.Minute
	pool := worker.NewPool(repo, manager, sender, cfg.Workers, cfg.Poll, lease)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	maint, err := scheduler.NewService(repo, cfg.Maintenance)
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance scheduler")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		maint.Start(ctx)
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(repo, registry, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	wg.Wait()
}
