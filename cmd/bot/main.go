package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/user/releasebot/internal/config"
	"github.com/user/releasebot/internal/github"
	"github.com/user/releasebot/internal/metrics"
	"github.com/user/releasebot/internal/notifier"
	"github.com/user/releasebot/internal/poller"
	"github.com/user/releasebot/internal/registry"
	"github.com/user/releasebot/internal/release"
	"github.com/user/releasebot/internal/scheduler"
	"github.com/user/releasebot/internal/storage"
	"github.com/user/releasebot/internal/telegram"
	"github.com/user/releasebot/pkg/logger"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try to initialize basic logger for error output
		logger.Init(true, "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	debug := cfg.Log.Level == "debug"
	if err := logger.Init(debug, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Msg("Starting release tracker")

	// Initialize database
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	store := storage.NewSubscriptionStore(db)
	ledger := storage.NewLedgerStore(db)
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ghClient := github.NewClient(cfg.GitHub.Token)
	ghClient.SetTrackPreReleases(cfg.Tracker.ProcessPreReleases)

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}

	detector := release.NewDetector(ledger, release.Options{
		TrackPreReleases: cfg.Tracker.ProcessPreReleases,
		Debounce:         cfg.Tracker.PreReleaseDebounce,
	})
	notify := notifier.NewNotifier(bot, store, notifier.Options{
		Workers:    cfg.Notifier.Workers,
		RatePerSec: cfg.Notifier.RatePerSec,
		Metrics:    m,
	})
	poll := poller.New(ghClient, store, ledger, detector, notify, poller.Options{
		Concurrency:     cfg.Poller.Concurrency,
		RepoTimeout:     cfg.Poller.RepoTimeout,
		MaxReposPerChat: cfg.Tracker.MaxReposPerChat,
		PrimeNewRepos:   cfg.Tracker.PrimeNewRepos,
		Metrics:         m,
	})

	handlers := telegram.NewHandlers(bot, store, cfg.Tracker.MaxReposPerChat)
	handlers.SetGitHubClient(ghClient)
	handlers.SetFollowSyncer(poll)
	if cfg.Tracker.PrimeNewRepos {
		handlers.SetPrimer(poll)
	}
	handlers.SetVersionReader(ledger)
	handlers.SetPackageResolver(registry.NewClient(nil))
	handlers.SetFileFetcher(bot)
	handlers.SetStartTime(time.Now())
	bot.SetHandlers(handlers)

	sched, err := scheduler.New(cfg.Schedule.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"poll", cfg.Schedule.Poll, func(ctx context.Context) error {
			if err := poll.RunCycle(ctx); err != nil && !errors.Is(err, poller.ErrCycleRunning) {
				return err
			}
			return nil
		}},
		{"followed", cfg.Schedule.Followed, poll.SyncFollowed},
		{"cleanup", cfg.Schedule.Cleanup, func(ctx context.Context) error {
			_, err := poll.CleanupOrphans(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := sched.Add(job.name, job.spec, job.run); err != nil {
			logger.Fatal().Err(err).Msg("Failed to schedule job")
		}
	}

	// Webhook deliveries only trigger an early poll of the repository.
	ctx, cancel := context.WithCancel(context.Background())
	requests := make(chan github.PollRequest, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-requests:
				if err := poll.PollRepo(ctx, req.RepoID); err != nil {
					logger.Error().Err(err).Str("repo", req.FullName).Str("event", req.Event).Msg("Webhook poll failed")
				}
			}
		}
	}()

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	if cfg.GitHub.Webhook {
		webhookHandler := github.NewWebhookHandler(cfg.GitHub.WebhookSecret, requests)
		r.Post("/webhook", webhookHandler.ServeHTTP)
		r.Post("/webhook/github", webhookHandler.ServeHTTP)
		logger.Info().Msg("Webhook endpoint enabled at /webhook")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sched.Start()
	bot.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	bot.Stop()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Scheduler shutdown error")
	}

	cancel()
	wg.Wait()

	logger.Info().Msg("Shutdown complete")
}
