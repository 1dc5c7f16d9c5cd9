package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/api"
	"github.com/shehryarbajwa/meetbot/internal/artifact"
	"github.com/shehryarbajwa/meetbot/internal/backend"
	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/config"
	"github.com/shehryarbajwa/meetbot/internal/controlplane"
	"github.com/shehryarbajwa/meetbot/internal/driver"
	"github.com/shehryarbajwa/meetbot/internal/maintenance"
	"github.com/shehryarbajwa/meetbot/internal/proxy"
	"github.com/shehryarbajwa/meetbot/internal/ratelimit"
	"github.com/shehryarbajwa/meetbot/internal/session"
	"github.com/shehryarbajwa/meetbot/internal/transcribe"
	"github.com/shehryarbajwa/meetbot/internal/worker"
	"github.com/shehryarbajwa/meetbot/pkg/models"
	"github.com/shehryarbajwa/meetbot/pkg/logger"
)

const imagePullTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meetbot:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := pflag.String("env-file", "", "dotenv file to load before reading the environment")
	logLevel := pflag.String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.WithModule("main")

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	launcher, closeLauncher, err := newLauncher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	pool := browser.NewPool(launcher, poolOptions(cfg))

	control := controlplane.Connect(ctx, controlplane.Options{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		WorkerID:  cfg.WorkerID,
	})
	log.Info("control plane ready", zap.String("mode", string(control.Mode())))

	whisper, err := transcribe.New(cfg.OpenAIAPIKey, transcribe.WithTimeout(cfg.TranscribeTimeout))
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}

	client := backend.New(backend.Options{
		MainServerURL: cfg.MainServerURL,
		Secret:        cfg.MainServerSecret,
		WebhookURL:    cfg.WebhookURL,
		WorkerID:      cfg.WorkerID,
		Timeout:       cfg.BackendTimeout,
	})

	store, err := artifact.NewStore(cfg.RecordingsDir)
	if err != nil {
		return fmt.Errorf("create recordings store: %w", err)
	}

	sessCfg := session.DefaultConfig()
	sessCfg.BotName = cfg.BotName
	sessCfg.StepTimeout = cfg.StepTimeout
	sessCfg.JoinTimeout = cfg.JoinTimeout
	sessCfg.AudioRetryInterval = cfg.AudioRetryInterval
	sessCfg.AudioMaxAttempts = cfg.AudioMaxAttempts
	sessCfg.MinTranscriptChars = cfg.MinTranscriptChars
	sessCfg.EndCheckInterval = cfg.EndCheckInterval
	sessCfg.ChunkDrainInterval = cfg.ChunkDrainInterval
	sessCfg.TranscribeTimeout = cfg.TranscribeTimeout
	sessCfg.AnnounceMessage = cfg.SessionAnnouncement()
	sessCfg.AnnounceHold = cfg.AnnounceHold

	w := worker.New(worker.Options{
		WorkerID:         cfg.WorkerID,
		MaxConcurrent:    cfg.MaxConcurrentBots,
		MemoryLimitBytes: cfg.MemoryLimitBytes(),
		StaleAge:         cfg.StaleSessionAge,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Session:          sessCfg,
	}, worker.Deps{
		Pool:        pool,
		Control:     control,
		OpenDriver:  worker.RodOpener(driver.ZoomSelectors()),
		Transcriber: whisper,
		Sink:        client,
		Notifier:    client,
		Artifacts:   store,
	})

	if err := control.Subscribe(ctx, w.HandleCommand,
		models.ChannelBotCommands,
		models.ChannelMeetingEnded,
		models.ChannelMeetingStarted,
		models.ChannelTranscriptionComplete,
	); err != nil {
		log.Warn("control plane subscription failed, commands are local only", zap.Error(err))
	}

	scheduler := maintenance.NewScheduler(pool, w,
		maintenance.WithPoolSchedule(cfg.PoolCleanupSchedule),
		maintenance.WithMonitorSchedule(cfg.MonitorSchedule),
	)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	router := api.NewHandler(w, store, cfg.APISecret).SetupRoutes(proxy.NewServer(w), limiter)

	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("worker_id", cfg.WorkerID),
			zap.String("browser_mode", cfg.BrowserMode),
			zap.Int("max_concurrent_bots", cfg.MaxConcurrentBots),
			zap.Int("max_browser_instances", cfg.MaxBrowserInstances),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	if err := w.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker shutdown", zap.Error(err))
	}

	log.Info("worker stopped")
	return nil
}

func poolOptions(cfg *config.Config) browser.Options {
	return browser.Options{
		MaxInstances:   cfg.MaxBrowserInstances,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		PollInterval:   cfg.PoolPollInterval,
		MinIdle:        cfg.PoolMinIdle,
	}
}

// newLauncher builds the browser launcher for the configured mode and returns
// a function releasing its resources.
func newLauncher(ctx context.Context, cfg *config.Config) (browser.Launcher, func(), error) {
	if cfg.BrowserMode != config.BrowserModeDocker {
		return browser.NewLocalLauncher(cfg.ChromeBin), func() {}, nil
	}

	docker, err := browser.NewDockerLauncher(cfg.WorkerID)
	if err != nil {
		return nil, nil, fmt.Errorf("create docker launcher: %w", err)
	}
	pullCtx, cancel := context.WithTimeout(ctx, imagePullTimeout)
	defer cancel()
	if err := docker.EnsureImage(pullCtx); err != nil {
		_ = docker.Close()
		return nil, nil, fmt.Errorf("ensure browser image: %w", err)
	}
	return docker, func() { _ = docker.Close() }, nil
}
