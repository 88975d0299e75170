package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poolmind/poolsync/internal/command"
	"github.com/poolmind/poolsync/internal/config"
	"github.com/poolmind/poolsync/internal/connection"
	"github.com/poolmind/poolsync/internal/controller"
	"github.com/poolmind/poolsync/internal/database"
	"github.com/poolmind/poolsync/internal/history"
	"github.com/poolmind/poolsync/internal/reconcile"
	"github.com/poolmind/poolsync/internal/render"
	"github.com/poolmind/poolsync/internal/session"
	"github.com/poolmind/poolsync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/poolsyncd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting poolsyncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Controller.WSURL,
		"rest_url", cfg.Controller.RestURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional reading history: database pool + recorder
	var recorder *history.Recorder
	if cfg.History.Enabled {
		logger.Info("connecting to database",
			"host", cfg.History.Database.Host,
			"port", cfg.History.Database.Port,
			"database", cfg.History.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.History.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		recorder = history.NewRecorder(history.Config{
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, pool, logger)
		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start history recorder", "error", err)
			os.Exit(1)
		}
		defer stopComponent(recorder.Stop, "history recorder", logger)

		logger.Info("history recorder enabled")
	}

	// REST client: command fallback and snapshot fetch
	restClient := controller.NewClient(
		cfg.Controller.RestURL,
		cfg.Controller.Token,
		controller.WithLogger(logger),
		controller.WithTimeout(30*time.Second),
		controller.WithRetries(3, time.Second),
	)

	// Live channel
	connCfg := connection.DefaultConfig()
	connCfg.URL = cfg.Controller.WSURL
	connCfg.Token = cfg.Controller.Token
	if cfg.Controller.DialTimeout > 0 {
		connCfg.DialTimeout = cfg.Controller.DialTimeout
	}
	connCfg.ReconnectBaseDelay = cfg.Connection.ReconnectBaseDelay
	connCfg.ReconnectMaxDelay = cfg.Connection.ReconnectMaxDelay
	connCfg.HeartbeatInterval = cfg.Connection.HeartbeatInterval
	connCfg.HeartbeatGrace = cfg.Connection.HeartbeatGrace
	connCfg.WriteTimeout = cfg.Connection.WriteTimeout

	manager := connection.NewManager(connCfg, logger)

	// Command gateway and session tracker
	gwCfg := command.DefaultConfig()
	gwCfg.AckTimeout = cfg.Commands.AckTimeout
	gwCfg.MaxAttempts = cfg.Commands.MaxAttempts
	gwCfg.RetryBackoff = cfg.Commands.RetryBackoff
	gwCfg.RateLimitMaxWait = cfg.Commands.RateLimitMaxWait
	gwCfg.QueueCapacity = cfg.Commands.QueueCapacity
	gwCfg.QueueTTL = cfg.Commands.QueueTTL

	gateway := command.NewGateway(gwCfg, manager, restClient, nil, logger)

	trackerCfg := session.DefaultConfig()
	trackerCfg.MaxDuration = cfg.Sessions.MaxDuration
	tracker := session.NewTracker(trackerCfg, gateway, logger)
	gateway.SetSessions(tracker)

	// Stopping the gateway resolves in-flight commands, which the
	// tracker's watchers wait on, so the tracker closes last.
	defer tracker.Close()

	if err := gateway.Start(ctx); err != nil {
		logger.Error("failed to start command gateway", "error", err)
		os.Exit(1)
	}
	defer stopComponent(gateway.Stop, "command gateway", logger)

	// Display update scheduler
	scheduler := render.NewScheduler(render.Config{
		Tick:       cfg.Render.Tick,
		MaxPending: cfg.Render.MaxPending,
	}, displaySink(logger), logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start render scheduler", "error", err)
		os.Exit(1)
	}
	defer stopComponent(scheduler.Stop, "render scheduler", logger)

	// State reconciler
	var recorderSink reconcile.Recorder
	if recorder != nil {
		recorderSink = recorder
	}
	reconciler := reconcile.New(tracker, scheduler, recorderSink, logger)
	reconciler.Bind(manager)
	defer reconciler.Close()

	// Session starts and stops land in the display store immediately,
	// not only once the controller pushes the new pump state.
	tracker.SetDisplay(reconciler)

	// Seed state over REST so the display is useful before the channel
	// comes up.
	seedCtx, seedCancel := context.WithTimeout(ctx, 10*time.Second)
	if snap, err := restClient.GetSnapshot(seedCtx); err != nil {
		logger.Warn("initial snapshot fetch failed, waiting for live channel", "error", err)
	} else {
		reconciler.OnSnapshot(snap.Time(), snap.Fields)
		logger.Info("initial snapshot applied", "fields", len(snap.Fields))
	}
	seedCancel()

	// Bring up the live channel; it keeps reconnecting on its own.
	if err := manager.Connect(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	defer stopComponent(manager.Stop, "connection manager", logger)

	// Health server
	healthPort := cfg.Health.Port
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", healthPort),
		Handler: createHealthHandler(manager, gateway, tracker, reconciler, recorder),
	}

	go func() {
		logger.Info("starting health server", "port", healthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("poolsyncd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", healthPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("poolsyncd stopped")
}

// stopComponent runs a Stop function with a bounded shutdown context.
func stopComponent(stop func(context.Context) error, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("component stop failed", "component", name, "error", err)
	}
}

// displaySink is where flushed display updates land. The daemon has no
// attached UI; it logs batches so operators can follow the state feed.
func displaySink(logger *slog.Logger) render.Sink {
	return func(updates []render.Update) {
		for _, u := range updates {
			logger.Debug("display update", "key", u.Key, "value", u.Value)
		}
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	manager connection.Manager,
	gateway *command.Gateway,
	tracker *session.Tracker,
	reconciler *reconcile.Reconciler,
	recorder *history.Recorder,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := manager.State()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["connection"] = map[string]any{
			"status":            state.Status.String(),
			"reconnect_attempt": state.ReconnectAttempt,
		}
		if state.Status != connection.StatusConnected {
			health.Status = "degraded"
		}

		health.Components["commands"] = map[string]any{
			"queue_depth": gateway.QueueDepth(),
		}
		health.Components["sessions"] = map[string]any{
			"active": len(tracker.Sessions()),
		}
		if recorder != nil {
			health.Components["history"] = recorder.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"fields":   reconciler.State(),
			"alerts":   reconciler.Alerts(),
			"sessions": tracker.Sessions(),
		})
	})

	return mux
}
