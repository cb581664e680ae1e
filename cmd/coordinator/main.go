// Negotiation Live - session coordinator and local front-end bridge.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/negotiation-live/internal/api"
	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/channel"
	"github.com/ashureev/negotiation-live/internal/config"
	"github.com/ashureev/negotiation-live/internal/devices"
	"github.com/ashureev/negotiation-live/internal/identity"
	"github.com/ashureev/negotiation-live/internal/metrics"
	"github.com/ashureev/negotiation-live/internal/middleware"
	"github.com/ashureev/negotiation-live/internal/session"
	"github.com/ashureev/negotiation-live/internal/silence"
	"github.com/ashureev/negotiation-live/internal/store"
	"github.com/ashureev/negotiation-live/internal/transcript"
	"github.com/ashureev/negotiation-live/internal/turn"
	"github.com/ashureev/negotiation-live/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Coordinator stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Coordinator stopped successfully")
}

//nolint:funlen // Startup wiring is kept sequential so dependency order stays explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting coordinator",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"backend_url", cfg.BackendURL,
		"negotiate_url", cfg.NegotiateURL,
		"voice", cfg.Turn.VoiceEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)
	store.StartRetentionWorker(ctx, repo, cfg.RunRetention, 0, logger)

	journal, err := transcript.New(transcript.Config{
		Enabled:          cfg.ConversationLog.Enabled,
		Dir:              cfg.ConversationLog.Dir,
		GlobalEnabled:    cfg.ConversationLog.GlobalEnabled,
		GlobalPath:       cfg.ConversationLog.GlobalPath,
		QueueSize:        cfg.ConversationLog.QueueSize,
		GlobalMaxSizeMB:  cfg.ConversationLog.GlobalMaxSizeMB,
		GlobalMaxBackups: cfg.ConversationLog.GlobalMaxBackups,
		GlobalMaxAgeDays: cfg.ConversationLog.GlobalMaxAgeDays,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	hub := api.NewHub(cfg.SSE.QueueSize, cfg.SSE.QueueSize, logger)
	client := backend.New(cfg.BackendURL)

	var (
		recognizer  turn.Recognizer
		synthesizer turn.Synthesizer
		permission  session.PermissionRequester
		answerer    api.PermissionAnswerer
	)
	if cfg.Turn.VoiceEnabled {
		remote := devices.NewRemote(hub, hub.Online, logger)
		recognizer, synthesizer, permission, answerer = remote, remote, remote, remote
	} else {
		slog.Info("Voice disabled, typed submissions only")
	}

	coord := session.New(session.Options{
		Config: session.Config{
			Turn: turn.Config{
				FailSafe:         cfg.Turn.FailSafeTimeout,
				PlaybackWatchdog: cfg.Turn.PlaybackWatchdog,
				AutoListen:       cfg.Turn.AutoListen,
				Silence: silence.Config{
					IdlePrompt:        cfg.Turn.IdlePromptDelay,
					AutoSubmit:        cfg.Turn.AutoSubmitDelay,
					AutoSubmitEnabled: cfg.Turn.AutoSubmit,
				},
			},
			Metrics: metrics.Config{
				DisplayWindow: cfg.Metrics.DisplayWindow,
				HistoryCap:    cfg.Metrics.HistoryCap,
			},
			PermissionTimeout: cfg.Turn.PermissionTimeout,
		},
		Transport: session.ChannelTransport(&channel.Dialer{
			URL:    cfg.NegotiateURL,
			Logger: logger,
		}),
		Analyzer:    client,
		Permission:  permission,
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		Store:       repo,
		Journal:     journal,
		Publisher:   hub,
		Logger:      logger,
	})
	defer func() {
		if closeErr := coord.Close(); closeErr != nil {
			slog.Error("Failed to close coordinator", "error", closeErr)
		}
	}()

	handler := api.NewHandler(api.Options{
		Session:     coord,
		Backend:     client,
		Vault:       identity.NewVault(cfg.AuthTokenTTL),
		Permissions: answerer,
		Runs:        repo,
		Hub:         hub,
		SSE:         cfg.SSE,
		Logger:      logger,
	})
	defer handler.Close()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)
	if cfg.StaticDir != "" {
		r.Handle("/*", web.SPAHandler(os.DirFS(cfg.StaticDir)))
		slog.Info("Serving front-end bundle", "dir", cfg.StaticDir)
	}

	// SSE connections require long timeouts, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
