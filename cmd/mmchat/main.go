package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/auth"
	"github.com/ageniuscoder/mmchat/realtime/internal/broker"
	"github.com/ageniuscoder/mmchat/realtime/internal/chat"
	"github.com/ageniuscoder/mmchat/realtime/internal/config"
	"github.com/ageniuscoder/mmchat/realtime/internal/conversations"
	"github.com/ageniuscoder/mmchat/realtime/internal/feature"
	"github.com/ageniuscoder/mmchat/realtime/internal/messages"
	"github.com/ageniuscoder/mmchat/realtime/internal/presence"
	"github.com/ageniuscoder/mmchat/realtime/internal/profile"
	"github.com/ageniuscoder/mmchat/realtime/internal/registry"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/postgres"
	"github.com/ageniuscoder/mmchat/realtime/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/ageniuscoder/mmchat/realtime/internal/store/mongostore"
	"github.com/ageniuscoder/mmchat/realtime/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exits")
	flag.Parse()

	//config part
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded", "err", err)
	}
	cfg := config.MustLoad()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	//database handling
	st, err := openStore(cfg, *migrate)
	if err != nil {
		log.Fatalf("Error loading to database: %v", err)
	}
	defer st.Close()
	if *migrate {
		slog.Info("Migration Completed", "driver", cfg.StorageDriver)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := presence.NewTracker(cfg.HeartbeatTimeout, st, logger)
	reg := registry.New(logger, registry.Hooks{
		FirstConnected:   tracker.Connected,
		LastDisconnected: tracker.Disconnected,
	})
	b := broker.New(st, reg, logger)
	tracker.OnChange(b.PublishPresence)
	go tracker.Run(ctx, cfg.PresenceSweep)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	api := r.Group("/api")
	users.RegisterPublic(api, st, cfg)

	authed := api.Group("")
	authed.Use(auth.JWTMiddleware(cfg.JWTSecret))
	profile.Register(authed, st)
	feature.Register(authed, st, tracker)
	conversations.Register(authed, st, b)
	messages.Register(authed, st, b)

	chat.RegisterWS(r.Group(""), &chat.Server{
		Broker:           b,
		Registry:         reg,
		Presence:         tracker,
		JWTSecret:        cfg.JWTSecret,
		SendBuffer:       cfg.WSSendBuffer,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ActionRate:       rate.Limit(cfg.WSActionsPerSec),
		ActionBurst:      cfg.WSActionBurst,
		Log:              logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Server listening", "addr", cfg.Addr, "driver", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "err", err)
	}
}

func openStore(cfg config.Config, migrate bool) (store.Store, error) {
	switch cfg.StorageDriver {
	case "postgres":
		conn, err := postgres.New(cfg.PostgresDsn)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := conn.Migrate(); err != nil {
				conn.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		return store.NewSQL(conn.Db, store.Postgres), nil
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		ms, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := ms.Migrate(ctx); err != nil {
				ms.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		return ms, nil
	default:
		conn, err := sqlite.New(cfg.SQLITEDsn)
		if err != nil {
			return nil, err
		}
		// SQLite schema is idempotent; always applied so a fresh file works.
		if err := conn.Migrate(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return store.NewSQL(conn.Db, store.SQLite), nil
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		}
		if len(c.Errors) > 0 {
			log.Warn("request", append(attrs, "err", c.Errors.String())...)
			return
		}
		log.Debug("request", attrs...)
	}
}
