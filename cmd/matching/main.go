package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/peerprep/matching/internal/api"
	"github.com/peerprep/matching/internal/auth"
	"github.com/peerprep/matching/internal/config"
	"github.com/peerprep/matching/internal/handler"
	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/matching"
	"github.com/peerprep/matching/internal/messaging"
	"github.com/peerprep/matching/internal/metrics"
	"github.com/peerprep/matching/internal/question"
	"github.com/peerprep/matching/internal/ratelimit"
	"github.com/peerprep/matching/internal/room"
	"github.com/peerprep/matching/internal/session"
	"github.com/peerprep/matching/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Postgres ---
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to Postgres", "error", err)
		}
		defer db.Close()

		if cfg.RunMigrations {
			if err := room.Migrate(cfg.DatabaseURL); err != nil {
				logger.Fatal("failed to run migrations", "error", err)
			}
		}
	}

	var rooms room.Store
	if db != nil {
		rooms = room.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, rooms are kept in memory")
		rooms = room.NewMemoryStore()
	}

	var catalog question.Catalog
	if cfg.CatalogFile != "" {
		catalog, err = question.LoadStaticCatalog(cfg.CatalogFile)
		if err != nil {
			logger.Fatal("failed to load question catalog", "path", cfg.CatalogFile, "error", err)
		}
	} else {
		catalog = question.NewPostgresCatalog(db)
	}

	tags := question.NewTagIndex(catalog)
	if err := tags.Refresh(ctx); err != nil {
		logger.Warn("initial tag refresh failed, accepting all tags", "error", err)
	}
	go tags.Run(ctx, cfg.TagRefreshInterval)

	// --- NATS ---
	provisionerOpts := []matching.ProvisionerOption{}
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "matching-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			logger.Fatal("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
		}
		defer natsClient.Close()
		provisionerOpts = append(provisionerOpts, matching.WithPublisher(natsClient))
	}

	// --- Redis ---
	observers := []matching.Observer{metrics.NewObserver()}
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			logger.Fatal("failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		}
		defer sessionStore.Close()
		observers = append(observers, session.NewPresenceObserver(sessionStore))
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	scorer, err := matching.NewScorer(cfg.MatchScorer)
	if err != nil {
		logger.Fatal("invalid scorer", "error", err)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	trustedProxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid TRUSTED_PROXIES", "error", err)
	}

	// The dispatcher exists before the server; handlers are registered once
	// the engine is built since the engine notifies through the server.
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameSize:   ws.DefaultServerConfig().MaxFrameSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, verifier.Identify, dispatcher.Dispatch)

	engine := matching.NewEngine(matching.Config{
		MaxWait:          cfg.MatchMaxWait,
		MaxQueueSize:     cfg.MatchMaxQueue,
		ProvisionTimeout: cfg.ProvisionTimeout,
		ExpiryInterval:   time.Second,
	},
		matching.NewProvisioner(catalog, rooms, provisionerOpts...),
		server,
		matching.WithScorer(scorer),
		matching.WithTagSet(tags),
		matching.WithObserver(matching.Observers(observers...)),
	)
	go engine.RunExpiry(ctx)

	handlerOpts := []handler.Option{}
	var connLimiter api.Limiter
	if limiter != nil {
		handlerOpts = append(handlerOpts, handler.WithRateLimit(limiter, ratelimit.MatchRule(cfg.MatchRateLimit, cfg.MatchRateWindow)))
		connLimiter = limiter
	}
	h := handler.New(engine, handlerOpts...)
	h.Register(dispatcher)
	server.SetOnConnect(h.Connect)
	server.SetOnDisconnect(h.Disconnect)

	if err := server.Start(); err != nil {
		logger.Fatal("failed to start ws server", "error", err)
	}

	apiServer := api.NewServer(api.Deps{
		Transport:      server,
		Engine:         engine,
		Rooms:          rooms,
		Catalog:        catalog,
		Verifier:       verifier,
		Limiter:        connLimiter,
		TrustedProxies: trustedProxies,
	}, cfg.CORSAllowedOrigins)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("matching service starting",
		"listen_addr", cfg.ListenAddr,
		"server_name", cfg.ServerName,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"scorer", cfg.MatchScorer,
		"max_wait", cfg.MatchMaxWait,
		"max_queue", cfg.MatchMaxQueue,
		"postgres", db != nil,
		"redis", cfg.RedisAddr != "",
		"nats", cfg.NATSURL != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	// Closing every channel withdraws every waiting request.
	_ = server.Shutdown()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("provisioning did not drain", "error", err)
	}
	cancel()

	logger.Info("matching service stopped")
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
