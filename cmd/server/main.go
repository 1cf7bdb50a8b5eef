// Package main provides the API server entry point for the token gate service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/token-gate/internal/adapter"
	"github.com/token-gate/internal/api"
	"github.com/token-gate/internal/config"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/service"
	"github.com/token-gate/internal/storage"
	"github.com/token-gate/internal/wallet"
)

const appName = "Token Gate"

func main() {
	fmt.Println("Token Gate API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Connecting to databases...")

	// Redis holds wallet handshakes and carries identity events between instances
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	readiness := []api.ReadinessCheck{{Name: "redis", Check: redis.Ping}}

	store, closeStore, check, err := openIdentityStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open identity store")
	}
	defer closeStore()
	readiness = append(readiness, check)

	var audit service.AuditSink
	if cfg.Audit.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		buffer := storage.NewAuditBuffer(storage.NewEligibilityAuditRepository(clickhouse), storage.AuditBufferConfig{})
		auditDone := make(chan struct{})
		go func() {
			defer close(auditDone)
			buffer.Run(ctx)
		}()
		defer func() { <-auditDone }()

		audit = buffer
		readiness = append(readiness, api.ReadinessCheck{Name: "clickhouse", Check: clickhouse.Ping})
	}

	logger.Info("Database connections established")

	// Wallet connectors
	injected := wallet.NewInjectedConnector(storage.NewChallengeRepository(redis), cfg.Workflow.ChallengeTTL, appName)
	remote := wallet.NewRemoteConnector(storage.NewPairingRepository(redis), wallet.RemoteConfig{
		RelayURL:     strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/api/pairings",
		AppName:      appName,
		PairingTTL:   cfg.Workflow.PairingTTL,
		PollInterval: cfg.Workflow.PairingPollInterval,
		SessionTTL:   cfg.Session.TTL,
	})

	gates, closeGates, err := buildGates(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize gates")
	}
	defer closeGates()

	bus := identity.NewRedisBus(redis.Client())
	if err := bus.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to subscribe to identity events")
	}
	defer bus.Close()

	registry := service.NewRegistry(gates, service.Dependencies{
		Connectors: map[wallet.Kind]wallet.Connector{
			wallet.KindInjected: injected,
			wallet.KindRemote:   remote,
		},
		Store:          store,
		Audit:          audit,
		Bus:            bus,
		RequestTimeout: cfg.Workflow.RequestTimeout,
		ConnectTimeout: cfg.Workflow.ConnectTimeout,
	}, cfg.Session.TTL)
	registry.LimitSessions(cfg.Session.MaxLive)
	defer registry.Close()
	go registry.Run(ctx, cfg.Session.JanitorInterval)

	// Tokens outlive the idle TTL; an expired session fails the lookup instead
	tokens, err := api.NewTokenIssuer(cfg.Session.JWTSecret, 0)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session token issuer")
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReadTimeout: 15 * time.Second,
		// Remote wallet connects long-poll for the approval
		WriteTimeout:      cfg.Workflow.ConnectTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		PublicURL:         cfg.Server.PublicURL,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		TrustedProxies:    cfg.RateLimit.TrustedProxies,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Registry:   registry,
		Tokens:     tokens,
		Challenges: injected,
		Pairings:   remote,
		Verifier:   identity.NewVerifier(cfg.Telegram.BotToken, cfg.Telegram.AuthMaxAge),
		Bus:        bus,
		Telegram:   cfg.Telegram,
		Readiness:  readiness,
	})
	go server.Run(ctx, 5*time.Minute)

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":  cfg.Server.Host,
		"port":  cfg.Server.Port,
		"gates": registry.GateIDs(),
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
		stop()
	}

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// openIdentityStore connects the configured identity claim backend
func openIdentityStore(cfg *config.Config) (service.IdentityStore, func(), api.ReadinessCheck, error) {
	switch cfg.Identity.Store {
	case config.IdentityStorePostgres:
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, nil, api.ReadinessCheck{}, err
		}
		if err := storage.RunMigrations(storage.PostgresURL(&cfg.Database.Postgres)); err != nil {
			postgres.Close()
			return nil, nil, api.ReadinessCheck{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		return storage.NewPostgresIdentityRepository(postgres), postgres.Close,
			api.ReadinessCheck{Name: "postgres", Check: postgres.Ping}, nil

	default:
		mongo, err := storage.NewMongoDB(&cfg.Database.Mongo)
		if err != nil {
			return nil, nil, api.ReadinessCheck{}, err
		}
		closeMongo := func() {
			if err := mongo.Close(); err != nil {
				logging.WithError(err).Warn("Error closing MongoDB connection")
			}
		}
		return storage.NewMongoIdentityRepository(mongo.Collection(cfg.Database.Mongo.Collection)), closeMongo,
			api.ReadinessCheck{Name: "mongo", Check: mongo.Ping}, nil
	}
}

// buildGates creates the balance reader and link issuer of every enabled gate
func buildGates(cfg *config.Config) (map[string]service.GateRuntime, func(), error) {
	gates := make(map[string]service.GateRuntime, len(cfg.Gates.Enabled))
	var pools []*adapter.RPCPool
	closeAll := func() {
		for _, pool := range pools {
			pool.Close()
		}
	}

	var bot *tgbotapi.BotAPI
	httpClient := &http.Client{Timeout: cfg.Workflow.RequestTimeout}

	for _, id := range cfg.Gates.Enabled {
		gate, ok := cfg.Gates.Get(id)
		if !ok {
			continue
		}

		pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{Endpoints: gate.Chain.RPCURLs})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("gate %s: %w", id, err)
		}
		pools = append(pools, pool)

		var issuer adapter.LinkIssuer
		switch gate.LinkIssuer.Kind {
		case config.LinkIssuerTelegram:
			if bot == nil {
				bot, err = tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
				if err != nil {
					closeAll()
					return nil, nil, fmt.Errorf("gate %s: failed to create telegram bot: %w", id, err)
				}
			}
			issuer = adapter.NewTelegramLinkIssuer(bot, gate.LinkIssuer.ChatID, gate.LinkIssuer.MemberLimit, gate.LinkIssuer.ExpireAfter)
		default:
			issuer = adapter.NewHTTPLinkIssuer(gate.LinkIssuer.URL, httpClient)
		}

		runtime := gate
		gates[id] = service.GateRuntime{
			Config: &runtime,
			Reader: adapter.NewBalanceReader(gate.RequiredChainID(), pool),
			Issuer: issuer,
		}

		logging.WithFields(map[string]interface{}{
			"gate":     id,
			"chain_id": gate.RequiredChainID().String(),
			"contract": gate.Contract.Hex(),
			"issuer":   gate.LinkIssuer.Kind,
			"rpcs":     pool.EndpointCount(),
		}).Info("Gate initialized")
	}

	if len(gates) == 0 {
		closeAll()
		return nil, nil, errors.New("no gates enabled")
	}
	return gates, closeAll, nil
}
