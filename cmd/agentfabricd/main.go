// Command agentfabricd boots the agent-to-agent payment and task
// orchestration fabric: identity, wallet, escrow, tool registry, rate
// limiting, and the HTTP surface in front of them. Bootstrap follows the
// teacher's flag-plus-env pattern (flags for operator overrides, LOG_LEVEL
// and friends for deployment config).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/api"
	"github.com/agentfabric/agentfabric/internal/authsession"
	"github.com/agentfabric/agentfabric/internal/config"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/internal/oracle"
	"github.com/agentfabric/agentfabric/internal/orchestrator"
	"github.com/agentfabric/agentfabric/internal/ratelimit"
	"github.com/agentfabric/agentfabric/internal/registry"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/agentfabric/agentfabric/internal/wallet"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	shardCount = 32
	inboxSize  = 256
)

func main() {
	var (
		host  = flag.String("host", "", "Server host (overrides HOST)")
		port  = flag.Int("port", 0, "Server port (overrides PORT)")
		debug = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "debug" {
		*debug = true
	}
	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Info("starting agentfabricd",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.Bool("debug", *debug))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	actors := actor.NewSystem(shardCount, inboxSize)
	timer := store.NewTimer()
	defer timer.Shutdown()

	idReg := identity.NewRegistry(st, cfg.APIKeyEnvironmentPrefix, logger)
	ledger := wallet.NewLedger(st, actors, logger)
	tools := registry.New(st)
	tokenOracle := oracle.NewHTTPClient(cfg.TokenOracleURL, cfg.TokenOracleAPIKey)
	escrows := escrow.NewEngine(st, actors, ledger, tokenOracle, timer, logger)

	orch := orchestrator.New(st, actors, idReg, ledger, escrows, tools, timer, orchestrator.Config{
		PlatformFeeFraction:  cfg.PlatformFeeFraction(),
		FeeWalletAgentID:     cfg.FeeWalletAgentID,
		EscrowBufferFraction: cfg.EscrowBufferFraction(),
		EscrowTimeoutMinutes: cfg.EscrowTimeoutMinutes,
	}, logger)

	if err := escrows.RecoverActiveTimers(ctx); err != nil {
		logger.Error("failed to recover escrow timers", zap.Error(err))
	}
	if err := orch.RecoverActiveTimers(ctx); err != nil {
		logger.Error("failed to recover task timers", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Limits{PerMinute: cfg.RateLimitMinute, PerDay: cfg.RateLimitDay})
	defer limiter.Stop()

	signingKey := cfg.SessionSigningKey
	if signingKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.Fatal("failed to generate session signing key", zap.Error(err))
		}
		signingKey = hex.EncodeToString(buf)
		logger.Warn("SESSION_SIGNING_KEY not set; generated an ephemeral key, sessions will not survive a restart")
	}
	sessions := authsession.NewIssuer([]byte(signingKey), cfg.SessionTTL())

	if cfg.FeeWalletAgentID != "" {
		if _, err := ledger.CreateWallet(ctx, cfg.FeeWalletAgentID, nil); err != nil {
			logger.Error("failed to provision fee wallet", zap.Error(err))
		}
	}

	server := api.NewServer(&api.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}, api.Deps{
		Identity:     idReg,
		Ledger:       ledger,
		Orchestrator: orch,
		Escrows:      escrows,
		Tools:        tools,
		Limiter:      limiter,
		Metrics:      m,
		Sessions:     sessions,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("api server failed", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	actors.Shutdown()
	logger.Info("shutdown complete")
}
