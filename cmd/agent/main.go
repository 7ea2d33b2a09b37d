// Command agent runs one aexowork marketplace agent process. The role flag
// selects which credential set is loaded from the environment; the fabric
// runtime, the status endpoint, and a startup registration broadcast are
// wired identically for every role.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/aexowork/fabric/internal/bus"
	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/fabric"
	"github.com/aexowork/fabric/internal/identity"
	"github.com/aexowork/fabric/internal/ledger"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/registry"
	"github.com/aexowork/fabric/internal/wire"
)

func main() {
	var (
		roleName = flag.String("role", "", "agent role (client, worker, verification, repute, dispute, data, escrow, marketplace)")
		debug    = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: "aexowork-agent"})

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	role, err := config.ParseRole(*roleName)
	if err != nil {
		boot.Fatal().Err(err).Msg("Invalid -role flag")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "aexowork-agent",
	}).With().Str("role", string(role)).Logger()
	cfg.LogConfig(logger)

	creds, err := config.CredentialsForRole(role)
	if err != nil {
		// ConfigError names every missing key; operators fix the env and
		// restart.
		logger.Fatal().Err(err).Msg("Missing agent credentials")
	}
	id, err := identity.FromCredentials(creds)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse agent credentials")
	}

	peers, err := config.LoadPeers(cfg.PeersFile)
	if err != nil {
		logger.Fatal().Err(err).Str("peers_file", cfg.PeersFile).Msg("Failed to load peer table")
	}

	mirrorURL, err := ledger.MirrorURLForNetwork(cfg.LedgerNetwork)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid ledger network")
	}
	mirror := ledger.NewMirrorClient(mirrorURL, logger)
	var consensus ledger.Consensus
	if cfg.LedgerGatewayURL != "" {
		consensus = ledger.NewGatewayConsensus(cfg.LedgerGatewayURL)
	} else {
		logger.Warn().Msg("No LEDGER_GATEWAY_URL configured, sends will fail (read-only mode)")
	}
	ledgerClient := ledger.NewFallbackClient(mirror, consensus, logger)

	// Bus trouble at startup is not fatal: the runtime degrades to
	// direct-ledger mode for the process lifetime.
	var fabricBus fabric.Bus
	if cfg.UseOffChainMessaging {
		busClient, err := bus.Connect(bus.Config{
			URL:           cfg.BusURL,
			Name:          "aexowork-" + string(role),
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Bus unavailable, running direct-ledger only")
		} else {
			fabricBus = busClient
		}
	}

	timings := fabric.DefaultTimings()
	timings.InboundPollInterval = cfg.InboundPollInterval
	timings.ConnectionPollInterval = cfg.ConnectionPollInterval
	timings.StoreRetention = cfg.StoreRetention
	timings.StoreSweepInterval = cfg.StoreSweepInterval

	rt, err := fabric.New(fabric.Options{
		Identity:         id,
		Peers:            peers,
		Ledger:           ledgerClient,
		Bus:              fabricBus,
		DirectOnly:       !cfg.UseOffChainMessaging,
		ConnectionTopics: cfg.ConnectionTopics,
		Timings:          &timings,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build fabric runtime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log every delivered envelope at debug. Role-specific business
	// handlers register alongside this through the same API.
	rt.Subscribe(registry.Wildcard, func(_ context.Context, env *wire.Envelope, meta registry.Metadata) error {
		logger.Debug().
			Str("subject", env.Subject).
			Str("type", env.Type).
			Str("from", meta.From).
			Bool("verified", meta.Verified).
			Int64("sequence", meta.Sequence).
			Msg("Envelope delivered")
		return nil
	})

	if err := rt.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize fabric runtime")
	}

	status := monitoring.NewStatusServer(cfg.StatusAddr, func() any {
		return map[string]any{
			"status":   "ok",
			"protocol": "aexowork-fabric/" + wire.ProtocolVersion,
			"agentCard": map[string]any{
				"name":         cfg.AgentName,
				"description":  cfg.AgentDescription,
				"capabilities": cfg.Capabilities,
				"role":         string(role),
				"accountId":    id.AccountID,
			},
			"connection": rt.GetConnectionStatus(),
			"stats":      monitoring.ProcessStats(),
		}
	}, logger)
	status.Start()

	announce(ctx, rt, cfg, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("Shutting down agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	status.Shutdown(shutdownCtx)
	cancel()
	rt.Close()
}

// announce broadcasts this agent's card so relays and peers learn about it.
// Best effort; a marketplace with no peers yet just logs and moves on.
func announce(ctx context.Context, rt *fabric.Runtime, cfg *config.Config, logger zerolog.Logger) {
	env, err := wire.NewEnvelope("agent_registered", map[string]any{
		"name":         cfg.AgentName,
		"description":  cfg.AgentDescription,
		"capabilities": cfg.Capabilities,
		"subjects":     cfg.Capabilities,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to build registration envelope")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	receipts, err := rt.Send(sendCtx, fabric.SubjectAgentRegistered, env)
	if err != nil {
		logger.Warn().Err(err).Msg("Registration broadcast failed")
		return
	}
	logger.Info().Int("recipients", len(receipts)).Msg("Registration broadcast sent")
}
