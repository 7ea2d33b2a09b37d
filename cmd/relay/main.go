// Command relay runs the fan-out relay: an agent process that subscribes to
// every subject and forwards traffic to registered subscribers. It uses the
// marketplace agent's credentials by default.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/aexowork/fabric/internal/bus"
	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/fabric"
	"github.com/aexowork/fabric/internal/identity"
	"github.com/aexowork/fabric/internal/ledger"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/relay"
	"github.com/aexowork/fabric/internal/wire"
)

func main() {
	var (
		roleName = flag.String("role", "marketplace", "credential role the relay runs under")
		debug    = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: "aexowork-relay"})

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
		Service: "aexowork-relay",
	}).With().Str("role", string(role)).Logger()
	cfg.LogConfig(logger)

	creds, err := config.CredentialsForRole(role)
	if err != nil {
		logger.Fatal().Err(err).Msg("Missing relay credentials")
	}
	id, err := identity.FromCredentials(creds)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse relay credentials")
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
		logger.Warn().Msg("No LEDGER_GATEWAY_URL configured, forwards will fail (read-only mode)")
	}
	ledgerClient := ledger.NewFallbackClient(mirror, consensus, logger)

	var fabricBus fabric.Bus
	if cfg.UseOffChainMessaging {
		busClient, err := bus.Connect(bus.Config{
			URL:           cfg.BusURL,
			Name:          "aexowork-relay",
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

	// The relay subscribes before Init so no early poll results are missed.
	r := relay.New(rt, logger)
	r.Start(ctx)

	if err := rt.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize fabric runtime")
	}

	status := monitoring.NewStatusServer(cfg.StatusAddr, func() any {
		return map[string]any{
			"status":     "ok",
			"protocol":   "aexowork-fabric/" + wire.ProtocolVersion,
			"registered": r.Registered(),
			"connection": rt.GetConnectionStatus(),
			"stats":      monitoring.ProcessStats(),
		}
	}, logger)
	status.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("Shutting down relay")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	status.Shutdown(shutdownCtx)
	cancel()
	rt.Close()
}
