package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"doppel-ai/internal/adapter/platform"
	"doppel-ai/internal/adapter/provider"
	"doppel-ai/internal/adapter/stats"
	"doppel-ai/internal/adapter/wire"
	"doppel-ai/internal/domain"
	"doppel-ai/internal/infra/config"
	"doppel-ai/internal/infra/logger"
	"doppel-ai/internal/infra/tracer"
	"doppel-ai/internal/usecase/agent"
	"doppel-ai/internal/usecase/history"
	"doppel-ai/internal/usecase/manager"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("doppel-ai relay", version)
			return
		case "encrypt":
			if err := runEncrypt(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`doppel-ai relay - connects chat communities to remote agents

USAGE:
    relay [COMMAND] [FLAGS]

COMMANDS:
    version     Print the build version
    encrypt     Encrypt a secret for use as an enc: config value
                (reads the plaintext from stdin, requires RELAY_MASTER_KEY)

    (no command) - Run the relay with an existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    RELAY_CONFIG overrides the default path.
    RELAY_MASTER_KEY unlocks enc: values in the config.`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runEncrypt() error {
	passphrase := os.Getenv("RELAY_MASTER_KEY")
	if passphrase == "" {
		return fmt.Errorf("RELAY_MASTER_KEY is not set")
	}
	var plaintext string
	if _, err := fmt.Fscanln(os.Stdin, &plaintext); err != nil {
		return fmt.Errorf("read plaintext: %w", err)
	}
	encrypted, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Stats sink
	sink, sinkCloser, err := buildStatsSink(cfg.Stats, log)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if sinkCloser != nil {
		defer sinkCloser()
	}

	// 4. Remote agent service adapters
	registrar := wire.NewRegistrar(cfg.Agent.APIURL, cfg.Agent.APIKey, log)

	// 5. Configuration provider
	snapshots := provider.NewClient(cfg.Provider.URL, cfg.Provider.Token, log)

	// 6. Factories wired into the manager
	newConn := func(credential string) manager.Conn {
		return platform.NewConnection(credential, log)
	}
	newAgent := func(community domain.CommunityConfig, gateway domain.PlatformGateway) manager.Agent {
		newWire := func(handler domain.ToolHandler) agent.Wire {
			return wire.NewClient(cfg.Agent.RealtimeURL, cfg.Agent.APIKey, handler, log)
		}
		return agent.New(community, gateway, history.NewBuffer(), registrar, newWire, sink, log,
			agent.WithRouterType(cfg.Agent.RouterType))
	}

	mgr := manager.New(snapshots, newConn, newAgent, cfg.Provider.PollInterval, log)

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("relay starting",
		"version", version,
		"provider_url", cfg.Provider.URL,
		"stats_backend", cfg.Stats.Backend,
		"poll_interval", cfg.Provider.PollInterval.String(),
	)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	mgr.Stop()
	return nil
}

// buildStatsSink creates the configured sink. The returned closer is nil for
// backends with nothing to release.
func buildStatsSink(cfg config.StatsConfig, log *slog.Logger) (domain.StatsSink, func() error, error) {
	switch cfg.Backend {
	case "http":
		return stats.NewHTTPSink(cfg.URL, log), nil, nil
	case "sqlite":
		sink, err := stats.NewSQLiteSink(cfg.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	case "none", "":
		return stats.NopSink{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown stats backend: %s", cfg.Backend)
	}
}
