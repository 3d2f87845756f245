// Command peerd runs one agent from a YAML configuration file.
//
//	peerd -config peerd.yaml
//
// With coordinator.enabled the agent fans submitted work out to its peers;
// otherwise it answers analysis requests from the configured rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/agent"
	"peerlink/config"
	"peerlink/registry"
	"peerlink/store"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	path := flag.String("config", envOr("PEERLINK_CONFIG", "peerd.yaml"), "path to the configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := cfg.Logging.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	reg, closeReg, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	opts := agent.Options{
		Name:          cfg.Agent.Name,
		Role:          cfg.Agent.Role,
		Host:          cfg.Agent.Host,
		Port:          cfg.Agent.Port,
		Server:        cfg.ServerOptions(),
		Client:        cfg.ClientOptions(),
		Registry:      reg,
		Advertise:     cfg.Registry.Advertise,
		WatchRegistry: cfg.Registry.Watch,
		Logger:        logger,
	}

	if cfg.Coordinator.Enabled {
		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		copts := cfg.CoordinatorOptions()
		copts.Store = st
		opts.Coordinator = &copts
		opts.HealthInterval = cfg.Coordinator.HealthInterval
	}

	a, err := agent.New(opts)
	if err != nil {
		return err
	}
	if len(cfg.Rules) > 0 {
		ra, err := agent.NewRuleAnalyzer(cfg.Rules)
		if err != nil {
			return err
		}
		methods, err := a.Server().RegisterService(ra)
		if err != nil {
			return err
		}
		logger.Debug("analysis handlers registered", zap.Strings("methods", methods), zap.Int("rules", len(cfg.Rules)))
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	printBanner(os.Stdout, cfg, a)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

func openRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Registry.Type == config.RegistryEtcd {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
		}
		return reg, func() { reg.Close() }, nil
	}
	return registry.NewStaticRegistry(cfg.Peers...), func() {}, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Type == config.StoreSQLite {
		st, err := store.NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
		return st, nil
	}
	return store.NewMemoryStore(), nil
}

func printBanner(w io.Writer, cfg *config.Config, a *agent.Agent) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	green.Fprint(w, "▶ ")
	fmt.Fprint(w, "peerd ")
	cyan.Fprint(w, a.Name())
	if cfg.Agent.Role != "" {
		gray.Fprintf(w, " (%s)", cfg.Agent.Role)
	}
	fmt.Fprintf(w, " listening on %s\n", a.Addr())

	green.Fprint(w, "▶ ")
	fmt.Fprintf(w, "registry: %s, codec: %s\n", cfg.Registry.Type, cfg.Codec())
	if cfg.Coordinator.Enabled {
		green.Fprint(w, "▶ ")
		fmt.Fprintf(w, "coordinating %d peer(s), store: %s\n", len(a.Coordinator().Peers()), cfg.Store.Type)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
