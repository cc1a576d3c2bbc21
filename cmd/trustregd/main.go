// trustregd replicates ERC-8004 trust registry state from a chain-event
// feed into a local SQLite store and serves queries over a Unix socket.
//
//	trustregd                     Run with config from standard locations
//	trustregd -config cfg.toml    Run with an explicit config file
//	trustregd -dev                Allow local mutations over IPC (no feed)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustregd/internal/aggregate"
	"trustregd/internal/config"
	"trustregd/internal/events"
	"trustregd/internal/feed"
	"trustregd/internal/health"
	"trustregd/internal/identity"
	"trustregd/internal/ipc"
	"trustregd/internal/ledger"
	"trustregd/internal/lockfile"
	"trustregd/internal/logging"
	"trustregd/internal/metrics"
	"trustregd/internal/store"
	"trustregd/internal/validation"
)

const version = "0.1.0"

var (
	configPath  = flag.String("config", "", "path to config file")
	feedDir     = flag.String("feed", "", "override feed directory")
	dbPath      = flag.String("db", "", "override database path")
	socketPath  = flag.String("socket", "", "override IPC socket path")
	devMode     = flag.Bool("dev", false, "allow local mutations over IPC")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("trustregd " + version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trustregd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	logging.SetDefault(log)

	log.Info("starting", "version", version, "chain", cfg.Chain.ID, "dev_mode", cfg.DevMode)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(config.GetDefaultPaths().LockFile)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	reg := metrics.NewRegistry("trustregd")
	met := metrics.NewTrustregdMetrics(reg)
	bus := events.NewBus(func(events.Event) { met.EventsDropped.Inc() })
	defer bus.Close()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store open", "path", cfg.Storage.Path)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	if !cfg.DevMode {
		checker.RegisterFunc("feed", false, health.FeedDirCheck(cfg.Feed.Dir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IPC.Enabled {
		handler := ipc.NewRegistryHandler(ipc.HandlerConfig{
			Store:      st,
			Identity:   identity.New(st, bus),
			Ledger:     ledger.New(st, bus),
			Aggregator: aggregate.New(st),
			Validation: validation.New(st, bus),
			Version:    version,
			ChainID:    cfg.Chain.ID,
			DevMode:    cfg.DevMode,
		})

		srv, err := ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			Permissions:    cfg.IPC.Permissions,
			MaxConnections: cfg.IPC.MaxConnections,
			ReadTimeout:    time.Duration(cfg.IPC.TimeoutSec) * time.Second,
		}, handler, bus, met, log)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		checker.RegisterFunc("ipc", true, health.SocketCheck(cfg.IPC.SocketPath))
	}

	if cfg.HTTP.Enabled {
		httpSrv := newHTTPServer(cfg.HTTP.Addr, checker, reg)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
		log.Info("http listening", "addr", cfg.HTTP.Addr)
	}

	if loader != nil {
		loader.OnChange(func(c *config.Config) {
			log.Info("configuration file changed; most changes require a restart")
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch unavailable", "error", err)
		}
	}

	// In dev mode the store is locally writable and no feed is ingested;
	// otherwise the feed runner owns all writes.
	feedErr := make(chan error, 1)
	if !cfg.DevMode {
		f := feed.New(feed.Config{
			Dir:          cfg.Feed.Dir,
			PollInterval: time.Duration(cfg.Feed.PollIntervalSec) * time.Second,
		}, st, bus, met, log)
		go func() { feedErr <- f.Run(ctx) }()
	}

	checker.SetReady(true)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-feedErr:
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
	}
	return nil
}

func loadConfig() (*config.Config, *config.Loader, error) {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	var (
		cfg    *config.Config
		loader *config.Loader
	)
	if path != "" {
		loader = config.NewLoader(path)
		c, err := loader.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}

	cfg.ApplyEnvOverrides()

	if *feedDir != "" {
		cfg.Feed.Dir = *feedDir
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	if *devMode {
		cfg.DevMode = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		Component: "trustregd",
	})
}

func newHTTPServer(addr string, checker *health.Checker, reg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/livez", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/metrics", reg.HTTPHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
