package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weftmesh/weftmesh/internal/config"
	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/messaging"
	"github.com/weftmesh/weftmesh/internal/reaper"
	"github.com/weftmesh/weftmesh/internal/registry"
	"github.com/weftmesh/weftmesh/internal/store"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

// buildVersion is stamped at build time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "weftmesh-registry",
		Short:         "weftmesh control-plane server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the registry server",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadRegistry(configPath)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					return err
				}
				logger := config.NewLogger(cfg.Log)
				if err := run(cfg, logger); err != nil {
					logger.Error("fatal", "error", err)
					return err
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("weftmesh-registry " + buildVersion)
			},
		},
	)
	return root
}

func run(cfg config.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHubWithBuffer(logger, cfg.Feed.SubscriberBuffer)

	bridge, err := messaging.NewBridge(cfg.Broker.URL, logger)
	if err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	defer bridge.Close()

	// Every observable mutation reaches the local websocket feed and, when a
	// broker is configured, the external exchange.
	notify := func(ev mesh.ServiceChangeEvent) {
		hub.Publish(ev)
		bridge.Publish(ev)
	}

	st, redisStore, err := newStore(ctx, cfg.Store, notify, logger)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	metrics := registry.NewMetrics(promReg)
	registry.RegisterFeedStats(promReg, hub)

	rp := reaper.New(st, cfg.ReaperConfig(), logger)
	registry.RegisterReaperStats(promReg, rp)

	tracer := tracing.New("registry", tracing.NewLogSink(logger))
	srv := registry.NewServer(st, hub, tracer, metrics, logger)

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	root.Handle("/", srv.Routes())

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: root,
		// Read/write timeouts would kill long-lived websocket feeds, so only
		// the header read is bounded here.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rp.Run(ctx) })
	g.Go(func() error { return bridge.Run(ctx) })
	if redisStore != nil {
		g.Go(func() error { return redisStore.RunSubscriber(ctx) })
	}
	g.Go(func() error {
		logger.Info("registry listening",
			"addr", cfg.Listen,
			"store", cfg.Store.Backend,
			"version", buildVersion,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down registry")
		// Closing the hub sends every feed subscriber a going-away frame,
		// which lets Shutdown finish instead of waiting on hijacked conns.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newStore builds the configured store backend. The redis store is returned
// separately so its pub/sub subscriber loop can be supervised.
func newStore(ctx context.Context, cfg config.Store, notify store.Notifier, logger *slog.Logger) (store.Store, *store.Redis, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(notify), nil, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}

		rs := store.NewRedisWithTTL(client, notify, logger, cfg.InstanceTTL)
		return rs, rs, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
