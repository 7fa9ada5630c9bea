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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weftmesh/weftmesh/internal/balancer"
	"github.com/weftmesh/weftmesh/internal/config"
	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/gateway"
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
		Use:           "weftmesh-gateway",
		Short:         "weftmesh dynamic reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadGateway(configPath)
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
				fmt.Println("weftmesh-gateway " + buildVersion)
			},
		},
	)
	return root
}

func run(cfg config.Gateway, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer := tracing.New("gateway", tracing.NewLogSink(logger))

	client := discovery.NewClient(cfg.RegistryURL, tracer, logger)
	inflight := balancer.NewInFlight()
	cache := discovery.NewCache(client, cfg.CacheConfig(), inflight, logger)
	push := discovery.NewPushConsumer(client.WebsocketURL(), cache, logger)

	promReg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(promReg)
	gateway.RegisterCacheStats(promReg, cache)

	proxyCfg := cfg.ProxyConfig()
	proxy := gateway.NewProxy(cache, proxyCfg, tracer, metrics, logger)
	admin := gateway.NewAdmin(cache, proxy, promReg, logger)

	r := mux.NewRouter()
	admin.Routes(r)
	r.PathPrefix("/").Handler(proxy)

	var handler http.Handler = r
	if proxyCfg.RateLimit.Enabled {
		rl := gateway.NewRateLimiter(proxyCfg.RateLimit, metrics)
		handler = rl.Middleware(handler)
	}
	handler = gateway.RequestLogging(tracer, logger, handler)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(ctx) })
	g.Go(func() error { return push.Run(ctx) })
	g.Go(func() error {
		logger.Info("gateway listening",
			"addr", cfg.Listen,
			"registry", cfg.RegistryURL,
			"prefixes", proxyCfg.Prefixes,
			"version", buildVersion,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), proxyCfg.DrainTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
