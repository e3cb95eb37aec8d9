// Package main is the entry point for the puppeteer-mcp control plane.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/actions"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/transport/grpcapi"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/transport/mcpserver"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/transport/rest"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/transport/ws"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible. Logs go to stderr:
	// stdout belongs to the MCP stdio transport.
	setupLogging(cfg.LogLevel, cfg.Production())
	cfg.Validate()
	printBanner(cfg)

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}

	authenticator := auth.New(cfg.JWTSecret, cfg.JWTExpiry, stores.Sessions)

	log.Info().Msg("Initializing browser pool...")
	launcher := engine.NewRodLauncher(engine.RodLauncherConfig{
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
		StealthMode: cfg.StealthMode,
	})
	pool, err := browser.NewPool(cfg, launcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	pageManager := pages.NewManager(cfg, pool)

	policies, err := actions.NewPolicyManager(cfg.PolicyPath, cfg.PolicyHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load action security policy")
	}
	executor := actions.NewExecutor(cfg, pageManager, policies)

	tracker := envelope.NewTracker(envelope.TrackerConfig{
		OnEvent: func(ev envelope.Event) {
			log.Warn().
				Str("event", string(ev.Type)).
				Str("category", string(ev.Category)).
				Str("group", ev.GroupID).
				Int("count", ev.Count).
				Msg("Error tracker finding")
		},
	})

	dispatcher := dispatch.New(cfg, stores, authenticator, pool, pageManager, executor, tracker)

	restServer := rest.NewServer(cfg, dispatcher)
	wsServer := ws.NewServer(dispatcher)
	grpcServer := grpcapi.NewServer(dispatcher)
	mcpServer := mcpserver.NewServer(dispatcher)

	// The WS upgrade shares the HTTP port; everything else is REST.
	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.Handle("/", restServer.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.GRPCPort).Msg("Failed to bind gRPC port")
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartCollector(10*time.Second, func() (browser.PoolStats, int) {
			return pool.Stats(), pageManager.Count()
		}, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", httpServer.Addr).
			Int("max_browsers", cfg.MaxBrowsers).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("HTTP server listening (REST + WebSocket)")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// stdio Listen returns once stdin closes; that is not fatal for
		// the rest of the control plane.
		if err := mcpServer.Start(gctx, cfg.MCPTransport, cfg.MCPPort); err != nil && gctx.Err() == nil {
			log.Error().Err(err).Msg("MCP server stopped")
		}
		return nil
	})

	<-gctx.Done()
	log.Info().Msg("Shutting down...")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	grpcServer.GracefulStop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	restServer.Close()
	tracker.Close()
	policies.Close()
	pageManager.Shutdown()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}
	if err := stores.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog. Production emits JSON; development
// gets the console writer.
func setupLogging(level string, production bool) {
	if production {
		log.Logger = log.Output(os.Stderr)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner(cfg *config.Config) {
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Str("env", cfg.Env).
		Msg("Starting puppeteer-mcp")
}
