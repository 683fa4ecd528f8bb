// ABOUTME: Entry point for the wsd-browse discovery daemon
// ABOUTME: Probes for WS-Discovery target services and serves the live registry
package main

import (
	"context"
	"errors"
	"flag"
	"iter"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/internal/config"
	"github.com/wsdiscovery/wsdiscovery-go/internal/feed"
	"github.com/wsdiscovery/wsdiscovery-go/internal/logging"
	"github.com/wsdiscovery/wsdiscovery-go/internal/mdns"
	"github.com/wsdiscovery/wsdiscovery-go/internal/metrics"
	"github.com/wsdiscovery/wsdiscovery-go/internal/transport"
	"github.com/wsdiscovery/wsdiscovery-go/internal/version"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"go.uber.org/zap"
)

var (
	envFile  = flag.String("env-file", ".env", "Optional file of WSD_ environment variables")
	port     = flag.Int("port", -1, "Local UDP port for replies (overrides WSD_PORT)")
	logLevel = flag.String("log-level", "", "Log level (overrides WSD_LOG_LEVEL)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		// No logger yet
		os.Stderr.WriteString("wsd-browse: " + err.Error() + "\n")
		os.Exit(2)
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: os.Stdout,
	})
	if err != nil {
		os.Stderr.WriteString("wsd-browse: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting discovery daemon",
		zap.String("version", version.String()),
		zap.Int("port", cfg.Port),
		zap.Strings("types", cfg.Types),
		zap.Strings("scopes", cfg.Scopes))

	// Validated by config.Load
	types, _ := cfg.TypeNames()
	scopes, _ := cfg.ScopeURLs()

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var aggregator *discovery.Aggregator
	hub := feed.NewHub(feed.Config{
		Snapshot: func() iter.Seq[discovery.TargetService] { return aggregator.All() },
		Logger:   logger.Named("feed"),
	})

	aggregator = discovery.NewAggregator(discovery.AggregatorConfig{
		TTL:      cfg.ServiceTTL,
		Logger:   logger.Named("registry"),
		Metrics:  m,
		OnUpdate: hub.ServiceUpdated,
		OnExpire: hub.ServiceExpired,
	})

	udp := transport.New(transport.Config{
		Logger:       logger.Named("transport"),
		MulticastTTL: cfg.MulticastTTL,
	})
	client := discovery.NewClient(discovery.Config{
		Logger:  logger.Named("client"),
		Metrics: m,
	}, udp)
	defer client.Close()

	if err := client.Start(cfg.Port); err != nil {
		logger.Fatal("Failed to start discovery client", zap.Error(err))
	}
	for _, addr := range udp.LocalAddrs() {
		logger.Info("Listening for replies", zap.String("addr", addr.String()))
	}

	unsubscribe := client.Subscribe(aggregator.HandleEvent)
	defer unsubscribe()

	go runLogged(ctx, logger, "Registry sweep stopped", aggregator.Run)

	job := discovery.NewProbeJob(client, discovery.ProbeJobConfig{
		Types:    types,
		Scopes:   scopes,
		Interval: cfg.ProbeInterval,
		Logger:   logger.Named("probe"),
		OnMatch: func(svc discovery.TargetService) {
			logger.Debug("Matched service", zap.String("endpoint", svc.EndpointReference()))
		},
	})
	go runLogged(ctx, logger, "Probe job stopped", job.Run)

	if cfg.MDNSService != "" {
		browser := mdns.NewBrowser(mdns.Config{
			Service:  cfg.MDNSService,
			Interval: cfg.ProbeInterval,
			Logger:   logger.Named("mdns"),
		})
		browser.Browse()
		defer browser.Stop()

		go func() {
			for {
				select {
				case svc := <-browser.Services():
					aggregator.OnServiceSighted(svc)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/feed", hub)

		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving HTTP", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received", zap.Int("services", aggregator.Len()))

	cancel()
	hub.Close()
	if httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown error", zap.Error(err))
		}
	}
}

// runLogged runs a background loop and logs why it stopped, unless ctx was cancelled
func runLogged(ctx context.Context, logger *zap.Logger, msg string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(msg, zap.Error(err))
	}
}
