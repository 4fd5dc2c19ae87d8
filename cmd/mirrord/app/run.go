package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/mirrorkit/mirrorkit/pkg/adapter"
	"github.com/mirrorkit/mirrorkit/pkg/adapter/httppoll"
	"github.com/mirrorkit/mirrorkit/pkg/adapter/wsstream"
	"github.com/mirrorkit/mirrorkit/pkg/config"
	"github.com/mirrorkit/mirrorkit/pkg/engine"
	"github.com/mirrorkit/mirrorkit/pkg/retry"
	"github.com/mirrorkit/mirrorkit/pkg/snapstore"
	"github.com/mirrorkit/mirrorkit/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replica daemon",
	Long: `Run the replica daemon against the configured data source.

The daemon requires a configuration file (--config) that specifies:
- The data source to mirror (HTTP polling or WebSocket streaming)
- The full-resync retry policy
- Optional snapshot persistence and metrics settings

See examples/ directory for sample configurations.`,
	RunE: runRun,
}

const (
	metricsReadTimeout     = 10 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		panic(fmt.Sprintf("failed to bind config flag: %v", err))
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as required: %v", err))
	}
}

func newLogger() (logr.Logger, error) {
	var (
		zl  *zap.Logger
		err error
	)
	if viper.GetBool("debug") {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// newSourceAdapter builds the data-source adapter the configuration names.
func newSourceAdapter(cfg *config.Config, policy retry.Policy) (adapter.Adapter, error) {
	switch cfg.Source.Type {
	case config.SourceTypeHTTP:
		interval, err := config.ParseDuration(cfg.Source.HTTP.Interval, httppoll.DefaultInterval)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDuration(cfg.Source.HTTP.Timeout, httppoll.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		return httppoll.New(cfg.Source.HTTP.Endpoint,
			httppoll.WithInterval(interval),
			httppoll.WithTimeout(timeout),
		), nil
	case config.SourceTypeWebSocket:
		handshake, err := config.ParseDuration(cfg.Source.WebSocket.HandshakeTimeout, 0)
		if err != nil {
			return nil, err
		}
		return wsstream.New(cfg.Source.WebSocket.URL,
			wsstream.WithRedialPolicy(policy),
			wsstream.WithHandshakeTimeout(handshake),
		), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %q", cfg.Source.Type)
	}
}

// newRetryPolicy translates the configured retry settings, leaving zero
// values for the engine defaults to fill in.
func newRetryPolicy(cfg *config.RetryConfig) (retry.Policy, error) {
	if cfg == nil {
		return retry.Policy{}, nil
	}
	initial, err := config.ParseDuration(cfg.InitialInterval, 0)
	if err != nil {
		return retry.Policy{}, err
	}
	max, err := config.ParseDuration(cfg.MaxInterval, 0)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      cfg.Multiplier,
	}, nil
}

// newMetrics wires an OpenTelemetry meter provider to a Prometheus
// registry and starts the scrape endpoint.
func newMetrics(logger logr.Logger, cfg *config.MetricsConfig) (*telemetry.EngineMetrics, *http.Server, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	metrics, err := telemetry.NewEngineMetrics(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:        cfg.Address,
		Handler:     mux,
		ReadTimeout: metricsReadTimeout,
	}

	go func() {
		logger.Info("Metrics endpoint listening", "address", cfg.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Metrics endpoint failed")
		}
	}()

	return metrics, server, nil
}

// logNotifications consumes the engine's notification stream until it is
// closed, surfacing each event in the daemon log.
func logNotifications(logger logr.Logger, notifications <-chan engine.Notification) {
	for n := range notifications {
		switch n.Kind {
		case engine.NotificationInSync, engine.NotificationOutOfSync:
			if n.Err != nil {
				logger.Info("Replica status changed", "status", n.Status, "cause", n.Err.Error())
				continue
			}
			logger.Info("Replica status changed", "status", n.Status)
		case engine.NotificationReset:
			logger.Info("Replica reset from full resync", "bytes", len(n.Snapshot))
		case engine.NotificationChange:
			logger.V(1).Info("Replica updated", "changes", len(n.Changes))
		case engine.NotificationError:
			logger.Error(n.Err, "Full resync failed")
		}
	}
}

func runRun(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, logger)

	configPath := viper.GetString("config")
	cfg, err := config.Load(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("Loaded configuration", "path", configPath, "source", cfg.Source.Type)

	policy, err := newRetryPolicy(cfg.Retry)
	if err != nil {
		return fmt.Errorf("invalid retry configuration: %w", err)
	}

	source, err := newSourceAdapter(cfg, policy)
	if err != nil {
		return fmt.Errorf("failed to create source adapter: %w", err)
	}

	metrics, metricsServer, err := newMetrics(logger, cfg.Metrics)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithRetryPolicy(policy),
		engine.WithMetrics(metrics),
	}
	if cfg.Store != nil {
		opts = append(opts, engine.WithStore(snapstore.NewFileStore(cfg.Store.Path)))
	}

	eng := engine.New(source, opts...)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start replica engine: %w", err)
	}

	notificationsDone := make(chan struct{})
	go func() {
		defer close(notificationsDone)
		logNotifications(logger, eng.Notifications())
	}()

	logger.Info("Replica daemon started")
	<-ctx.Done()
	logger.Info("Shutting down")

	if err := eng.Stop(); err != nil {
		logger.Error(err, "Failed to stop replica engine")
	}
	<-notificationsDone

	if err := source.Close(); err != nil {
		logger.Error(err, "Failed to close source adapter")
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "Failed to shut down metrics endpoint")
		}
	}

	return nil
}
