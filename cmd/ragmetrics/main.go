package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ongoingai/ragmetrics/internal/api"
	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/config"
	"github.com/ongoingai/ragmetrics/internal/export"
	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/monitor"
	"github.com/ongoingai/ragmetrics/internal/observability"
	"github.com/ongoingai/ragmetrics/internal/scrape"
	"github.com/ongoingai/ragmetrics/internal/version"
)

const defaultConfigPath = "ragmetrics.yaml"
const defaultEnvFile = ".env"

const monitorShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := config.LoadEnvFile(defaultEnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "cleanup":
		return runCleanup(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout)
	slog.SetDefault(logger)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openMetricStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close metric store", "driver", cfg.Storage.Driver, "error", err)
		}
	}()

	exporter := export.New(export.Options{ProcessCollectors: cfg.Export.ProcessCollectors})

	sink, err := monitor.NewSink(monitorSinkConfig(cfg, otelRuntime.WrapHTTPTransport(http.DefaultTransport)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize monitor sink: %v\n", err)
		return 1
	}
	monitorQueue := monitor.NewQueue(sink, monitor.Options{
		Capacity:    cfg.Monitor.Capacity,
		SendTimeout: cfg.Monitor.SendTimeout(),
		SendRetries: cfg.Monitor.SendRetries,
		RecentLogs:  cfg.Monitor.RecentLogs,
		Logger:      logger,
		OnEvict:     func(n int) {
			exporter.MonitorDropped(n)
			otelRuntime.RecordMonitorEviction(sink.Name(), n)
		},
	})
	monitorQueue.Start(context.Background())
	defer shutdownMonitor(logger, monitorQueue, monitorShutdownTimeout)

	deps, err := buildCollectorOptions(cfg, otelRuntime.WrapHTTPTransport(http.DefaultTransport))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize collector: %v\n", err)
		return 1
	}
	deps.Store = store
	deps.Exporter = exporter
	deps.Monitor = monitorQueue
	deps.Logger = logger
	metricsCollector, err := collector.New(deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize collector: %v\n", err)
		return 1
	}

	routerOptions := api.RouterOptions{
		AppVersion:    version.String(),
		Metrics:       metricsCollector,
		Catalog:       deps.Catalog,
		Pricing:       deps.Pricing,
		Store:         store,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Monitor:       monitorQueue,
		Logger:        logger,
	}
	if cfg.Export.Enabled {
		routerOptions.Exporter = exporter.Handler()
		routerOptions.ExportPath = cfg.Export.Path
	}
	server := newServer(cfg, api.LoggingMiddleware(logger, otelRuntime.WrapHTTPHandler(api.NewRouter(routerOptions))))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"tracing_enabled", cfg.Tracing.Enabled,
		"estimator", cfg.Estimation.Estimator,
		"monitor_sink", sink.Name(),
		"scrape_enabled", cfg.Scrape.Enabled,
		"retention_days", cfg.Retention.Days,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scrape.Enabled {
		forwarder, err := scrape.New(scrape.Config{
			URL:       cfg.Scrape.URL,
			Prefix:    cfg.Scrape.Prefix,
			Interval:  cfg.Scrape.Interval(),
			Timeout:   cfg.Scrape.Timeout(),
			Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
			Logger:    logger,
			OnError:   func(error) {
				exporter.ScrapeFailed()
				otelRuntime.RecordScrapeFailure()
			},
		}, monitorQueue)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize scrape forwarder: %v\n", err)
			return 1
		}
		go forwarder.Run(ctx)
	}
	if cfg.Retention.Days > 0 {
		go runRetention(ctx, retentionOptions{
			Cleaner:  metricsCollector,
			Days:     cfg.Retention.Days,
			Interval: cfg.Retention.Interval(),
			OnRun:    func(deleted int64) {
				otelRuntime.RecordRetentionRun(cfg.Storage.Driver, deleted)
			},
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("ragmetrics stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("ragmetrics failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(out io.Writer) *slog.Logger {
	return slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func monitorSinkConfig(cfg config.Config, transport http.RoundTripper) monitor.SinkConfig {
	return monitor.SinkConfig{
		Type:            cfg.Monitor.Sink,
		Service:         cfg.Monitor.Service,
		LogsURL:         cfg.Monitor.HTTP.LogsURL,
		MetricsURL:      cfg.Monitor.HTTP.MetricsURL,
		APIKey:          cfg.Monitor.HTTP.APIKey,
		LicenseKey:      cfg.Monitor.HTTP.LicenseKey,
		Transport:       transport,
		RedisURL:        cfg.Monitor.Redis.URL,
		RedisStream:     cfg.Monitor.Redis.Stream,
		RedisMaxLen:     cfg.Monitor.Redis.MaxLen,
		StatsdAddr:      cfg.Monitor.Statsd.Addr,
		StatsdNamespace: cfg.Monitor.Statsd.Namespace,
	}
}

func shutdownMonitor(logger *slog.Logger, queue *monitor.Queue, timeout time.Duration) {
	if queue == nil {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := queue.Shutdown(ctx); err != nil {
		logger.Error(
			"failed to flush pending monitor entries before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("flushed pending monitor entries before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

// closeStoreWithWarning is used by the one-shot commands.
func closeStoreWithWarning(store metric.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close metric store: %v\n", err)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ragmetrics serve [--config path/to/ragmetrics.yaml]")
	fmt.Fprintln(out, "  ragmetrics version")
	fmt.Fprintln(out, "  ragmetrics config validate [--config path/to/ragmetrics.yaml]")
	fmt.Fprintln(out, "  ragmetrics report [--config path/to/ragmetrics.yaml] [--format text|json] [--hours N] [--days N] [--model NAME]")
	fmt.Fprintln(out, "  ragmetrics cleanup [--config path/to/ragmetrics.yaml] [--days N]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ragmetrics config validate [--config path/to/ragmetrics.yaml]")
}
