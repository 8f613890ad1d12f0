package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/woudc/woudc-api/api/apierr"
	"github.com/woudc/woudc-api/api/config"
	"github.com/woudc/woudc-api/api/dataset"
	"github.com/woudc/woudc-api/api/metrics"
	"github.com/woudc/woudc-api/api/process/distinct"
	"github.com/woudc/woudc-api/api/process/explore"
	metricsprocess "github.com/woudc/woudc-api/api/process/metrics"
	"github.com/woudc/woudc-api/api/process/validate"
	"github.com/woudc/woudc-api/api/provider"
	"github.com/woudc/woudc-api/api/query"
	"github.com/woudc/woudc-api/api/search"
	"github.com/woudc/woudc-api/api/server"
	"github.com/woudc/woudc-api/utils/pkg/logger"
	"github.com/woudc/woudc-api/utils/pkg/retry"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before reading the environment (ignored when missing)")

	bindHostFlag := flag.String("bind-host", config.DefaultBindHost, "API bind host (or set WOUDC_API_BIND_HOST env var)")
	bindPortFlag := flag.Int("bind-port", config.DefaultBindPort, "API bind port (or set WOUDC_API_BIND_PORT env var)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Prometheus metrics listen address, empty disables (or set WOUDC_API_METRICS_ADDR env var)")

	discoverFieldsFlag := flag.Bool("discover-fields", false, "derive queryable fields from the index mappings on every items request")
	metricsConcurrencyFlag := flag.Int("metrics-concurrency", 4, "datasets aggregated at once by the metrics process")
	processRateFlag := flag.Int("process-rate", 60, "process executions allowed per minute per client IP")
	processBurstFlag := flag.Int("process-burst", 10, "burst of process executions per client IP")
	startupAttemptsFlag := flag.Int("startup-attempts", 10, "attempts to reach the document store at startup")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	srvCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	// Explicit flags win over the environment.
	if flag.CommandLine.Changed("bind-host") {
		srvCfg.BindHost = *bindHostFlag
	}
	if flag.CommandLine.Changed("bind-port") {
		srvCfg.BindPort = *bindPortFlag
	}
	if flag.CommandLine.Changed("metrics-addr") {
		srvCfg.MetricsAddr = *metricsAddrFlag
	}
	if err := srvCfg.Validate(); err != nil {
		return err
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry enabled")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to document store", "store", storeCfg.Redacted(), "index_prefix", storeCfg.IndexPrefix)
	var client *search.Client
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: *startupAttemptsFlag,
		BaseBackoff: time.Second,
		MaxBackoff:  15 * time.Second,
		Retryable:   func(err error) bool { return apierr.KindOf(err).Transient() },
		OnRetry: func(attempt int, backoff time.Duration, err error) {
			log.Warn("document store not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}, func(ctx context.Context) error {
		c, err := search.New(ctx, search.Config{Logger: log, Store: storeCfg})
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	log.Info("connected to document store", "version", client.Version())

	srv, err := newServer(ctx, log, client, storeCfg, srvCfg, serverOptions{
		discoverFields:     *discoverFieldsFlag,
		metricsConcurrency: *metricsConcurrencyFlag,
		processRate:        rate.Every(time.Minute / time.Duration(max(*processRateFlag, 1))),
		processBurst:       *processBurstFlag,
		shutdownTimeout:    *shutdownTimeoutFlag,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if srvCfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, log, srvCfg.MetricsAddr) })
	}
	return g.Wait()
}

type serverOptions struct {
	discoverFields     bool
	metricsConcurrency int
	processRate        rate.Limit
	processBurst       int
	shutdownTimeout    time.Duration
}

func newServer(ctx context.Context, log *slog.Logger, client *search.Client, storeCfg config.Store, srvCfg config.Server, opts serverOptions) (*server.Server, error) {
	resolver := dataset.NewResolver(storeCfg.IndexPrefix)
	limits := query.Limits{Default: srvCfg.DefaultLimit, Max: srvCfg.MaxLimit}

	provCfg := provider.Config{Logger: log, Gateway: client, Resolver: resolver, Limits: limits}
	if opts.discoverFields {
		provCfg.Schemas = client
	}
	prov, err := provider.New(provCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	ex, err := explore.New(explore.Config{Logger: log, Gateway: client, Resolver: resolver, Limits: limits})
	if err != nil {
		return nil, fmt.Errorf("failed to create explore process: %w", err)
	}
	mp, err := metricsprocess.New(metricsprocess.Config{Logger: log, Gateway: client, Resolver: resolver, Concurrency: opts.metricsConcurrency})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics process: %w", err)
	}
	vp, err := validate.New(validate.Config{Logger: log, Gateway: client, Resolver: resolver})
	if err != nil {
		return nil, fmt.Errorf("failed to create validate process: %w", err)
	}
	dp, err := distinct.New(distinct.Config{Logger: log, Gateway: client, Resolver: resolver})
	if err != nil {
		return nil, fmt.Errorf("failed to create distinct process: %w", err)
	}

	return server.New(ctx, server.Config{
		Logger:          log,
		ListenAddr:      srvCfg.ListenAddr(),
		ShutdownTimeout: opts.shutdownTimeout,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Collections:     prov,
		Processes: map[string]server.Runner{
			explore.ProcessID:        server.Explore(ex),
			metricsprocess.ProcessID: server.Metrics(mp),
			validate.ProcessID:       server.Validate(vp),
			distinct.ProcessID:       server.Distinct(dp),
		},
		Ready:        client.Ping,
		ProcessRate:  opts.processRate,
		ProcessBurst: opts.processBurst,
	})
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve metrics: %w", err)
		}
	}()
	log.Info("metrics: http listening", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
