package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/spotguard/internal/config"
	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/supervisor"
	"github.com/psantana5/spotguard/pkg/auth"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/ratelimit"
	"github.com/psantana5/spotguard/pkg/shutdown"
	"github.com/psantana5/spotguard/pkg/storage"
	tlsutil "github.com/psantana5/spotguard/pkg/tls"
	"github.com/psantana5/spotguard/pkg/tracing"
)

// hookTimeout bounds the cleanup hooks run after the attempt has ended.
const hookTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- <worker command> [args...]]",
	Short: "Supervise one attempt of a job",
	Long: `Run executes one attempt: stage inputs, resume from the newest complete
checkpoint when retrying, run the worker with a periodic background sync, and
on SIGTERM or SIGINT stop the worker within the grace period and sync once more.

Only checkpoints holding the completion marker are resumed from. The marker is
metadata.json by default and is set with CHECKPOINT_MARKER; a worker that never
writes it makes every retry start fresh. An empty marker accepts any non-empty
checkpoint directory. Use "spotguard checkpoints" to see what a retry would pick.

The process exits with the worker's own exit code when it finishes by itself,
with the configured interrupt code when the shutdown protocol ran, with 78 on
configuration errors and with 1 when the supervisor itself failed.

Example:
  spotguard run --job-id job123 --attempt 1 \
    --input s3://bucket/jobs/job123/input --output s3://bucket/jobs/job123/output
  spotguard run --input ./in --output ./out -- python -m openevolve.cli`,
	RunE: runAttempt,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("job-id", "", "job identifier (env JOB_ID)")
	flags.Int("attempt", 0, "attempt number assigned by the scheduler, 0 for the first (env JOB_ATTEMPT)")
	flags.String("input", "", "input location, s3:// prefix or local path (env INPUT_URI)")
	flags.String("output", "", "output location, s3:// prefix or local path (env OUTPUT_URI)")
	flags.String("workdir", "", "local workspace root (env SPOTGUARD_WORKDIR)")
	flags.Int("iterations", 0, "iterations to request from the worker (env ITERATIONS)")
	flags.String("sync-interval", "", "period between background syncs (env SYNC_INTERVAL)")
	flags.String("grace-period", "", "time the worker gets to exit after SIGTERM (env GRACE_PERIOD)")
	flags.String("metrics-addr", "", "serve /metrics, /healthz and /status on this address (env METRICS_ADDR)")

	for key, flag := range map[string]string{
		"job_id":        "job-id",
		"attempt":       "attempt",
		"input_uri":     "input",
		"output_uri":    "output",
		"workdir":       "workdir",
		"iterations":    "iterations",
		"sync_interval": "sync-interval",
		"grace_period":  "grace-period",
		"metrics_addr":  "metrics-addr",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func runAttempt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	if len(args) > 0 {
		cfg.WorkerCommand = args
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	exitCode = supervise(cmd.Context(), cfg)
	return nil
}

func supervise(ctx context.Context, cfg *config.Config) int {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg)
	shut := shutdown.New(hookTimeout, logger)
	defer shut.Shutdown()

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "spotguard",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Attributes: map[string]string{
			"job.id":      cfg.JobID,
			"job.attempt": strconv.Itoa(cfg.Attempt),
		},
	})
	if err != nil {
		logger.Warn("tracing disabled", logging.Fields{"error": err})
		tracer = tracing.Noop()
	}
	shut.Register("tracer", tracer.Shutdown)

	metrics := report.NewMetrics()
	store := storage.NewRouter(storage.NewS3CLI(cfg.AWSBinary, cfg.S3EndpointURL, cfg.S3ExtraArgs))

	sup, err := supervisor.New(supervisor.Options{
		Config:  cfg,
		Store:   store,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("supervisor not created", logging.Fields{"error": err})
		return supervisor.ExitInternal
	}

	// From here on SIGTERM and SIGINT start the shutdown protocol instead of
	// killing the process.
	shut.Forward(sup)
	defer shut.Stop()

	if cfg.MetricsAddr != "" {
		if err := startStatusServer(cfg, metrics, sup, logger, shut); err != nil {
			logger.Warn("status server not started", logging.Fields{"addr": cfg.MetricsAddr, "error": err})
		}
	}

	return sup.Run(ctx)
}

// startStatusServer serves /metrics, /healthz and /status. Failing to serve
// them never stops the attempt.
func startStatusServer(cfg *config.Config, metrics *report.Metrics, sup *supervisor.Supervisor, logger *logging.Logger, shut *shutdown.Manager) error {
	srv := report.NewServer(cfg.MetricsAddr, metrics, sup.Status, logger)

	verifier, err := auth.NewVerifier(cfg.MetricsToken, cfg.MetricsTokenHash)
	switch {
	case err == nil:
		srv.WithAuth(verifier)
	case !errors.Is(err, auth.ErrNoToken):
		return fmt.Errorf("metrics token: %w", err)
	}

	if cfg.MetricsRateLimit > 0 {
		srv.WithRateLimit(ratelimit.NewLimiter(cfg.MetricsRateLimit, cfg.MetricsRateBurst))
	}

	if cfg.MetricsTLSCert != "" {
		if cfg.MetricsTLSGenerate {
			created, err := tlsutil.EnsureCert(cfg.MetricsTLSCert, cfg.MetricsTLSKey, "spotguard", metricsHost(cfg.MetricsAddr))
			if err != nil {
				return fmt.Errorf("metrics certificate: %w", err)
			}
			if created {
				logger.Info("generated self-signed status certificate", logging.Fields{"cert": cfg.MetricsTLSCert})
			}
		}
		tlsConfig, err := tlsutil.LoadTLSConfig(cfg.MetricsTLSCert, cfg.MetricsTLSKey, cfg.MetricsTLSClientCA)
		if err != nil {
			return err
		}
		srv.WithTLS(tlsConfig)
	}

	if err := srv.Start(); err != nil {
		return err
	}
	shut.Register("http", shutdown.StopHTTPServer(srv))
	return nil
}

// metricsHost is the host part of a listen address, empty for wildcards.
func metricsHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "0.0.0.0" || host == "::" {
		return ""
	}
	return host
}
