// Package config loads the supervisor's settings from environment variables,
// an optional YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/psantana5/spotguard/pkg/storage"
)

// ErrMissing marks a required setting that was not provided.
var ErrMissing = errors.New("required setting missing")

// Defaults
const (
	DefaultIterations       = 100
	DefaultSyncInterval     = 300 * time.Second
	DefaultGracePeriod      = 90 * time.Second
	DefaultPollInterval     = time.Second
	DefaultAPIKeyEnv        = "OPENAI_API_KEY"
	DefaultWorkDir          = "/tmp/spotguard"
	DefaultWorkerCommand    = "openevolve-run"
	DefaultProgramFile      = "initial_program.py"
	DefaultEvaluatorFile    = "evaluator.py"
	DefaultWorkerConfigFile = "config.yaml"
	DefaultCheckpointMarker = "metadata.json"
	DefaultMetricsRateLimit = 5.0
	DefaultMetricsRateBurst = 20
)

// DefaultExcludes are transient files never worth persisting.
var DefaultExcludes = []string{"*.tmp", "*.temp", "*.swp", "*.partial", "**/__pycache__/**"}

// Config is the fully resolved supervisor configuration.
type Config struct {
	JobID   string
	Attempt int

	InputURI  string
	OutputURI string

	APIKeyEnv string
	APIKey    string

	Iterations int
	WorkDir    string

	WorkerCommand    []string
	ProgramFile      string
	EvaluatorFile    string
	WorkerConfigFile string
	CheckpointMarker string

	SyncInterval time.Duration
	GracePeriod  time.Duration
	PollInterval time.Duration
	Excludes     []string

	// Exit status used when the shutdown protocol ran, per triggering signal.
	SigtermExitCode int
	SigintExitCode  int

	AWSBinary     string
	S3EndpointURL string
	S3ExtraArgs   []string

	MetricsAddr  string
	OTLPEndpoint string

	// Optional protection for the status server.
	MetricsToken       string
	MetricsTokenHash   string
	MetricsTLSCert     string
	MetricsTLSKey      string
	MetricsTLSClientCA string
	// Create a self-signed pair at the cert/key paths when they are absent.
	MetricsTLSGenerate bool
	// Requests per second and burst allowed per client address; 0 disables.
	MetricsRateLimit float64
	MetricsRateBurst int

	LogLevel  string
	LogFormat string

	Constraints Constraints
}

// Constraints are optional OS-level limits applied to the worker.
type Constraints struct {
	Nice        int
	OOMScoreAdj int
	CPUWeight   int
	MemoryMaxMB int64
}

// env maps configuration keys to the environment variables they are read from.
var env = map[string][]string{
	"job_id":                 {"JOB_ID"},
	"attempt":                {"JOB_ATTEMPT"},
	"input_uri":              {"INPUT_URI"},
	"output_uri":             {"OUTPUT_URI"},
	"api_key_env":            {"SPOTGUARD_API_KEY_ENV"},
	"iterations":             {"ITERATIONS"},
	"workdir":                {"SPOTGUARD_WORKDIR"},
	"worker_command":         {"WORKER_COMMAND"},
	"program_file":           {"PROGRAM_FILE"},
	"evaluator_file":         {"EVALUATOR_FILE"},
	"worker_config_file":     {"WORKER_CONFIG_FILE"},
	"checkpoint_marker":      {"CHECKPOINT_MARKER"},
	"sync_interval":          {"SYNC_INTERVAL"},
	"grace_period":           {"GRACE_PERIOD"},
	"poll_interval":          {"POLL_INTERVAL"},
	"excludes":               {"SYNC_EXCLUDES"},
	"sigterm_exit_code":      {"SIGTERM_EXIT_CODE"},
	"sigint_exit_code":       {"SIGINT_EXIT_CODE"},
	"aws_binary":             {"AWS_CLI"},
	"s3_endpoint_url":        {"S3_ENDPOINT_URL"},
	"s3_extra_args":          {"S3_EXTRA_ARGS"},
	"metrics_addr":           {"METRICS_ADDR"},
	"metrics_token":          {"METRICS_TOKEN"},
	"metrics_token_hash":     {"METRICS_TOKEN_HASH"},
	"metrics_tls_cert":       {"METRICS_TLS_CERT"},
	"metrics_tls_key":        {"METRICS_TLS_KEY"},
	"metrics_tls_client_ca":  {"METRICS_TLS_CLIENT_CA"},
	"metrics_tls_generate":   {"METRICS_TLS_GENERATE"},
	"metrics_rate_limit":     {"METRICS_RATE_LIMIT"},
	"metrics_rate_burst":     {"METRICS_RATE_BURST"},
	"otlp_endpoint":          {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"log_level":              {"LOG_LEVEL"},
	"log_format":             {"LOG_FORMAT"},
	"constraints.nice":       {"WORKER_NICE"},
	"constraints.oom_score":  {"WORKER_OOM_SCORE_ADJ"},
	"constraints.cpu_weight": {"WORKER_CPU_WEIGHT"},
	"constraints.memory_max": {"WORKER_MEMORY_MAX_MB"},
}

// Bind registers defaults and environment bindings on v.
func Bind(v *viper.Viper) {
	v.SetDefault("attempt", 0)
	v.SetDefault("api_key_env", DefaultAPIKeyEnv)
	v.SetDefault("iterations", DefaultIterations)
	v.SetDefault("workdir", DefaultWorkDir)
	v.SetDefault("worker_command", DefaultWorkerCommand)
	v.SetDefault("program_file", DefaultProgramFile)
	v.SetDefault("evaluator_file", DefaultEvaluatorFile)
	v.SetDefault("worker_config_file", DefaultWorkerConfigFile)
	v.SetDefault("checkpoint_marker", DefaultCheckpointMarker)
	v.SetDefault("sync_interval", DefaultSyncInterval.String())
	v.SetDefault("grace_period", DefaultGracePeriod.String())
	v.SetDefault("poll_interval", DefaultPollInterval.String())
	v.SetDefault("excludes", DefaultExcludes)
	v.SetDefault("sigterm_exit_code", 0)
	v.SetDefault("sigint_exit_code", 0)
	v.SetDefault("aws_binary", "aws")
	v.SetDefault("metrics_rate_limit", DefaultMetricsRateLimit)
	v.SetDefault("metrics_rate_burst", DefaultMetricsRateBurst)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	for key, names := range env {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// Load resolves a Config from v. It does not validate; call Validate.
func Load(v *viper.Viper) (*Config, error) {
	var errs []error

	duration := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key string) int {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		}
		return n
	}
	number := func(key string) float64 {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return 0
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", key, raw))
		}
		return f
	}

	cfg := &Config{
		JobID:            v.GetString("job_id"),
		Attempt:          integer("attempt"),
		InputURI:         strings.TrimSpace(v.GetString("input_uri")),
		OutputURI:        strings.TrimSpace(v.GetString("output_uri")),
		APIKeyEnv:        v.GetString("api_key_env"),
		Iterations:       integer("iterations"),
		WorkDir:          v.GetString("workdir"),
		WorkerCommand:    stringList(v.Get("worker_command"), strings.Fields),
		ProgramFile:      v.GetString("program_file"),
		EvaluatorFile:    v.GetString("evaluator_file"),
		WorkerConfigFile: v.GetString("worker_config_file"),
		CheckpointMarker: v.GetString("checkpoint_marker"),
		SyncInterval:     duration("sync_interval"),
		GracePeriod:      duration("grace_period"),
		PollInterval:     duration("poll_interval"),
		Excludes:         stringList(v.Get("excludes"), splitComma),
		SigtermExitCode:  integer("sigterm_exit_code"),
		SigintExitCode:   integer("sigint_exit_code"),
		AWSBinary:        v.GetString("aws_binary"),
		S3EndpointURL:    v.GetString("s3_endpoint_url"),
		S3ExtraArgs:      stringList(v.Get("s3_extra_args"), strings.Fields),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTLPEndpoint:     v.GetString("otlp_endpoint"),

		MetricsToken:       v.GetString("metrics_token"),
		MetricsTokenHash:   v.GetString("metrics_token_hash"),
		MetricsTLSCert:     v.GetString("metrics_tls_cert"),
		MetricsTLSKey:      v.GetString("metrics_tls_key"),
		MetricsTLSClientCA: v.GetString("metrics_tls_client_ca"),
		MetricsTLSGenerate: v.GetBool("metrics_tls_generate"),
		MetricsRateLimit:   number("metrics_rate_limit"),
		MetricsRateBurst:   integer("metrics_rate_burst"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
		Constraints: Constraints{
			Nice:        integer("constraints.nice"),
			OOMScoreAdj: integer("constraints.oom_score"),
			CPUWeight:   integer("constraints.cpu_weight"),
			MemoryMaxMB: int64(integer("constraints.memory_max")),
		},
	}

	if cfg.APIKeyEnv != "" {
		_ = v.BindEnv("api_key", cfg.APIKeyEnv)
		cfg.APIKey = v.GetString("api_key")
	}
	if cfg.JobID == "" {
		cfg.JobID = "job-" + uuid.NewString()
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate returns every problem with cfg joined into one error. Missing
// required settings wrap ErrMissing.
func (c *Config) Validate() error {
	var errs []error

	missing := func(name, envName string) {
		errs = append(errs, fmt.Errorf("%s (%s): %w", name, envName, ErrMissing))
	}

	if c.InputURI == "" {
		missing("input location", "INPUT_URI")
	} else if err := storage.ValidateURI(c.InputURI); err != nil {
		errs = append(errs, fmt.Errorf("input location: %w", err))
	}
	if c.OutputURI == "" {
		missing("output location", "OUTPUT_URI")
	} else if err := storage.ValidateURI(c.OutputURI); err != nil {
		errs = append(errs, fmt.Errorf("output location: %w", err))
	}
	if c.APIKey == "" {
		missing("inference service credential", c.APIKeyEnv)
	}
	if len(c.WorkerCommand) == 0 {
		missing("worker command", "WORKER_COMMAND")
	}
	if c.ProgramFile == "" || c.EvaluatorFile == "" {
		errs = append(errs, errors.New("program and evaluator file names must not be empty"))
	}
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", c.Iterations))
	}
	if c.Attempt < 0 {
		errs = append(errs, fmt.Errorf("attempt must not be negative, got %d", c.Attempt))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace period must be positive, got %s", c.GracePeriod))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("workdir must not be empty"))
	}
	if (c.MetricsTLSCert == "") != (c.MetricsTLSKey == "") {
		errs = append(errs, errors.New("metrics TLS needs both a certificate and a key"))
	}
	if c.MetricsTLSClientCA != "" && c.MetricsTLSCert == "" {
		errs = append(errs, errors.New("metrics client CA requires metrics TLS"))
	}
	if c.MetricsTLSGenerate && c.MetricsTLSCert == "" {
		errs = append(errs, errors.New("generating a metrics certificate needs the cert and key paths"))
	}
	if c.MetricsRateLimit < 0 || c.MetricsRateBurst < 0 {
		errs = append(errs, errors.New("metrics rate limit and burst must not be negative"))
	} else if c.MetricsRateLimit > 0 && c.MetricsRateBurst == 0 {
		errs = append(errs, errors.New("metrics rate burst must be positive when a rate limit is set"))
	}

	return errors.Join(errs...)
}

// ParseDuration accepts Go duration strings ("90s", "5m") and bare integers,
// which are read as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stringList normalizes a value that may come from YAML (a list) or from the
// environment (a single string).
func stringList(raw interface{}, split func(string) []string) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return split(v)
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return split(fmt.Sprint(v))
	}
}
