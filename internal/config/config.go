// Package config loads the exporter's configuration from defaults, an
// optional YAML file, CELERY_EXPORTER_* environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// CELERY_EXPORTER_BROKER_BROKERS or CELERY_EXPORTER_MAX_TASKS.
const EnvPrefix = "CELERY_EXPORTER"

// Config is the exporter's complete configuration.
type Config struct {
	Broker        BrokerConfig    `mapstructure:"broker"`
	ListenAddress string          `mapstructure:"listen_address" validate:"required,hostname_port"`
	MaxTasks      int             `mapstructure:"max_tasks" validate:"gte=1"`
	Namespace     string          `mapstructure:"namespace" validate:"required"`
	DefaultQueue  string          `mapstructure:"default_queue" validate:"required"`
	EnableEvents  bool            `mapstructure:"enable_events"`
	RetryInterval time.Duration   `mapstructure:"retry_interval" validate:"gt=0"`
	Liveness      LivenessConfig  `mapstructure:"liveness"`
	Buckets       BucketsConfig   `mapstructure:"buckets"`
	Cluster       ClusterConfig   `mapstructure:"cluster"`
	Log           LogConfig       `mapstructure:"log"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry"`
	TZ            string          `mapstructure:"tz" validate:"omitempty,timezone"`
}

// BrokerConfig locates the Kafka cluster and the topics the workers use.
type BrokerConfig struct {
	Brokers      []string      `mapstructure:"brokers" validate:"required,min=1,dive,required"`
	GroupID      string        `mapstructure:"group_id" validate:"required"`
	ClientID     string        `mapstructure:"client_id"`
	Topics       []string      `mapstructure:"topics" validate:"required,min=1,dive,required"`
	ControlTopic string        `mapstructure:"control_topic" validate:"required"`
	ReplyTopic   string        `mapstructure:"reply_topic" validate:"required"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" validate:"gt=0"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig holds broker TLS material.
type TLSConfig struct {
	Enable             bool   `mapstructure:"enable"`
	CA                 string `mapstructure:"ca" validate:"omitempty,file"`
	Cert               string `mapstructure:"cert" validate:"required_with=Key"`
	Key                string `mapstructure:"key" validate:"required_with=Cert"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// LivenessConfig controls the worker liveness probe.
type LivenessConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// BucketsConfig overrides histogram bucket boundaries. Empty keeps the
// Prometheus defaults.
type BucketsConfig struct {
	Runtime []float64 `mapstructure:"runtime" validate:"omitempty,increasing"`
	Latency []float64 `mapstructure:"latency" validate:"omitempty,increasing"`
}

// ClusterConfig selects where routing configuration comes from.
type ClusterConfig struct {
	// SnapshotFile, when set, is a YAML file used instead of asking workers.
	SnapshotFile string `mapstructure:"snapshot_file" validate:"omitempty,file"`
}

// LogConfig controls the exporter's own logging.
type LogConfig struct {
	Level string        `mapstructure:"level" validate:"oneof=debug info warn error"`
	File  LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetryConfig configures OTLP export of the exporter's own traces and
// metrics. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.group_id", "celery-exporter")
	v.SetDefault("broker.client_id", "")
	v.SetDefault("broker.topics", []string{"celery.events"})
	v.SetDefault("broker.control_topic", "celery.control")
	v.SetDefault("broker.reply_topic", "celery.reply")
	v.SetDefault("broker.reply_timeout", time.Second)
	v.SetDefault("broker.tls.enable", false)
	v.SetDefault("broker.tls.ca", "")
	v.SetDefault("broker.tls.cert", "")
	v.SetDefault("broker.tls.key", "")
	v.SetDefault("broker.tls.insecure_skip_verify", false)
	v.SetDefault("listen_address", "0.0.0.0:9540")
	v.SetDefault("max_tasks", 10000)
	v.SetDefault("namespace", "celery")
	v.SetDefault("default_queue", "celery")
	v.SetDefault("enable_events", false)
	v.SetDefault("retry_interval", 5*time.Second)
	v.SetDefault("liveness.interval", 5*time.Second)
	v.SetDefault("liveness.timeout", 5*time.Second)
	v.SetDefault("cluster.snapshot_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 28)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("tz", "")
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"broker":                 "broker.brokers",
	"group-id":               "broker.group_id",
	"client-id":              "broker.client_id",
	"topic":                  "broker.topics",
	"control-topic":          "broker.control_topic",
	"reply-topic":            "broker.reply_topic",
	"broker-ssl":             "broker.tls.enable",
	"broker-ssl-ca":          "broker.tls.ca",
	"broker-ssl-cert":        "broker.tls.cert",
	"broker-ssl-key":         "broker.tls.key",
	"broker-ssl-skip-verify": "broker.tls.insecure_skip_verify",
	"listen-address":         "listen_address",
	"max-tasks":              "max_tasks",
	"namespace":              "namespace",
	"queue":                  "default_queue",
	"enable-events":          "enable_events",
	"retry-interval":         "retry_interval",
	"liveness-interval":      "liveness.interval",
	"liveness-timeout":       "liveness.timeout",
	"runtime-buckets":        "buckets.runtime",
	"latency-buckets":        "buckets.latency",
	"cluster-snapshot-file":  "cluster.snapshot_file",
	"log-level":              "log.level",
	"log-file":               "log.file.path",
	"telemetry-endpoint":     "telemetry.endpoint",
	"telemetry-insecure":     "telemetry.insecure",
	"tz":                     "tz",
}

// RegisterFlags adds the exporter's flags to fs. Flag defaults are zero
// values; the effective defaults live in SetDefaults so that unset flags do
// not shadow the file or the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("broker", nil, "Kafka broker addresses (host:port)")
	fs.String("group-id", "", "consumer group reading task events")
	fs.String("client-id", "", "Kafka client id")
	fs.StringSlice("topic", nil, "topics carrying task events")
	fs.String("control-topic", "", "topic for broadcast requests to workers")
	fs.String("reply-topic", "", "topic workers answer broadcasts on")
	fs.Bool("broker-ssl", false, "enable TLS towards the brokers")
	fs.String("broker-ssl-ca", "", "CA certificate file")
	fs.String("broker-ssl-cert", "", "client certificate file")
	fs.String("broker-ssl-key", "", "client key file")
	fs.Bool("broker-ssl-skip-verify", false, "skip broker certificate verification")
	fs.String("listen-address", "", "address to serve metrics on (default 0.0.0.0:9540)")
	fs.Int("max-tasks", 0, "maximum number of in-flight tasks tracked (default 10000)")
	fs.String("namespace", "", "value of the namespace label (default celery)")
	fs.String("queue", "", "queue assumed for tasks without a route (default celery)")
	fs.Bool("enable-events", false, "periodically ask workers to send task events")
	fs.Duration("retry-interval", 0, "wait between event stream reconnects (default 5s)")
	fs.Duration("liveness-interval", 0, "interval between worker pings (default 5s)")
	fs.Duration("liveness-timeout", 0, "reply window for a worker ping (default 5s)")
	fs.StringSlice("runtime-buckets", nil, "runtime histogram buckets in seconds")
	fs.StringSlice("latency-buckets", nil, "latency histogram buckets in seconds")
	fs.String("cluster-snapshot-file", "", "YAML file with worker routing, used instead of asking workers")
	fs.String("log-level", "", "log level: debug, info, warn or error (default info)")
	fs.String("log-file", "", "also write logs to this rotating file")
	fs.String("telemetry-endpoint", "", "OTLP gRPC endpoint for the exporter's own traces and metrics")
	fs.Bool("telemetry-insecure", false, "disable TLS towards the OTLP endpoint")
	fs.String("tz", "", "timezone used when rendering local times")
	fs.BoolP("verbose", "v", false, "shorthand for --log-level=debug")
}

// BindFlags binds the flags registered by RegisterFlags to their keys.
// Only flags the user actually set take precedence over other sources.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag %q is not registered", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return nil
}

// New creates a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file, unmarshals v into a Config and
// validates it. fs may be nil; when it carries --verbose the log level is
// forced to debug.
func Load(v *viper.Viper, configFile string, fs *pflag.FlagSet) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if fs != nil {
		if verbose, err := fs.GetBool("verbose"); err == nil && verbose {
			cfg.Log.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, returning every violation at once.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("increasing", validateIncreasing); err != nil {
		return err
	}

	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// validateIncreasing accepts float slices that are strictly increasing, the
// requirement Prometheus places on histogram buckets.
func validateIncreasing(fl validator.FieldLevel) bool {
	buckets, ok := fl.Field().Interface().([]float64)
	if !ok {
		return false
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			return false
		}
	}
	return true
}
