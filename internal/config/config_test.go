package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/celery-exporter/internal/config"
)

func load(t *testing.T, file string, args ...string) (*config.Config, error) {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := config.New()
	require.NoError(t, config.BindFlags(v, fs))
	return config.Load(v, file, fs)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, []string{"celery.events"}, cfg.Broker.Topics)
	assert.Equal(t, "celery-exporter", cfg.Broker.GroupID)
	assert.Equal(t, time.Second, cfg.Broker.ReplyTimeout)
	assert.Equal(t, "0.0.0.0:9540", cfg.ListenAddress)
	assert.Equal(t, 10000, cfg.MaxTasks)
	assert.Equal(t, "celery", cfg.Namespace)
	assert.Equal(t, "celery", cfg.DefaultQueue)
	assert.False(t, cfg.EnableEvents)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.Liveness.Interval)
	assert.Equal(t, 5*time.Second, cfg.Liveness.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Buckets.Runtime)
	assert.Empty(t, cfg.Telemetry.Endpoint)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := load(t, "",
		"--broker", "k1:9092,k2:9092",
		"--max-tasks", "50",
		"--namespace", "prod",
		"--queue", "default",
		"--enable-events",
		"--retry-interval", "2s",
		"--runtime-buckets", "0.5,1,5",
		"--listen-address", "127.0.0.1:9999",
		"-v",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, 50, cfg.MaxTasks)
	assert.Equal(t, "prod", cfg.Namespace)
	assert.Equal(t, "default", cfg.DefaultQueue)
	assert.True(t, cfg.EnableEvents)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
	assert.Equal(t, []float64{0.5, 1, 5}, cfg.Buckets.Runtime)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: from-file
max_tasks: 20
broker:
  topics: [events.a, events.b]
liveness:
  timeout: 3s
`), 0o600))

	t.Setenv("CELERY_EXPORTER_NAMESPACE", "from-env")
	t.Setenv("CELERY_EXPORTER_MAX_TASKS", "30")

	cfg, err := load(t, path, "--max-tasks", "40")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, 40, cfg.MaxTasks)
	assert.Equal(t, []string{"events.a", "events.b"}, cfg.Broker.Topics)
	assert.Equal(t, 3*time.Second, cfg.Liveness.Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(t, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "zero capacity", args: []string{"--max-tasks=0"}, wantErr: "MaxTasks"},
		{name: "bad listen address", args: []string{"--listen-address", "nowhere"}, wantErr: "ListenAddress"},
		{name: "unsorted buckets", args: []string{"--latency-buckets", "1,0.5"}, wantErr: "Latency"},
		{name: "duplicate buckets", args: []string{"--runtime-buckets", "1,1"}, wantErr: "Runtime"},
		{name: "bad log level", args: []string{"--log-level", "loud"}, wantErr: "Level"},
		{name: "cert without key", args: []string{"--broker-ssl-cert", "/tmp/cert.pem"}, wantErr: "Key"},
		{name: "bad timezone", args: []string{"--tz", "Mars/Olympus"}, wantErr: "TZ"},
		{name: "zero retry interval", args: []string{"--retry-interval", "0s"}, wantErr: "RetryInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
