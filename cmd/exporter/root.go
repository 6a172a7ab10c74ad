package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/api"
	"github.com/ahrav/celery-exporter/internal/app/monitoring"
	"github.com/ahrav/celery-exporter/internal/app/routing"
	"github.com/ahrav/celery-exporter/internal/config"
	"github.com/ahrav/celery-exporter/internal/domain/cluster"
	"github.com/ahrav/celery-exporter/internal/domain/task"
	"github.com/ahrav/celery-exporter/internal/infra/cluster/static"
	"github.com/ahrav/celery-exporter/internal/infra/eventbus/kafka"
	"github.com/ahrav/celery-exporter/internal/infra/metrics/prometheus"
	"github.com/ahrav/celery-exporter/internal/infra/state/memory"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
	"github.com/ahrav/celery-exporter/pkg/common/otel"
)

const serviceName = "celery-exporter"

var version = "dev"

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "celery-exporter",
		Short: "Prometheus exporter for Celery task events",
		Long: `celery-exporter consumes the task events Celery workers publish and
exposes them as Prometheus metrics: task counts per state and queue, runtime
and queueing latency histograms, and the number of live workers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v, configFile, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newLogger(cfg config.LogConfig) *logger.Logger {
	hostname, _ := os.Hostname()

	level, ok := logger.ParseLevel(cfg.Level)
	if !ok {
		level = logger.LevelInfo
	}

	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	out := logger.Output(os.Stdout, logger.FileOutput{
		Path:       cfg.File.Path,
		MaxSizeMB:  cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAgeDays: cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	})

	metadata := map[string]string{
		"hostname": hostname,
		"app":      serviceName,
		"version":  version,
	}
	return logger.NewWithMetadata(out, level, serviceName, otel.GetTraceID, events, metadata)
}

func kafkaConfig(cfg *config.Config) *kafka.Config {
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", serviceName, uuid.NewString()[:8])
	}
	return &kafka.Config{
		Brokers:      cfg.Broker.Brokers,
		GroupID:      cfg.Broker.GroupID,
		ClientID:     clientID,
		Topics:       cfg.Broker.Topics,
		ControlTopic: cfg.Broker.ControlTopic,
		ReplyTopic:   cfg.Broker.ReplyTopic,
		ReplyTimeout: cfg.Broker.ReplyTimeout,
		TLS: kafka.TLSConfig{
			Enable:             cfg.Broker.TLS.Enable,
			CAFile:             cfg.Broker.TLS.CA,
			CertFile:           cfg.Broker.TLS.Cert,
			KeyFile:            cfg.Broker.TLS.Key,
			InsecureSkipVerify: cfg.Broker.TLS.InsecureSkipVerify,
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.TZ != "" {
		loc, err := time.LoadLocation(cfg.TZ)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.TZ, err)
		}
		time.Local = loc
	}

	log := newLogger(cfg.Log)

	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SampleRatio,
		InsecureExporter: cfg.Telemetry.Insecure,
		ResourceAttributes: map[string]string{
			"library.language":   "go",
			"exporter.namespace": cfg.Namespace,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := providers.Tracer.Tracer(serviceName)
	selfMetrics, err := monitoring.NewExporterMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create exporter metrics: %w", err)
	}

	reg := prom.NewRegistry()
	if err := api.RegisterRuntimeCollectors(reg); err != nil {
		return fmt.Errorf("failed to register runtime collectors: %w", err)
	}
	sink, err := prometheus.New(reg, prometheus.Config{
		Namespace:      cfg.Namespace,
		RuntimeBuckets: cfg.Buckets.Runtime,
		LatencyBuckets: cfg.Buckets.Latency,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics sink: %w", err)
	}

	ready := new(pipelineReadiness)
	server := api.NewServer(cfg.ListenAddress, sink.Handler(), ready, log, tracer)

	sup := monitoring.NewSupervisor(log)
	sup.Add("http", server)
	sup.Add("pipeline", monitoring.RunnerFunc(func(ctx context.Context) error {
		return runPipeline(ctx, cfg, sink, selfMetrics, ready, log, tracer)
	}))

	log.Info(ctx, "Starting celery exporter",
		"listen_address", cfg.ListenAddress,
		"namespace", cfg.Namespace,
		"max_tasks", cfg.MaxTasks,
		"enable_events", cfg.EnableEvents,
	)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	log.Info(ctx, "Celery exporter stopped")
	return nil
}

// pipelineReadiness reports ready once the event pipeline exists and its
// series have been initialized.
type pipelineReadiness struct {
	initializer atomic.Pointer[monitoring.SeriesInitializer]
}

func (r *pipelineReadiness) Ready() bool {
	s := r.initializer.Load()
	return s != nil && s.Ready()
}

// runPipeline connects to Kafka, retrying until ctx is done, and then runs
// event ingestion and the worker probes until ctx is done.
func runPipeline(
	ctx context.Context,
	cfg *config.Config,
	sink *prometheus.Sink,
	selfMetrics monitoring.ExporterMetrics,
	ready *pipelineReadiness,
	log *logger.Logger,
	tracer trace.Tracer,
) error {
	kafkaCfg := kafkaConfig(cfg)
	client, err := kafka.ConnectWithRetry(ctx, kafkaCfg, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer client.Close()
	log.Info(ctx, "Connected to Kafka", "brokers", kafkaCfg.Brokers, "client_id", kafkaCfg.ClientID)

	control, err := kafka.NewControlClient(client, kafkaCfg, log, selfMetrics, tracer)
	if err != nil {
		return err
	}

	var provider cluster.SnapshotProvider = control
	if cfg.Cluster.SnapshotFile != "" {
		provider = static.NewProvider(cfg.Cluster.SnapshotFile)
		log.Info(ctx, "Using static cluster snapshot", "path", cfg.Cluster.SnapshotFile)
	}

	store := memory.New(cfg.MaxTasks, memory.WithOnEvict(func(task.Record) {
		selfMetrics.IncTasksEvicted(ctx)
	}))
	resolver := routing.NewResolver(cfg.DefaultQueue)
	aggregator := monitoring.NewAggregator(store, resolver, sink, selfMetrics, log)
	initializer := monitoring.NewSeriesInitializer(resolver, provider, sink, tracer, log)
	ready.initializer.Store(initializer)

	source := kafka.NewEventSource(client, kafkaCfg, log, selfMetrics, tracer)
	ingestion := monitoring.NewIngestionLoop(source, aggregator.Handle, initializer, tracer, log,
		monitoring.WithRetryInterval(cfg.RetryInterval),
		monitoring.WithExporterMetrics(selfMetrics),
	)
	liveness := monitoring.NewLivenessPoller(control, sink, tracer, log,
		monitoring.WithLivenessInterval(cfg.Liveness.Interval),
		monitoring.WithLivenessTimeout(cfg.Liveness.Timeout),
		monitoring.WithLivenessMetrics(selfMetrics),
	)

	sup := monitoring.NewSupervisor(log)
	sup.Add("ingestion", ingestion)
	sup.Add("liveness", liveness)
	if cfg.EnableEvents {
		sup.Add("enable_events", monitoring.NewEnableEventsLoop(control, 0, tracer, log))
	}
	return sup.Run(ctx)
}
