package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// ConnectWithRetry attempts to establish a connection to Kafka with exponential backoff,
// starting with 5 second intervals. It keeps retrying until it connects or ctx is done,
// in which case ctx.Err() is returned.
func ConnectWithRetry(ctx context.Context, cfg *Config, log *logger.Logger) (sarama.Client, error) {
	return connectWithRetry(ctx, cfg, log, NewClient)
}

// newConnectBackOff never gives up on its own; only ctx ends the retries.
func newConnectBackOff() *backoff.ExponentialBackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 0
	expBackoff.InitialInterval = 5 * time.Second
	return expBackoff
}

func connectWithRetry(
	ctx context.Context,
	cfg *Config,
	log *logger.Logger,
	dial func(*Config) (sarama.Client, error),
) (sarama.Client, error) {
	var client sarama.Client
	expBackoff := newConnectBackOff()

	operation := func() error {
		var err error
		client, err = dial(cfg)
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn(ctx, "Failed to connect to Kafka, will retry",
			"brokers", cfg.Brokers,
			"error", err,
			"retry_in", wait,
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}

	return client, nil
}
