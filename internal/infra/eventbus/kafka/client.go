// Package kafka connects the exporter to a Kafka cluster that carries the
// workers' task events and a broadcast/reply control channel.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
)

// DefaultReplyTimeout bounds how long a control broadcast waits for replies
// when the caller supplies no timeout of its own.
const DefaultReplyTimeout = time.Second

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// GroupID identifies the consumer group reading task events.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// Topics carry the task events.
	Topics []string
	// ControlTopic receives broadcast requests addressed to every worker.
	ControlTopic string
	// ReplyTopic is where workers answer broadcasts.
	ReplyTopic string
	// ReplyTimeout is the reply window used by Snapshot.
	ReplyTimeout time.Duration

	TLS TLSConfig
}

// TLSConfig enables TLS towards the brokers. Certificate and key are both
// required for client authentication; CA alone only verifies the brokers.
type TLSConfig struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// NewClient creates and configures a Kafka client with the provided settings.
// The same client backs the event consumer group and the control channel.
func NewClient(cfg *Config) (sarama.Client, error) {
	config, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	return sarama.NewClient(cfg.Brokers, config)
}

func newSaramaConfig(cfg *Config) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	if cfg.TLS.Enable {
		tlsCfg, err := newTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build kafka tls config: %w", err)
		}
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = tlsCfg
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return config, nil
}

func newTLSConfig(c TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA file")
		}
		tlsCfg.RootCAs = pool
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errors.New("client certificate and key must be set together")
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
