// Package static provides cluster configuration from a YAML file instead of
// asking live workers. It suits deployments where routing is fixed at deploy
// time or the control channel is unavailable.
package static

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/celery-exporter/internal/domain/cluster"
)

// worker is the per-worker section of the snapshot file.
type worker struct {
	cluster.WorkerConfig `yaml:",inline"`
	Registered           []string `yaml:"registered,omitempty"`
}

// file is the top-level layout of the snapshot file:
//
//	workers:
//	  celery@host1:
//	    task_default_queue: default
//	    task_routes:
//	      "billing.*": {queue: billing}
//	    registered: [billing.charge, reports.daily]
type file struct {
	Workers map[string]worker `yaml:"workers"`
}

var _ cluster.SnapshotProvider = (*Provider)(nil)

// Provider reads a cluster snapshot from a YAML file. The file is read on
// every call so edits are picked up at the next route refresh.
type Provider struct {
	path string
}

// NewProvider creates a Provider for the file at path.
func NewProvider(path string) *Provider { return &Provider{path: path} }

// Snapshot reads and parses the snapshot file. Failures wrap
// cluster.ErrUnavailable.
func (p *Provider) Snapshot(ctx context.Context) (cluster.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Snapshot{}, err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return cluster.Snapshot{}, fmt.Errorf("%w: reading %s: %w", cluster.ErrUnavailable, p.path, err)
	}
	return Parse(data)
}

// Parse decodes snapshot file contents.
func Parse(data []byte) (cluster.Snapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cluster.Snapshot{}, fmt.Errorf("%w: parsing snapshot: %w", cluster.ErrUnavailable, err)
	}

	snap := cluster.Snapshot{
		Configs:    make(map[string]cluster.WorkerConfig, len(f.Workers)),
		Registered: make(map[string][]string, len(f.Workers)),
	}
	for name, w := range f.Workers {
		if name == "" {
			return cluster.Snapshot{}, fmt.Errorf("%w: %w", cluster.ErrUnavailable, errEmptyWorker)
		}
		snap.Configs[name] = w.WorkerConfig
		if len(w.Registered) > 0 {
			snap.Registered[name] = w.Registered
		}
	}
	return snap, nil
}

var errEmptyWorker = errors.New("worker with empty name")
