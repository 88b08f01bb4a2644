// Package filestore persists session artifacts behind a uniform path-keyed
// interface. Two backends exist: a local directory tree with atomic writes,
// and a remote HTTP object store with a bounded retry schedule.
package filestore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/XavTo/OpenHands-Fork/internal/config"
	"github.com/XavTo/OpenHands-Fork/internal/observability"
)

// Store is the path-keyed object interface shared by both backends.
// Paths use forward slashes regardless of platform. Empty content is a valid
// object: Put("x", nil) followed by Get("x") returns an empty byte slice, not
// an error.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
}

// New builds the backend selected by the resolved configuration.
func New(cfg *config.RuntimeConfig, logger *slog.Logger, metrics *observability.MetricsCollector) (Store, error) {
	switch cfg.FileStore {
	case config.StoreLocal:
		return NewLocal(cfg.FileStorePath, logger, metrics)
	case config.StoreRemote:
		return NewRemote(cfg.FileStoreURL, logger, metrics), nil
	default:
		return nil, fmt.Errorf("filestore: unknown backend %q", cfg.FileStore)
	}
}

// record bumps the per-operation counter when a metrics collector is wired.
func record(m *observability.MetricsCollector, backend, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(backend, op, status).Inc()
}
