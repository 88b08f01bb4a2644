package filestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/XavTo/OpenHands-Fork/internal/observability"
)

// Local stores objects as plain files under a root directory.
//
// Writes are atomic: content is staged to a temporary file in the target
// directory, synced, then renamed over the final path. Readers never observe
// a partially written object.
type Local struct {
	root    string
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// NewLocal creates a local backend rooted at dir. The directory must already
// exist (the configuration resolver ensures it).
func NewLocal(dir string, logger *slog.Logger, metrics *observability.MetricsCollector) (*Local, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filestore: root %s is not a directory", dir)
	}
	return &Local{root: dir, logger: logger, metrics: metrics}, nil
}

// resolve maps a logical object path to an on-disk path, confined to the
// store root. Traversal sequences in the input cannot escape it.
func (l *Local) resolve(path string) (string, error) {
	full, err := securejoin.SecureJoin(l.root, path)
	if err != nil {
		return "", fmt.Errorf("filestore: resolving %s: %w", path, err)
	}
	return full, nil
}

func (l *Local) Get(_ context.Context, path string) (data []byte, err error) {
	defer func() { record(l.metrics, "local", "get", err) }()

	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", path, err)
	}
	return data, nil
}

func (l *Local) Put(_ context.Context, path string, data []byte) (err error) {
	defer func() { record(l.metrics, "local", "put", err) }()

	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err = os.Rename(tmp.Name(), full); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// List returns the immediate children of prefix, sorted. Directories carry a
// trailing slash. A missing prefix yields an empty list, not an error.
func (l *Local) List(_ context.Context, prefix string) (names []string, err error) {
	defer func() { record(l.metrics, "local", "list", err) }()

	full, err := l.resolve(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: listing %s: %w", prefix, err)
	}

	base := strings.TrimSuffix(prefix, "/")
	for _, e := range entries {
		name := e.Name()
		if base != "" && base != "." {
			name = base + "/" + name
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the object or subtree at path. Deleting a missing path is a
// no-op so teardown can run against partially built state.
func (l *Local) Delete(_ context.Context, path string) (err error) {
	defer func() { record(l.metrics, "local", "delete", err) }()

	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if full == l.root {
		return fmt.Errorf("filestore: refusing to delete store root")
	}
	if err = os.RemoveAll(full); err != nil {
		return fmt.Errorf("filestore: deleting %s: %w", path, err)
	}
	return nil
}
