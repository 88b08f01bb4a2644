package filestore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get and Delete when no object exists at the path.
var ErrNotFound = errors.New("filestore: object not found")

// WriteError reports a failed write to the local backend. The path names the
// logical object, not the temporary file it was staged through.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("filestore: writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StoreUnavailableError reports that the remote backend stayed unreachable
// after the full retry schedule.
type StoreUnavailableError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("filestore: %s unavailable after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
