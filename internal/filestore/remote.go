package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/observability"
)

const (
	remoteAttempts   = 3
	remoteBaseDelay  = 500 * time.Millisecond
	remoteMaxDelay   = 5 * time.Second
	remoteHTTPWait   = 30 * time.Second
	remoteMaxPayload = 64 << 20 // 64 MiB response cap
)

// Remote talks to an HTTP object store. Objects live under
// <endpoint>/objects/<path>; GET/PUT/DELETE map directly, and listing uses
// <endpoint>/list?prefix=<prefix>.
//
// Transient failures (connection errors, timeouts, 5xx, 429) are retried up
// to remoteAttempts times with capped exponential backoff. Anything else is
// surfaced on the first attempt.
type Remote struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
}

// NewRemote creates a remote backend against the given endpoint URL.
func NewRemote(endpoint string, logger *slog.Logger, metrics *observability.MetricsCollector) *Remote {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Remote{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: remoteHTTPWait},
		logger:   logger,
		metrics:  metrics,
	}
}

func (r *Remote) objectURL(path string) string {
	// Escape per segment so slashes keep their meaning in the object key.
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return r.endpoint + "/objects/" + strings.Join(segments, "/")
}

func (r *Remote) Get(ctx context.Context, path string) (data []byte, err error) {
	defer func() { record(r.metrics, "remote", "get", err) }()

	err = r.do(ctx, "get", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(path), nil)
	}, func(resp *http.Response) error {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, remoteMaxPayload))
		if readErr != nil {
			return readErr
		}
		data = body
		return nil
	})
	return data, err
}

func (r *Remote) Put(ctx context.Context, path string, data []byte) (err error) {
	defer func() { record(r.metrics, "remote", "put", err) }()

	return r.do(ctx, "put", func() (*http.Request, error) {
		// A fresh reader per attempt so retries re-send the full body.
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(path), bytes.NewReader(data))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, drainBody)
}

func (r *Remote) List(ctx context.Context, prefix string) (names []string, err error) {
	defer func() { record(r.metrics, "remote", "list", err) }()

	listURL := r.endpoint + "/list?prefix=" + url.QueryEscape(prefix)
	err = r.do(ctx, "list", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	}, func(resp *http.Response) error {
		return json.NewDecoder(io.LimitReader(resp.Body, remoteMaxPayload)).Decode(&names)
	})
	return names, err
}

func (r *Remote) Delete(ctx context.Context, path string) (err error) {
	defer func() { record(r.metrics, "remote", "delete", err) }()

	err = r.do(ctx, "delete", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(path), nil)
	}, drainBody)
	// Deleting a missing object is a no-op, same as the local backend.
	if err == ErrNotFound {
		return nil
	}
	return err
}

// do runs one logical operation through the retry schedule. build produces a
// fresh request per attempt; consume reads the successful response body.
func (r *Remote) do(ctx context.Context, op string, build func() (*http.Request, error), consume func(*http.Response) error) error {
	var lastErr error

	for attempt := 1; attempt <= remoteAttempts; attempt++ {
		if attempt > 1 {
			if r.metrics != nil {
				r.metrics.StoreOperationRetries.WithLabelValues("remote", op).Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			r.logger.Warn("file store request failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			err := consume(resp)
			resp.Body.Close()
			return err
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			r.logger.Warn("file store returned retryable status",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("status", resp.StatusCode))
			continue
		default:
			resp.Body.Close()
			return fmt.Errorf("filestore: %s %s: status %d", op, r.endpoint, resp.StatusCode)
		}
	}

	return &StoreUnavailableError{Endpoint: r.endpoint, Attempts: remoteAttempts, Err: lastErr}
}

func drainBody(resp *http.Response) error {
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}

// backoff returns exponential backoff duration, capped at remoteMaxDelay.
func backoff(attempt int) time.Duration {
	d := remoteBaseDelay << (attempt - 1)
	if d > remoteMaxDelay {
		d = remoteMaxDelay
	}
	return d
}
