package httpapi

import (
	"encoding/base64"
	"net/http"
	"path"
	"strings"

	"github.com/jkaninda/okapi"
)

// storePrefix is where a session's files live inside the shared file store.
func storePrefix(sessionID string) string {
	return path.Join("sessions", sessionID)
}

// cleanStorePath validates a client-supplied store path and joins it under
// the session's prefix. Returns "" when the path is unusable.
func cleanStorePath(sessionID, p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return path.Join(storePrefix(sessionID), strings.TrimPrefix(p, "/"))
}

// FileListResponse is the JSON response for GET /v1/sessions/{id}/files.
type FileListResponse struct {
	Entries []string `json:"entries"`
}

// FileContentResponse carries a stored file as base64.
type FileContentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64-encoded
}

// FileWriteRequest is the JSON body for POST /v1/sessions/{id}/files.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64-encoded
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	id := c.Param("id")
	if _, err := g.sessions.GetStatus(c.Context(), id); err != nil {
		return g.sessionError(c, err)
	}

	prefix := storePrefix(id)
	if sub := c.Request().URL.Query().Get("prefix"); sub != "" {
		prefix = cleanStorePath(id, sub)
		if prefix == "" {
			return c.AbortBadRequest("invalid prefix")
		}
	}

	entries, err := g.sessions.Files().List(c.Context(), prefix)
	if err != nil {
		return g.sessionError(c, err)
	}

	// Paths are reported relative to the session's prefix.
	rel := make([]string, 0, len(entries))
	for _, e := range entries {
		rel = append(rel, strings.TrimPrefix(e, storePrefix(id)+"/"))
	}
	return c.OK(FileListResponse{Entries: rel})
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	id := c.Param("id")
	reqPath := c.Request().URL.Query().Get("path")

	full := cleanStorePath(id, reqPath)
	if full == "" {
		return c.AbortBadRequest("path is required")
	}

	data, err := g.sessions.Files().Get(c.Context(), full)
	if err != nil {
		return g.sessionError(c, err)
	}

	return c.OK(FileContentResponse{
		Path:    reqPath,
		Content: base64.StdEncoding.EncodeToString(data),
	})
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	id := c.Param("id")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	full := cleanStorePath(id, req.Path)
	if full == "" {
		return c.AbortBadRequest("path is required")
	}

	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return c.AbortBadRequest("content must be base64-encoded")
	}

	if err := g.sessions.Files().Put(c.Context(), full, data); err != nil {
		return g.sessionError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{"path": req.Path})
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	id := c.Param("id")
	reqPath := c.Request().URL.Query().Get("path")

	full := cleanStorePath(id, reqPath)
	if full == "" {
		return c.AbortBadRequest("path is required")
	}

	if err := g.sessions.Files().Delete(c.Context(), full); err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}
