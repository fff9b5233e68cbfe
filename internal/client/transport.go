package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blockhaven/world/internal/editsync"
	"github.com/blockhaven/world/internal/protocol"
)

const submitPath = "/api/modifications"

// HTTPTransport submits edit batches to POST /api/modifications. A request
// the server refuses as malformed (400, 413, 422) is reported as
// *editsync.RejectedError. Any other failure to obtain a 2xx JSON response
// is a *editsync.TransportError, so the batch stays queued for a later sync.
type HTTPTransport struct {
	endpoint string
	client   *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTPTransport creates a transport for the server at serverURL.
func NewHTTPTransport(serverURL string, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + submitPath
	return &HTTPTransport{
		endpoint: u.String(),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// SetToken sets the bearer token sent with every submission.
func (t *HTTPTransport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// SubmitModifications implements editsync.Transport.
func (t *HTTPTransport) SubmitModifications(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("build submission: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.mu.RLock()
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return protocol.SubmitResponse{}, &editsync.TransportError{Op: "submit modifications", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if permanentRejection(resp.StatusCode) {
			return protocol.SubmitResponse{}, &editsync.RejectedError{Status: resp.StatusCode, Err: err}
		}
		return protocol.SubmitResponse{}, &editsync.TransportError{Op: "submit modifications", Err: err}
	}

	var out protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.SubmitResponse{}, &editsync.TransportError{Op: "decode submission response", Err: err}
	}
	return out, nil
}

// permanentRejection reports whether resending the same body cannot succeed.
// Auth, rate limit and server errors are transient.
func permanentRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
