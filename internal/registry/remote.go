package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultUserAgent identifies registry fetches to remote servers.
const DefaultUserAgent = "pluginwarden-registry/1.0 (+https://github.com/ayusman/pluginwarden)"

// maxDocumentSize bounds how much of a remote response is read.
const maxDocumentSize = 10 << 20

// remoteSource fetches registry documents over HTTP behind a circuit
// breaker so a dead mirror is not hammered on every Load.
type remoteSource struct {
	url       string
	userAgent string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

func newRemoteSource(url, userAgent string, client *http.Client) *remoteSource {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &remoteSource{
		url:       url,
		userAgent: userAgent,
		client:    client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "registry:" + url,
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (s *remoteSource) fetch(ctx context.Context) (*Document, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.get(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (s *remoteSource) get(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry server returned %s", resp.Status)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
