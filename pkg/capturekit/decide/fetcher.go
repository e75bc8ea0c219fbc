// Package decide keeps the enabled feature flags for the current identity
// up to date.
//
// Flag evaluation happens on the server. This package only decides when to
// ask: reloads are debounced, held while paused, and collapsed when several
// are in flight. The answer is written into the persistence register under
// $enabled_feature_flags, from where it reaches every event.
package decide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ckerrors "github.com/randalmurphal/capturekit/pkg/capturekit/errors"
)

// Request identifies whose flags to load.
type Request struct {
	Token      string         `json:"token"`
	DistinctID string         `json:"distinct_id"`
	Groups     map[string]any `json:"groups,omitempty"`
}

// Fetcher loads the enabled flags for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (map[string]any, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (map[string]any, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// HTTPFetcher calls the /decide/ endpoint.
type HTTPFetcher struct {
	host   string
	client *http.Client
	retry  ckerrors.Policy
}

// NewHTTPFetcher creates a fetcher for host. A nil client uses a client
// with a 10 second timeout.
func NewHTTPFetcher(host string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		host:   strings.TrimRight(host, "/"),
		client: client,
		retry:  ckerrors.FetchPolicy,
	}
}

type decideResponse struct {
	FeatureFlags map[string]any `json:"featureFlags"`
}

// Fetch implements Fetcher. Transient failures are retried a few times.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal decide request: %w", err)
	}

	return ckerrors.Do(ctx, "fetch feature flags", f.retry, func(ctx context.Context) (map[string]any, error) {
		return f.post(ctx, body)
	})
}

func (f *HTTPFetcher) post(ctx context.Context, body []byte) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.host+"/decide/?v=2", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build decide request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := ckerrors.CheckResponse(resp, "/decide/", time.Now()); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var out decideResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, ckerrors.Fatal("decode decide response", err)
	}
	if out.FeatureFlags == nil {
		out.FeatureFlags = map[string]any{}
	}
	return out.FeatureFlags, nil
}
