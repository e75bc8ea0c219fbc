package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ckerrors "github.com/randalmurphal/capturekit/pkg/capturekit/errors"
)

// Transport performs one HTTP request.
type Transport interface {
	// Send posts body to endpoint and returns the status code.
	// A non-2xx status is returned as *errors.HTTPError.
	Send(ctx context.Context, endpoint string, body *Encoded, hint TransportHint) (int, error)
}

// HTTPTransport sends requests to an ingestion host.
type HTTPTransport struct {
	host    string
	client  *http.Client
	version string
	now     func() time.Time
}

// NewHTTPTransport creates a transport for host, e.g. "https://app.example.com".
// A nil client uses a client with a 10 second timeout.
func NewHTTPTransport(host string, client *http.Client, version string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		host:    strings.TrimRight(host, "/"),
		client:  client,
		version: version,
		now:     time.Now,
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, body *Encoded, hint TransportHint) (int, error) {
	u, err := url.Parse(t.host + endpoint)
	if err != nil {
		return 0, fmt.Errorf("build url: %w", err)
	}
	q := u.Query()
	for k, vs := range body.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("ip", "1")
	q.Set("_", strconv.FormatInt(t.now().UnixMilli(), 10))
	if t.version != "" {
		q.Set("ver", t.version)
	}
	if hint == TransportBeacon {
		q.Set("beacon", "1")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", body.ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := ckerrors.CheckResponse(resp, endpoint, t.now()); err != nil {
		return resp.StatusCode, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
