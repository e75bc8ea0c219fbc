package delivery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// received is one request seen by the fake collector.
type received struct {
	Path   string
	Query  url.Values
	Events []map[string]any
	Batch  bool
}

// collector is a fake ingestion server.
type collector struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	requests []received
	statuses []int
}

// newCollector starts a collector that answers with statuses in order,
// then 200 for every later request.
func newCollector(t *testing.T, statuses ...int) *collector {
	t.Helper()
	c := &collector{t: t, statuses: statuses}

	r := chi.NewRouter()
	r.Post("/e/", c.handle)
	r.Post("/batch/", c.handle)
	c.server = httptest.NewServer(r)
	t.Cleanup(c.server.Close)
	return c
}

func (c *collector) URL() string {
	return c.server.URL
}

func (c *collector) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(c.t, err)

	raw := decodeBody(c.t, r, body)
	rec := received{Path: r.URL.Path, Query: r.URL.Query()}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		rec.Batch = true
		require.NoError(c.t, json.Unmarshal(raw, &rec.Events))
	} else {
		var one map[string]any
		require.NoError(c.t, json.Unmarshal(raw, &one))
		rec.Events = []map[string]any{one}
	}

	c.mu.Lock()
	c.requests = append(c.requests, rec)
	status := http.StatusOK
	if len(c.statuses) > 0 {
		status = c.statuses[0]
		c.statuses = c.statuses[1:]
	}
	c.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"status":1}`))
}

func decodeBody(t *testing.T, r *http.Request, body []byte) []byte {
	t.Helper()
	switch {
	case r.URL.Query().Get("compression") == string(CompressionGzip):
		zr, err := gzip.NewReader(bytes.NewReader(body))
		require.NoError(t, err)
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		return out
	case r.Header.Get("Content-Type") == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		out, err := base64.StdEncoding.DecodeString(form.Get("data"))
		require.NoError(t, err)
		return out
	}
	return body
}

func (c *collector) Requests() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]received, len(c.requests))
	copy(out, c.requests)
	return out
}
