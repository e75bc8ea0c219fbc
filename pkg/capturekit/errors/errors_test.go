package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassString(t *testing.T) {
	tests := []struct {
		class Class
		want  string
	}{
		{Retry, "retry"},
		{Drop, "drop"},
		{Class(7), "Class(7)"},
	}

	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Drop},
		{"no response", &HTTPError{StatusCode: 0}, Retry},
		{"request timeout", &HTTPError{StatusCode: 408}, Retry},
		{"rate limited", &HTTPError{StatusCode: 429}, Retry},
		{"server error", &HTTPError{StatusCode: 500}, Retry},
		{"unavailable", &HTTPError{StatusCode: 503}, Retry},
		{"bad request", &HTTPError{StatusCode: 400}, Drop},
		{"bad token", &HTTPError{StatusCode: 401}, Drop},
		{"wrapped 502", errors.Join(errors.New("send"), &HTTPError{StatusCode: 502}), Retry},
		{"deadline", context.DeadlineExceeded, Retry},
		{"canceled", context.Canceled, Drop},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Retry},
		{"marked retryable", Retryable("send", errors.New("x")), Retry},
		{"marked fatal over 503", Fatal("encode", &HTTPError{StatusCode: 503}), Drop},
		{"unknown", errors.New("unknown"), Drop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeliveryError(t *testing.T) {
	inner := errors.New("boom")

	err := Fatal("encode request", inner)
	if got := err.Error(); got != "encode request: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("should unwrap to inner error")
	}

	err.Attempts = 3
	if got := err.Error(); got != "encode request: boom (after 3 attempts)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Endpoint: "/e/", Body: "try later"}
	if got := err.Error(); got != "/e/: 503 Service Unavailable: try later" {
		t.Errorf("Error() = %q", got)
	}
	err.Body = ""
	if got := err.Error(); got != "/e/: 503 Service Unavailable" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCheckResponse(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	resp := func(status int, header http.Header, body string) *http.Response {
		if header == nil {
			header = http.Header{}
		}
		return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
	}

	if err := CheckResponse(resp(200, nil, ""), "/e/", now); err != nil {
		t.Fatalf("2xx should pass, got %v", err)
	}

	err := CheckResponse(resp(429, http.Header{"Retry-After": {"120"}}, "  slow down \n"), "/e/", now)
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("want *HTTPError, got %T", err)
	}
	if he.Body != "slow down" || he.RetryAfter != 2*time.Minute || he.Endpoint != "/e/" {
		t.Errorf("unexpected error fields: %+v", he)
	}

	long := strings.Repeat("x", 5000)
	err = CheckResponse(resp(500, nil, long), "/e/", now)
	if errors.As(err, &he); len(he.Body) != maxErrorBody {
		t.Errorf("body length = %d, want %d", len(he.Body), maxErrorBody)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"Mon, 01 Jan 2024 12:01:30 GMT", 90 * time.Second},
		{"Mon, 01 Jan 2024 11:00:00 GMT", 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPolicyDelay(t *testing.T) {
	t.Run("doubles without jitter", func(t *testing.T) {
		p := DeliveryPolicy
		p.Jitter = 0
		want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second}
		for retry, w := range want {
			if got := p.Delay(retry); got != w {
				t.Errorf("Delay(%d) = %s, want %s", retry, got, w)
			}
		}
		if got := p.Delay(20); got != 30*time.Minute {
			t.Errorf("Delay(20) = %s, want the 30m cap", got)
		}
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			got := DeliveryPolicy.Delay(1)
			if got < 4500*time.Millisecond || got > 7500*time.Millisecond {
				t.Fatalf("Delay(1) = %s outside jitter range", got)
			}
		}
	})
}

func TestPolicyNext(t *testing.T) {
	p := DeliveryPolicy
	p.Jitter = 0
	unavailable := &HTTPError{StatusCode: 503}

	if wait, ok := p.Next(1, unavailable); !ok || wait != 3*time.Second {
		t.Errorf("Next(1) = %s, %v", wait, ok)
	}
	if _, ok := p.Next(10, unavailable); !ok {
		t.Error("tenth retry should be allowed")
	}
	if _, ok := p.Next(11, unavailable); ok {
		t.Error("eleventh retry should not be allowed")
	}
	if _, ok := p.Next(1, &HTTPError{StatusCode: 400}); ok {
		t.Error("400 should not be retried")
	}

	limited := &HTTPError{StatusCode: 429, RetryAfter: time.Minute}
	if wait, _ := p.Next(1, limited); wait != time.Minute {
		t.Errorf("Retry-After should win, got %s", wait)
	}
}

func TestDo(t *testing.T) {
	fast := Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, err := Do(context.Background(), "fetch", fast, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &HTTPError{StatusCode: 503}
			}
			return "ok", nil
		})
		if err != nil || v != "ok" || calls != 3 {
			t.Errorf("got v=%q err=%v calls=%d", v, err, calls)
		}
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), "fetch", fast, func(context.Context) (int, error) {
			calls++
			return 0, &HTTPError{StatusCode: 401}
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		var de *DeliveryError
		if !errors.As(err, &de) || de.Class != Drop || de.Attempts != 1 {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		_, err := Do(context.Background(), "fetch", fast, func(context.Context) (int, error) {
			return 0, &HTTPError{StatusCode: 500}
		})
		var de *DeliveryError
		if !errors.As(err, &de) || de.Attempts != 3 || de.Class != Retry {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Do(ctx, "fetch", fast, func(context.Context) (int, error) {
			t.Error("fn should not be called")
			return 0, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
