package delivery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/klauspost/compress/gzip"
)

// Compression is a request body encoding.
type Compression string

const (
	// CompressionNone sends the JSON body as is.
	CompressionNone Compression = ""

	// CompressionBase64 sends a form body with the JSON base64-encoded in "data".
	CompressionBase64 Compression = "base64"

	// CompressionGzip sends the JSON gzipped.
	CompressionGzip Compression = "gzip-js"
)

// Encoded is a ready-to-send body.
type Encoded struct {
	Body        []byte
	ContentType string
	// Query holds parameters to add to the request URL.
	Query url.Values
}

// ParseCompression validates a configured compression name.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "base64", "lz64":
		return CompressionBase64, nil
	case "gzip", "gzip-js":
		return CompressionGzip, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// Encode serializes payload with the given compression.
func Encode(payload any, c Compression) (*Encoded, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	switch c {
	case CompressionNone:
		return &Encoded{
			Body:        data,
			ContentType: "application/json",
			Query:       url.Values{},
		}, nil

	case CompressionBase64:
		form := url.Values{}
		form.Set("data", base64.StdEncoding.EncodeToString(data))
		form.Set("compression", string(CompressionBase64))
		return &Encoded{
			Body:        []byte(form.Encode()),
			ContentType: "application/x-www-form-urlencoded",
			Query:       url.Values{},
		}, nil

	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		return &Encoded{
			Body:        buf.Bytes(),
			ContentType: "text/plain",
			Query:       url.Values{"compression": {string(CompressionGzip)}},
		}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}
