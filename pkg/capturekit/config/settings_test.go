package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/capturekit/pkg/capturekit/config"
)

func TestString(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		want    string
		wantErr bool
	}{
		{"present", map[string]any{"token": "abc"}, "abc", false},
		{"absent keeps destination", map[string]any{"other": "x"}, "keep", false},
		{"null keeps destination", map[string]any{"token": nil}, "keep", false},
		{"empty string", map[string]any{"token": ""}, "", false},
		{"wrong type", map[string]any{"token": 123}, "keep", true},
		{"nil map", nil, "keep", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.New(tt.data)
			got := "keep"
			s.String("token", &got)

			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, s.Err(), config.ErrInvalidSetting)
			} else {
				assert.NoError(t, s.Err())
			}
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    time.Duration
		wantErr bool
	}{
		{"string", "30m", 30 * time.Minute, false},
		{"int millis", 1500, 1500 * time.Millisecond, false},
		{"float millis", 2.5, 2500 * time.Microsecond, false},
		{"bad string", "soon", time.Second, true},
		{"wrong type", true, time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.New(map[string]any{"timeout": tt.value})
			got := time.Second
			s.Duration("timeout", &got)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, s.Err() != nil)
		})
	}
}

func TestInt(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"int", 42, 42, false},
		{"int64", int64(42), 42, false},
		{"whole float", 42.0, 42, false},
		{"fractional float", 42.5, 7, true},
		{"string", "42", 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.New(map[string]any{"n": tt.value})
			got := 7
			s.Int("n", &got)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, s.Err() != nil)
		})
	}
}

func TestBoolAndStrings(t *testing.T) {
	s := config.New(map[string]any{
		"enabled":   true,
		"blacklist": []any{"$current_url", "$ip"},
		"single":    "$ip",
	})

	enabled := false
	s.Bool("enabled", &enabled)
	assert.True(t, enabled)

	var blacklist, single []string
	s.Strings("blacklist", &blacklist)
	s.Strings("single", &single)
	assert.Equal(t, []string{"$current_url", "$ip"}, blacklist)
	assert.Equal(t, []string{"$ip"}, single)
	assert.NoError(t, s.Err())
}

func TestErrCollectsEveryMistake(t *testing.T) {
	s := config.New(map[string]any{
		"request_batching":   "yes",
		"property_blacklist": []any{"$ip", 3},
		"storage":            map[string]any{"path": 9},
	})

	var batching bool
	var blacklist []string
	var path string
	s.Bool("request_batching", &batching)
	s.Strings("property_blacklist", &blacklist)
	s.Section("storage").String("path", &path)

	err := s.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_batching: want boolean, got string")
	assert.Contains(t, err.Error(), "property_blacklist: want list of strings")
	assert.Contains(t, err.Error(), "storage.path: want string, got int")

	var typeErr *config.TypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "request_batching", typeErr.Key)
}

func TestSection(t *testing.T) {
	s := config.New(map[string]any{
		"storage": map[string]any{"backend": "sqlite"},
		"flat":    "value",
	})

	var backend string
	s.Section("storage").String("backend", &backend)
	assert.Equal(t, "sqlite", backend)

	assert.Empty(t, s.Section("missing").Keys())
	assert.NoError(t, s.Err())

	assert.Empty(t, s.Section("flat").Keys())
	assert.ErrorContains(t, s.Err(), "flat: want mapping")
}

func TestIsNull(t *testing.T) {
	s := config.New(map[string]any{"max": nil, "set": 5})

	assert.True(t, s.IsNull("max"))
	assert.False(t, s.IsNull("set"))
	assert.False(t, s.IsNull("missing"))

	_, ok := s.Lookup("max")
	assert.True(t, ok)
}

func TestParse(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		s, err := config.Parse([]byte(`
token: abc
properties_string_max_length: null
storage:
  backend: badger
`), config.FormatYAML)
		require.NoError(t, err)

		var token, backend string
		s.String("token", &token)
		s.Section("storage").String("backend", &backend)
		assert.Equal(t, "abc", token)
		assert.Equal(t, "badger", backend)
		assert.True(t, s.IsNull("properties_string_max_length"))
	})

	t.Run("json numbers stay exact", func(t *testing.T) {
		s, err := config.Parse([]byte(`{"properties_string_max_length":1000,"flush_interval":250}`), config.FormatJSON)
		require.NoError(t, err)

		n := 0
		d := time.Duration(0)
		s.Int("properties_string_max_length", &n)
		s.Duration("flush_interval", &d)
		assert.Equal(t, 1000, n)
		assert.Equal(t, 250*time.Millisecond, d)
		assert.NoError(t, s.Err())
	})

	t.Run("empty yaml", func(t *testing.T) {
		s, err := config.Parse(nil, config.FormatYAML)
		require.NoError(t, err)
		assert.Empty(t, s.Keys())
	})

	t.Run("syntax errors", func(t *testing.T) {
		_, err := config.Parse([]byte("token: [unclosed"), config.FormatYAML)
		assert.Error(t, err)
		_, err = config.Parse([]byte("{"), config.FormatJSON)
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml with env expansion", func(t *testing.T) {
		t.Setenv("CAPTURE_TEST_TOKEN", "from-env")
		path := filepath.Join(dir, "capture.yaml")
		require.NoError(t, os.WriteFile(path, []byte("token: ${CAPTURE_TEST_TOKEN}\n"), 0o600))

		s, err := config.Load(path)
		require.NoError(t, err)
		var token string
		s.String("token", &token)
		assert.Equal(t, "from-env", token)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := config.Load(filepath.Join(dir, "capture.toml"))
		assert.ErrorContains(t, err, "unsupported settings file extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}
