package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBuffer(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()

	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	cfg.Output = &buf
	require.NoError(t, Setup(cfg))
	return &buf
}

func TestSetupJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalFields = map[string]string{"service": "reviewfeed"}
	buf := setupBuffer(t, cfg)

	logger := Component("feed")
	logger.Info().Int("events", 3).Msg("hydrated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "feed", entry["component"])
	assert.Equal(t, "reviewfeed", entry["service"])
	assert.Equal(t, float64(3), entry["events"])
	assert.Equal(t, "hydrated", entry["message"])
}

func TestSetupLevelFilters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	buf := setupBuffer(t, cfg)

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupRejectsInvalidValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	assert.Error(t, Setup(cfg))

	cfg = DefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, Setup(cfg))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"INFO":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	buf := setupBuffer(t, DefaultConfig())

	logger := FromContext(context.Background())
	logger.Info().Msg("global")
	assert.Contains(t, buf.String(), "global")

	buf.Reset()
	ctx := WithContext(context.Background(), log.With().Str("request_id", "r1").Logger())
	l := FromContext(ctx)
	l.Info().Msg("scoped")
	assert.Contains(t, buf.String(), `"request_id":"r1"`)
}

func TestHTTPMiddleware(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelDebug
	buf := setupBuffer(t, cfg)

	handler := HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"response_size":15`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
