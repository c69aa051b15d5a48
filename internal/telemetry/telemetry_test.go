package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider for the test
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		provider.Shutdown(context.Background())
	})
	return recorder
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "https://api.example.com"
	cfg.Transport = "sse"
	cfg.Attributes = map[string]string{"deployment": "staging"}

	got := attrs(resourceAttributes(cfg))
	assert.Equal(t, "reviewfeed", got["service.name"].AsString())
	assert.Equal(t, "https://api.example.com", got[BackendKey].AsString())
	assert.Equal(t, "sse", got[TransportKey].AsString())
	assert.Equal(t, "staging", got["deployment"].AsString())

	_, ok := attrs(resourceAttributes(DefaultConfig()))[BackendKey]
	assert.False(t, ok)
}

func TestHTTPMiddlewareNamesSpanAfterRouting(t *testing.T) {
	recorder := recordSpans(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("reviewfeed", "/events/stream"))
	r.Get("/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/events/stream", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events/42", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /events/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	got := attrs(spans[0].Attributes())
	assert.Equal(t, int64(http.StatusServiceUnavailable), got["http.status_code"].AsInt64())
	assert.Equal(t, "/events/{id}", got["http.route"].AsString())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events/stream", nil))
	assert.Len(t, recorder.Ended(), 1, "stream requests are not traced")
}

func TestStartSpanHelpers(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "storage.load")
	AddSpanAttributes(ctx, attribute.Int("events", 3))
	AddSpanEvent(ctx, "slot.unavailable")
	MarkSpanError(ctx, assert.AnError)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, int64(3), attrs(spans[0].Attributes())["events"].AsInt64())
	require.Len(t, spans[0].Events(), 2) // the event and the recorded error
	assert.Equal(t, "slot.unavailable", spans[0].Events()[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
