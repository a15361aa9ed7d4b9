package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetricsAndAccessLog(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewHTTPMetrics(provider.Meter("test"))
	require.NoError(t, err)

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := chi.NewRouter()
	r.Use(chimw.RequestID, metrics.Middleware, InjectLogger(log), AccessLogger(log))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	r.Route("/units/{unit}", func(r chi.Router) {
		r.Get("/services", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("[]")) })
		r.Post("/up", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/units/demo/services", nil),
		httptest.NewRequest(http.MethodPost, "/units/demo/up", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	require.Len(t, entries, 3)

	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Nil(t, entries[0]["unit"])

	assert.Equal(t, "INFO", entries[1]["level"])
	assert.Equal(t, "/units/{unit}/services", entries[1]["route"])
	assert.Equal(t, "demo", entries[1]["unit"])
	assert.EqualValues(t, 2, entries[1]["bytes"])
	assert.NotEmpty(t, entries[1]["request_id"])

	assert.Equal(t, "WARN", entries[2]["level"])
	assert.EqualValues(t, http.StatusBadGateway, entries[2]["status"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	routes := map[string]int64{}
	var inFlight int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "hypestack_http_requests_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value("route")
					unit, _ := dp.Attributes.Value("unit")
					routes[route.AsString()+"|"+unit.AsString()] += dp.Value
				}
			case "hypestack_http_requests_in_flight":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				inFlight = 0
				for _, dp := range sum.DataPoints {
					inFlight += dp.Value
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"/health|":                    1,
		"/units/{unit}/services|demo": 1,
		"/units/{unit}/up|demo":       1,
	}, routes)
	assert.Zero(t, inFlight, "every request has finished")
}

func TestStatusRecorder_Shared(t *testing.T) {
	w := httptest.NewRecorder()
	outer := record(w)
	assert.Same(t, outer, record(outer))

	outer.WriteHeader(http.StatusTeapot)
	n, err := outer.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, http.StatusTeapot, outer.status)
	assert.Equal(t, 3, outer.bytes)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
