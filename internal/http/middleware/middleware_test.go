package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/config"
	"github.com/davidbz/tollgate/internal/http/middleware"
	"github.com/davidbz/tollgate/internal/observability"
)

type observation struct {
	method string
	route  string
	status int
}

type recorder struct {
	seen []observation
}

func (r *recorder) ObserveHTTP(method, route string, status int, _ time.Duration) {
	r.seen = append(r.seen, observation{method: method, route: route, status: status})
}

func TestTrace(t *testing.T) {
	t.Run("should keep a caller supplied request id", func(t *testing.T) {
		var seen string
		handler := middleware.Trace()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = observability.GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-Id", "req-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, "req-42", seen)
		require.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
		require.NotEmpty(t, w.Header().Get("X-Trace-Id"))
	})

	t.Run("should generate a request id when absent", func(t *testing.T) {
		handler := middleware.Trace()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.NotEmpty(t, w.Header().Get("X-Request-Id"))
	})
}

func TestCORS(t *testing.T) {
	t.Run("should expose payment headers to browsers", func(t *testing.T) {
		cfg := &config.CORSConfig{
			AllowedOrigins: []string{"https://app.example"},
			AllowedMethods: []string{http.MethodPost},
			ExposedHeaders: []string{"X-Payment-Required"},
		}
		handler := middleware.CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
		}))

		req := httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
		req.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "X-Payment-Required", w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("should pass through with a nil config", func(t *testing.T) {
		handler := middleware.CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusTeapot, w.Code)
	})
}

func TestMetrics(t *testing.T) {
	t.Run("should label observations with the chi route pattern", func(t *testing.T) {
		rec := &recorder{}
		r := chi.NewRouter()
		r.Use(middleware.Metrics(rec))
		r.Get("/v1/accounts/{id}/balance", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/a-1/balance", nil))

		require.Equal(t, []observation{{
			method: http.MethodGet,
			route:  "/v1/accounts/{id}/balance",
			status: http.StatusNotFound,
		}}, rec.seen)
	})
}
