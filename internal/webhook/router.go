package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/metrics"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// secretHeaderName is compared case-insensitively; Go's
// http.Header.Get already folds header names to canonical form.
const secretHeaderName = "goldsky-webhook-secret"

// NewRouter builds the chi.Mux exposing GET /health, POST
// /webhooks/{webhookName}, and GET /metrics. This is the only HTTP
// surface the service exposes.
func NewRouter(h *Handler, httpMetrics *metrics.HTTPMetrics, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", secretHeaderName},
		MaxAge:         300,
	}))
	if httpMetrics != nil {
		r.Use(metricsMiddleware(httpMetrics))
	}
	r.Use(loggerMiddleware(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: "invoice-handler"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{webhookName}", func(w http.ResponseWriter, r *http.Request) {
		webhookName := chi.URLParam(r, "webhookName")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, Response{Error: "failed to read request body"})
			return
		}

		status, resp := h.HandleWebhookRequest(r.Context(), body, r.Header.Get(secretHeaderName), webhookName)
		writeJSON(w, status, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// metricsMiddleware records request volume and latency into httpMetrics.
func metricsMiddleware(httpMetrics *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			httpMetrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.statusCode), time.Since(start))
		})
	}
}

// loggerMiddleware logs each request's method, path, and status at debug
// level.
func loggerMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.statusCode),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
