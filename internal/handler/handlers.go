// Package handler предоставляет статусное HTTP API только для чтения: результаты
// проверок зависимостей, историю метрик, оповещения, запросы, шарды и кэш.
package handler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/cache"
	"github.com/levinOo/go-shard-monitor/internal/logger"
	"github.com/levinOo/go-shard-monitor/internal/metrics"
	"github.com/levinOo/go-shard-monitor/internal/models"
)

const pingTimeout = 2 * time.Second

// Pinger проверяет связь с реляционным хранилищем.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthSource предоставляет результаты проверок зависимостей.
type HealthSource interface {
	Latest() []models.HealthResult
	IsHealthy() bool
	Circuit(service string) (models.CircuitBreakerState, bool)
}

// MetricsSource предоставляет историю снимков, запросы и оповещения.
type MetricsSource interface {
	History() []models.SystemMetricsSnapshot
	HistoryRange(from, to time.Time) []models.SystemMetricsSnapshot
	Latest() (models.SystemMetricsSnapshot, bool)
	Queries() []models.QueryMetric
	Alerts() []models.PerformanceAlert
}

// ShardSource предоставляет метрики шардов.
type ShardSource interface {
	Metrics() map[int]models.ShardMetrics
}

// CacheSource предоставляет срезы кэша.
type CacheSource interface {
	Latest() (models.CacheSnapshot, bool)
	History() []models.CacheSnapshot
	AverageHitRate() float64
	MemoryTrend() (cache.Trend, error)
}

// RequestTracker считает обрабатываемые запросы.
type RequestTracker interface {
	RequestStarted()
	RequestFinished()
}

// Dependencies содержит источники данных статусного API. Nil-источник отключает маршрут.
type Dependencies struct {
	Store       Pinger
	Health      HealthSource
	Metrics     MetricsSource
	Shards      ShardSource
	Cache       CacheSource
	Requests    RequestTracker
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer
}

// NewRouter собирает маршруты статусного API.
func NewRouter(deps Dependencies, sugar *zap.SugaredLogger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(LoggerFuncServer(sugar, deps.Requests, deps.HTTPMetrics))

	if deps.Store != nil {
		r.Get("/ping", PingHandler(deps.Store))
	}
	if deps.Health != nil {
		r.Get("/health", HealthHandler(deps.Health))
	}
	if deps.Metrics != nil {
		r.Route("/metrics", func(r chi.Router) {
			r.Get("/", HistoryHandler(deps.Metrics))
			r.Get("/latest", LatestHandler(deps.Metrics))
		})
		r.Get("/alerts", AlertsHandler(deps.Metrics))
		r.Get("/queries", QueriesHandler(deps.Metrics))
	}
	if deps.Shards != nil {
		r.Get("/shards", ShardsHandler(deps.Shards))
	}
	if deps.Cache != nil {
		r.Get("/cache", CacheHandler(deps.Cache))
	}
	if deps.Gatherer != nil {
		r.Handle("/debug/prometheus", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// LoggerFuncServer логирует каждый запрос, учитывает его в счётчике активных
// запросов и в метриках Prometheus.
func LoggerFuncServer(sugar *zap.SugaredLogger, tracker RequestTracker, m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()

			if tracker != nil {
				tracker.RequestStarted()
				defer tracker.RequestFinished()
			}

			responseData := &logger.ResponseData{}
			lw := logger.LoggingRW{
				ResponseWriter: rw,
				ResponseData:   responseData,
			}

			h.ServeHTTP(&lw, r)

			dur := time.Since(start)
			status := responseData.Status
			if status == 0 {
				status = http.StatusOK
			}

			sugar.Infow("Status API request",
				"uri", r.RequestURI,
				"method", r.Method,
				"duration", dur,
				"status", status,
				"size", responseData.Size,
			)

			if m != nil {
				path := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					path = rctx.RoutePattern()
				}
				m.Observe(r.Method, path, status, dur.Seconds())
			}
		})
	}
}

func PingHandler(store Pinger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			http.Error(rw, "No connection with database", http.StatusInternalServerError)
			return
		}

		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("Database is reachable"))
	}
}

type circuitView struct {
	models.CircuitBreakerState
	Open bool `json:"open"`
}

type healthView struct {
	Healthy  bool                   `json:"healthy"`
	Results  []models.HealthResult  `json:"results"`
	Circuits map[string]circuitView `json:"circuits"`
}

// HealthHandler отдаёт результаты последнего цикла проверок. При наличии
// недоступной зависимости ответ имеет код 503.
func HealthHandler(src HealthSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		view := healthView{
			Healthy:  src.IsHealthy(),
			Results:  src.Latest(),
			Circuits: make(map[string]circuitView),
		}
		for _, res := range view.Results {
			state, open := src.Circuit(res.Service)
			if state.Failures > 0 {
				view.Circuits[res.Service] = circuitView{CircuitBreakerState: state, Open: open}
			}
		}

		status := http.StatusOK
		if !view.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(rw, r, status, view)
	}
}

// HistoryHandler отдаёт историю снимков, опционально ограниченную параметрами from и to (RFC3339).
func HistoryHandler(src MetricsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("from") == "" && q.Get("to") == "" {
			writeJSON(rw, r, http.StatusOK, src.History())
			return
		}

		from, to, err := parseRange(q.Get("from"), q.Get("to"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(rw, r, http.StatusOK, src.HistoryRange(from, to))
	}
}

func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	to = time.Now()
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return from, to, errors.New("invalid from: expected RFC3339")
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return from, to, errors.New("invalid to: expected RFC3339")
		}
	}
	if to.Before(from) {
		return from, to, errors.New("to is before from")
	}
	return from, to, nil
}

func LatestHandler(src MetricsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		snap, ok := src.Latest()
		if !ok {
			http.Error(rw, "No metrics collected yet", http.StatusNotFound)
			return
		}
		writeJSON(rw, r, http.StatusOK, snap)
	}
}

func AlertsHandler(src MetricsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, r, http.StatusOK, src.Alerts())
	}
}

func QueriesHandler(src MetricsSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, r, http.StatusOK, src.Queries())
	}
}

func ShardsHandler(src ShardSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, r, http.StatusOK, src.Metrics())
	}
}

type cacheView struct {
	Latest         *models.CacheSnapshot  `json:"latest,omitempty"`
	History        []models.CacheSnapshot `json:"history"`
	AverageHitRate float64                `json:"average_hit_rate"`
	MemoryTrend    *cache.Trend           `json:"memory_trend,omitempty"`
}

// CacheHandler отдаёт срезы кэша, среднюю долю попаданий и тренд памяти.
func CacheHandler(src CacheSource) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		view := cacheView{
			History:        src.History(),
			AverageHitRate: src.AverageHitRate(),
		}
		if snap, ok := src.Latest(); ok {
			view.Latest = &snap
		}
		if trend, err := src.MemoryTrend(); err == nil {
			view.MemoryTrend = &trend
		}
		writeJSON(rw, r, http.StatusOK, view)
	}
}

// writeJSON кодирует v в JSON и сжимает ответ, если клиент принимает gzip.
func writeJSON(rw http.ResponseWriter, r *http.Request, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")

	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		rw.Header().Set("Content-Encoding", "gzip")
		rw.WriteHeader(status)

		gz := gzip.NewWriter(rw)
		defer gz.Close()
		_ = json.NewEncoder(gz).Encode(v)
		return
	}

	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
