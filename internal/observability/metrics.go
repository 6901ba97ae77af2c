package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type MetricsConfig struct {
	Enabled        bool          `envconfig:"METRICS_ENABLED" default:"true"`
	ScrapeInterval time.Duration `envconfig:"METRICS_SCRAPE_INTERVAL" default:"10s"`
}

type Metrics struct {
	registry *prometheus.Registry
	interval time.Duration

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	stageDuration   *prometheus.HistogramVec
	stageRetries    *prometheus.CounterVec
	subItemFailures *prometheus.CounterVec
	jobsTerminal    *prometheus.CounterVec
	qualityChecks   *prometheus.CounterVec
	contextDocs     *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec
	redisUp    prometheus.Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Current returns the process metrics, or nil when metrics are disabled. Every method is
// safe to call on a nil receiver.
func Current() *Metrics {
	return instance
}

func Init(cfg MetricsConfig, log *logger.Logger) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics(cfg.ScrapeInterval)
		if log != nil {
			log.Info("prometheus metrics initialized")
		}
	})
	return instance
}

// NewMetrics builds an independent metric set on its own registry.
func NewMetrics(interval time.Duration) *Metrics {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		interval: interval,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_api_requests_total",
			Help: "Total API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route/status.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route", "status"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cf_api_inflight_requests",
			Help: "In-flight API requests.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_llm_requests_total",
			Help: "Inference requests by model/endpoint/status.",
		}, []string{"model", "endpoint", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_llm_request_duration_seconds",
			Help:    "Inference request latency in seconds by model/endpoint/status.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model", "endpoint", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_llm_tokens_total",
			Help: "Inference tokens by model/direction.",
		}, []string{"model", "direction"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_job_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds by kind/stage/status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind", "stage", "status"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_job_stage_retries_total",
			Help: "Inline stage retry attempts by kind/stage.",
		}, []string{"kind", "stage"}),
		subItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_job_sub_item_failures_total",
			Help: "Skipped sub-items by kind/stage.",
		}, []string{"kind", "stage"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_jobs_terminal_total",
			Help: "Jobs reaching a terminal status by kind/status.",
		}, []string{"kind", "status"}),
		qualityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cf_quality_gate_total",
			Help: "Quality gate evaluations by kind/result.",
		}, []string{"kind", "result"}),
		contextDocs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cf_context_documents",
			Help:    "Documents included per assembled context.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}, []string{"pinned"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cf_job_queue_depth",
			Help: "Jobs by status.",
		}, []string{"status"}),
		redisUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cf_redis_up",
			Help: "Whether the last redis ping succeeded.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.stageDuration, m.stageRetries, m.subItemFailures, m.jobsTerminal, m.qualityChecks, m.contextDocs,
		m.queueDepth, m.redisUp,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method, route, status = orUnknown(method), orUnknown(route), orUnknown(status)
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model, endpoint, status = orUnknown(model), orUnknown(endpoint), orUnknown(status)
	m.llmRequests.WithLabelValues(model, endpoint, status).Inc()
	if dur > 0 {
		m.llmLatency.WithLabelValues(model, endpoint, status).Observe(dur.Seconds())
	}
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) ObserveStage(kind, stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(orUnknown(kind), orUnknown(stage), orUnknown(status)).Observe(dur.Seconds())
}

func (m *Metrics) IncStageRetry(kind, stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(orUnknown(kind), orUnknown(stage)).Inc()
}

func (m *Metrics) IncSubItemFailure(kind, stage string) {
	if m == nil {
		return
	}
	m.subItemFailures.WithLabelValues(orUnknown(kind), orUnknown(stage)).Inc()
}

func (m *Metrics) IncJobTerminal(kind, status string) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(orUnknown(kind), orUnknown(status)).Inc()
}

func (m *Metrics) IncQualityCheck(kind string, passed bool) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.qualityChecks.WithLabelValues(orUnknown(kind), result).Inc()
}

func (m *Metrics) ObserveContext(pinned, scored int) {
	if m == nil {
		return
	}
	m.contextDocs.WithLabelValues("true").Observe(float64(pinned))
	m.contextDocs.WithLabelValues("false").Observe(float64(scored))
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&jobs.Job{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				m.queueDepth.Reset()
				for _, row := range rows {
					m.queueDepth.WithLabelValues(orUnknown(row.Status)).Set(float64(row.Count))
				}
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb *redis.Client) {
	if m == nil || rdb == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
			}
		}
	}()
}
