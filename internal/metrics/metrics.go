package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus collectors of the extractor pipeline.
// It implements extractor.Observer.
type Metrics struct {
	PagesTotal      *prometheus.CounterVec
	ItemsTotal      *prometheus.CounterVec
	RecordsTotal    *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	ActiveSessions  *prometheus.GaugeVec
	RecordsStored   *prometheus.CounterVec
	SinkErrorsTotal *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them on reg
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_pages_total",
				Help: "Pages merged into sessions",
			},
			[]string{"kind"},
		),
		ItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_items_total",
				Help: "Raw items received from sources",
			},
			[]string{"kind"},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_records_total",
				Help: "Records admitted after in-session dedup",
			},
			[]string{"kind"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_fetch_retries_total",
				Help: "Page fetches retried after a transient failure",
			},
			[]string{"kind"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_sessions_total",
				Help: "Sessions that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extractor_active_sessions",
				Help: "Sessions started and not yet terminal",
			},
			[]string{"kind"},
		),
		RecordsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_records_stored_total",
				Help: "Records written to sinks",
			},
			[]string{"sink"},
		),
		SinkErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_sink_errors_total",
				Help: "Failed sink batch writes",
			},
			[]string{"sink"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_sink_batch_duration_seconds",
				Help:    "Sink batch write latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"sink"},
		),
		gatherer: gatherer,
	}
}

// NewDefault registers on the global Prometheus registry
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// SessionStarted implements extractor.Observer
func (m *Metrics) SessionStarted(kind domain.SourceKind) {
	m.ActiveSessions.WithLabelValues(string(kind)).Inc()
}

// PageFetched implements extractor.Observer
func (m *Metrics) PageFetched(kind domain.SourceKind, items, admitted int) {
	k := string(kind)
	m.PagesTotal.WithLabelValues(k).Inc()
	m.ItemsTotal.WithLabelValues(k).Add(float64(items))
	m.RecordsTotal.WithLabelValues(k).Add(float64(admitted))
}

// FetchRetried implements extractor.Observer
func (m *Metrics) FetchRetried(kind domain.SourceKind) {
	m.RetriesTotal.WithLabelValues(string(kind)).Inc()
}

// SessionFinished implements extractor.Observer
func (m *Metrics) SessionFinished(kind domain.SourceKind, state extractor.State) {
	m.SessionsTotal.WithLabelValues(string(kind), state.String()).Inc()
	m.ActiveSessions.WithLabelValues(string(kind)).Dec()
}

// ObserveBatch records one sink write
func (m *Metrics) ObserveBatch(sink string, n int, took time.Duration, err error) {
	m.BatchDuration.WithLabelValues(sink).Observe(took.Seconds())
	if err != nil {
		m.SinkErrorsTotal.WithLabelValues(sink).Inc()
		return
	}
	m.RecordsStored.WithLabelValues(sink).Add(float64(n))
}

// Handler serves the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
