// Package metrics exports lifecycle and sweep counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"leadtracker/internal/apperr"
	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/sweep"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Recorder implements app.CommandObserver and app.SweepObserver.
type Recorder struct {
	commandsTotal   *prometheus.CounterVec
	sweepsTotal     *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	levelEvaluated  *prometheus.GaugeVec
	levelOverdue    *prometheus.GaugeVec
	levelErrors     *prometheus.CounterVec
	lastSweepUnix   prometheus.Gauge
	dispatchesTotal *prometheus.CounterVec
}

// NewRecorder registers every collector on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_lifecycle_commands_total",
				Help: "Lifecycle commands by operation and outcome kind",
			},
			[]string{"op", "result"},
		),
		sweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_sweeps_total",
				Help: "Overdue sweeps by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "followup_sweep_duration_seconds",
				Help:    "Duration of overdue sweeps in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		levelEvaluated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "followup_active_leads",
				Help: "Active leads seen by the last evaluation of each intention level",
			},
			[]string{"level"},
		),
		levelOverdue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "followup_overdue_leads",
				Help: "Overdue leads found by the last evaluation of each intention level",
			},
			[]string{"level"},
		),
		levelErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_level_errors_total",
				Help: "Failed evaluations per intention level",
			},
			[]string{"level"},
		),
		lastSweepUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "followup_last_sweep_timestamp_seconds",
				Help: "Finish time of the last overdue sweep",
			},
		),
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_dispatches_total",
				Help: "Reminder dispatch outcomes",
			},
			[]string{"status"},
		),
	}
}

func (r *Recorder) CommandFinished(op string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.GetKind(err).String()
	}
	r.commandsTotal.WithLabelValues(op, result).Inc()
}

func (r *Recorder) LevelEvaluated(level lead.IntentionLevel, evaluated, overdue int, err error) {
	name := level.English()
	if err != nil {
		r.levelErrors.WithLabelValues(name).Inc()
		return
	}
	r.levelEvaluated.WithLabelValues(name).Set(float64(evaluated))
	r.levelOverdue.WithLabelValues(name).Set(float64(overdue))
}

func (r *Recorder) SweepFinished(run *sweep.Run, elapsed time.Duration) {
	r.sweepsTotal.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	r.sweepDuration.Observe(elapsed.Seconds())
	r.dispatchesTotal.WithLabelValues(string(run.Dispatch)).Inc()
	if run.FinishedAt.Valid {
		r.lastSweepUnix.Set(float64(run.FinishedAt.Time.Unix()))
	}
}

// Server exposes /metrics for gatherer.
type Server struct {
	srv    *http.Server
	logger *logrus.Entry
}

func NewServer(addr string, gatherer prometheus.Gatherer, logger *logrus.Entry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.srv.Addr).Info("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
