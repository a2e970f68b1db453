// Package observability — metrics.go
//
// Prometheus metrics for ecosort-core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable, loopback only).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: ecosort_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Category is used as a label (5 values max: metal, plastic, glass,
//     carton, other).
//   - Item IDs are NOT used as labels (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for ecosort-core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Dispatch ─────────────────────────────────────────────────────────

	// ItemsActuatedTotal counts successful diverter activations, by category.
	ItemsActuatedTotal *prometheus.CounterVec

	// ItemsDroppedTotal counts dropped items, by category and reason.
	ItemsDroppedTotal *prometheus.CounterVec

	// FireJitterSeconds records |actual_fire_ts - scheduled_fire_ts|.
	FireJitterSeconds prometheus.Histogram

	// PendingFires is the current number of scheduled, un-fired items.
	PendingFires prometheus.Gauge

	// ─── Classifier ───────────────────────────────────────────────────────

	// ClassificationConfidence records the distribution of confidence scores.
	ClassificationConfidence prometheus.Histogram

	// ClassificationsTotal counts classification attempts, by outcome
	// (ok, timeout, model_error, low_confidence).
	ClassificationsTotal *prometheus.CounterVec

	// ─── Diverters & belt ─────────────────────────────────────────────────

	// DiverterFaultsTotal counts actuation failures, by diverter handle.
	DiverterFaultsTotal *prometheus.CounterVec

	// DiverterOperationsTotal counts successful activations, by handle.
	DiverterOperationsTotal *prometheus.CounterVec

	// BeltStateTransitionsTotal counts belt state transitions.
	BeltStateTransitionsTotal *prometheus.CounterVec

	// ─── Bins ─────────────────────────────────────────────────────────────

	// BinFillFraction is the current fill level per category, in [0,1].
	BinFillFraction *prometheus.GaugeVec

	// ─── State machine & recovery ─────────────────────────────────────────

	// StateTransitionsTotal counts system state transitions.
	StateTransitionsTotal *prometheus.CounterVec

	// FaultsTotal counts fault publications, by kind.
	FaultsTotal *prometheus.CounterVec

	// RecoveryBudgetTokensRemaining is the current global retry budget level.
	RecoveryBudgetTokensRemaining prometheus.Gauge

	// ─── Resources ────────────────────────────────────────────────────────

	// CPUPercent, MemPercent, TempCelsius mirror the limits watchdog's samples.
	CPUPercent  prometheus.Gauge
	MemPercent  prometheus.Gauge
	TempCelsius prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────

	StorageWriteLatency  prometheus.Histogram
	StorageLedgerEntries prometheus.Gauge

	// UptimeSeconds is the number of seconds since the orchestrator started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all ecosort-core Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ItemsActuatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "dispatch", Name: "items_actuated_total",
			Help: "Total items successfully diverted, by category.",
		}, []string{"category"}),

		ItemsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "dispatch", Name: "items_dropped_total",
			Help: "Total items dropped before actuation, by category and reason.",
		}, []string{"category", "reason"}),

		FireJitterSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecosort", Subsystem: "dispatch", Name: "fire_jitter_seconds",
			Help:    "Absolute difference between scheduled and actual diverter fire time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),

		PendingFires: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "dispatch", Name: "pending_fires",
			Help: "Current number of scheduled, un-fired items.",
		}),

		ClassificationConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecosort", Subsystem: "classifier", Name: "confidence",
			Help:    "Distribution of classifier confidence scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "classifier", Name: "classifications_total",
			Help: "Total classification attempts, by outcome.",
		}, []string{"outcome"}),

		DiverterFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "diverter", Name: "faults_total",
			Help: "Total actuation failures, by diverter handle.",
		}, []string{"handle"}),

		DiverterOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "diverter", Name: "operations_total",
			Help: "Total successful activations, by diverter handle.",
		}, []string{"handle"}),

		BeltStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "belt", Name: "state_transitions_total",
			Help: "Total belt controller state transitions, by to_state.",
		}, []string{"to_state"}),

		BinFillFraction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "bin", Name: "fill_fraction",
			Help: "Current fill fraction per category, in [0,1].",
		}, []string{"category"}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "fsm", Name: "transitions_total",
			Help: "Total system state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosort", Subsystem: "recovery", Name: "faults_total",
			Help: "Total fault publications, by kind.",
		}, []string{"kind"}),

		RecoveryBudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "recovery", Name: "budget_tokens_remaining",
			Help: "Current global retry budget token level.",
		}),

		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "host", Name: "cpu_percent",
			Help: "Last-sampled CPU utilization percentage.",
		}),
		MemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "host", Name: "mem_percent",
			Help: "Last-sampled memory utilization percentage.",
		}),
		TempCelsius: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "host", Name: "temperature_celsius",
			Help: "Last-sampled maximum sensor temperature.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecosort", Subsystem: "storage", Name: "write_latency_seconds",
			Help:    "bbolt ledger write transaction latency.",
			Buckets: prometheus.DefBuckets,
		}),
		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "storage", Name: "ledger_entries",
			Help: "Current number of ledger entries retained.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosort", Subsystem: "orchestrator", Name: "uptime_seconds",
			Help: "Seconds since the orchestrator started.",
		}),
	}

	reg.MustRegister(
		m.ItemsActuatedTotal, m.ItemsDroppedTotal, m.FireJitterSeconds, m.PendingFires,
		m.ClassificationConfidence, m.ClassificationsTotal,
		m.DiverterFaultsTotal, m.DiverterOperationsTotal, m.BeltStateTransitionsTotal,
		m.BinFillFraction,
		m.StateTransitionsTotal, m.FaultsTotal, m.RecoveryBudgetTokensRemaining,
		m.CPUPercent, m.MemPercent, m.TempCelsius,
		m.StorageWriteLatency, m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
