package telemetry

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	latencyAlpha     = 0.2
	notifyWindowSize = 100
)

// Recorder owns the process metrics and the running figures the health
// snapshot is computed from. All methods are safe on a nil receiver.
type Recorder struct {
	registry *prometheus.Registry

	samplesAccepted  *prometheus.CounterVec
	samplesRejected  prometheus.Counter
	ingestOverloaded prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	storeWritten     prometheus.Counter
	storeDropped     prometheus.Counter
	storeLatency     prometheus.Histogram
	storeRetries     prometheus.Counter
	alertsFired      *prometheus.CounterVec
	alertsSuppressed prometheus.Counter
	notifications    *prometheus.CounterVec
	hubSubscribers   prometheus.Gauge
	hubEvicted       prometheus.Counter
	maintenanceRuns  *prometheus.CounterVec

	latencyMu   sync.Mutex
	latencyEWMA float64 // milliseconds

	dropped    atomic.Int64
	suppressed atomic.Int64
	fired      atomic.Int64

	notifyMu   sync.Mutex
	notifyRing [notifyWindowSize]bool
	notifyLen  int
	notifyPos  int
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		samplesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfpulse_samples_accepted_total",
			Help: "Samples admitted to the ingestion queues",
		}, []string{"category"}),
		samplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_samples_rejected_total",
			Help: "Payloads rejected by validation",
		}),
		ingestOverloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_ingest_overloaded_total",
			Help: "Batches refused because the queues were full",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perfpulse_queue_depth",
			Help: "Current depth of the internal queues",
		}, []string{"queue"}),
		storeWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_store_written_samples_total",
			Help: "Samples persisted by the store writer",
		}),
		storeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_store_dropped_samples_total",
			Help: "Samples dropped after the store writer exhausted its retries",
		}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perfpulse_store_write_seconds",
			Help:    "Latency of one store batch write",
			Buckets: prometheus.DefBuckets,
		}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_store_write_retries_total",
			Help: "Store batch write retries",
		}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfpulse_alerts_fired_total",
			Help: "Alerts created by the evaluator",
		}, []string{"severity"}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_alerts_suppressed_total",
			Help: "Breaches suppressed by an active cooldown",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfpulse_notifications_total",
			Help: "Notification attempts by channel and result",
		}, []string{"channel", "result"}),
		hubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perfpulse_hub_subscribers",
			Help: "Connected real-time subscribers",
		}),
		hubEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfpulse_hub_evicted_total",
			Help: "Subscribers dropped because their buffer overflowed",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfpulse_store_maintenance_runs_total",
			Help: "Store maintenance job runs by job and result",
		}, []string{"job", "result"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.samplesAccepted, r.samplesRejected, r.ingestOverloaded, r.queueDepth,
		r.storeWritten, r.storeDropped, r.storeLatency, r.storeRetries,
		r.alertsFired, r.alertsSuppressed, r.notifications,
		r.hubSubscribers, r.hubEvicted, r.maintenanceRuns,
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) SampleAccepted(category string, n int) {
	if r == nil {
		return
	}
	r.samplesAccepted.WithLabelValues(category).Add(float64(n))
}

func (r *Recorder) SampleRejected() {
	if r == nil {
		return
	}
	r.samplesRejected.Inc()
}

func (r *Recorder) Overloaded() {
	if r == nil {
		return
	}
	r.ingestOverloaded.Inc()
}

func (r *Recorder) SetQueueDepth(queue string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveStoreWrite records one successful batch write and folds its latency
// into the moving average used by the health snapshot.
func (r *Recorder) ObserveStoreWrite(d time.Duration, n int) {
	if r == nil {
		return
	}
	r.storeWritten.Add(float64(n))
	r.storeLatency.Observe(d.Seconds())
	ms := float64(d) / float64(time.Millisecond)
	r.latencyMu.Lock()
	if r.latencyEWMA == 0 {
		r.latencyEWMA = ms
	} else {
		r.latencyEWMA = latencyAlpha*ms + (1-latencyAlpha)*r.latencyEWMA
	}
	r.latencyMu.Unlock()
}

func (r *Recorder) StoreRetry() {
	if r == nil {
		return
	}
	r.storeRetries.Inc()
}

func (r *Recorder) StoreDropped(n int) {
	if r == nil {
		return
	}
	r.storeDropped.Add(float64(n))
	r.dropped.Add(int64(n))
}

func (r *Recorder) AlertFired(severity string) {
	if r == nil {
		return
	}
	r.alertsFired.WithLabelValues(severity).Inc()
	r.fired.Add(1)
}

func (r *Recorder) AlertSuppressed() {
	if r == nil {
		return
	}
	r.alertsSuppressed.Inc()
	r.suppressed.Add(1)
}

// NotificationResult records one channel attempt in the counters and in the
// sliding window behind NotificationFailureRate.
func (r *Recorder) NotificationResult(channel string, ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.notifications.WithLabelValues(channel, result).Inc()

	r.notifyMu.Lock()
	r.notifyRing[r.notifyPos] = ok
	r.notifyPos = (r.notifyPos + 1) % notifyWindowSize
	if r.notifyLen < notifyWindowSize {
		r.notifyLen++
	}
	r.notifyMu.Unlock()
}

func (r *Recorder) SubscriberAdded() {
	if r == nil {
		return
	}
	r.hubSubscribers.Inc()
}

func (r *Recorder) SubscriberRemoved(evicted bool) {
	if r == nil {
		return
	}
	r.hubSubscribers.Dec()
	if evicted {
		r.hubEvicted.Inc()
	}
}

func (r *Recorder) MaintenanceRun(job string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.maintenanceRuns.WithLabelValues(job, result).Inc()
}

// StoreLatencyMs is the moving average of store batch write latency.
func (r *Recorder) StoreLatencyMs() float64 {
	if r == nil {
		return 0
	}
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	return r.latencyEWMA
}

func (r *Recorder) DroppedSamples() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Recorder) SuppressedAlerts() int64 {
	if r == nil {
		return 0
	}
	return r.suppressed.Load()
}

func (r *Recorder) FiredAlerts() int64 {
	if r == nil {
		return 0
	}
	return r.fired.Load()
}

// NotificationFailureRate is the share of failed attempts among the most
// recent dispatches, or 0 when nothing was dispatched yet.
func (r *Recorder) NotificationFailureRate() float64 {
	if r == nil {
		return 0
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if r.notifyLen == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < r.notifyLen; i++ {
		if !r.notifyRing[i] {
			failed++
		}
	}
	rate := float64(failed) / float64(r.notifyLen)
	return math.Round(rate*1000) / 1000
}
