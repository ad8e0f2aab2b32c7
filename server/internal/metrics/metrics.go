package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 记录导航核心的健康度。所有方法对 nil 接收者安全，组件可以不注入指标。
type Metrics struct {
	publishes       prometheus.Counter
	swaps           prometheus.Counter
	pendingDropped  prometheus.Counter
	activeContexts  prometheus.Gauge
	backfillItems   prometheus.Counter
	preloads        *prometheus.CounterVec
	preloadInflight prometheus.Gauge
	metadataBatches prometheus.Counter
	queueDepth      prometheus.Gauge
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// New 使用默认注册表构建（进程内单例）。
func New() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegisterer 允许测试使用独立注册表。
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		publishes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "navigation",
			Name:      "publish_total",
			Help:      "Number of public navigation states published",
		}),
		swaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "navigation",
			Name:      "aggregator_swap_total",
			Help:      "Number of pending aggregators promoted to current once ready",
		}),
		pendingDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "navigation",
			Name:      "pending_superseded_total",
			Help:      "Number of pending aggregators replaced before they became ready",
		}),
		activeContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storynav",
			Subsystem: "navigation",
			Name:      "author_contexts",
			Help:      "Author contexts currently subscribed upstream",
		}),
		backfillItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "navigation",
			Name:      "backfill_items_total",
			Help:      "Placeholder items requested for backfill",
		}),
		preloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "preload",
			Name:      "fetch_total",
			Help:      "Preload fetches by outcome",
		}, []string{"outcome"}),
		preloadInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storynav",
			Subsystem: "preload",
			Name:      "inflight",
			Help:      "Preload fetches currently tracked by the scheduler",
		}),
		metadataBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storynav",
			Subsystem: "metadata",
			Name:      "refresh_batch_total",
			Help:      "Metadata refresh batches issued",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storynav",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tasks waiting on the serial queue",
		}),
	}
}

// Preload outcomes.
const (
	PreloadStarted   = "started"
	PreloadCancelled = "cancelled"
	PreloadCompleted = "completed"
	PreloadFailed    = "failed"
	PreloadCached    = "cached"
)

func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.publishes.Inc()
}

func (m *Metrics) Swapped() {
	if m == nil {
		return
	}
	m.swaps.Inc()
}

func (m *Metrics) PendingSuperseded() {
	if m == nil {
		return
	}
	m.pendingDropped.Inc()
}

func (m *Metrics) ContextOpened() {
	if m == nil {
		return
	}
	m.activeContexts.Inc()
}

func (m *Metrics) ContextClosed() {
	if m == nil {
		return
	}
	m.activeContexts.Dec()
}

func (m *Metrics) BackfillRequested(n int) {
	if m == nil {
		return
	}
	m.backfillItems.Add(float64(n))
}

func (m *Metrics) Preload(outcome string) {
	if m == nil {
		return
	}
	m.preloads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PreloadInflight(n int) {
	if m == nil {
		return
	}
	m.preloadInflight.Set(float64(n))
}

func (m *Metrics) MetadataBatch() {
	if m == nil {
		return
	}
	m.metadataBatches.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
