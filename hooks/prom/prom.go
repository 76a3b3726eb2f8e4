// Package prom exports atomcache hook events as Prometheus counters.
//
//	reg := prometheus.NewRegistry()
//	hooks := prom.New(reg, "myapp")
//	books, _ := atomcache.NewSource(fetchBook, atomcache.WithHooks(hooks))
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/atomcache"
)

type Hooks struct {
	selfHeal      *prometheus.CounterVec
	setRejected   prometheus.Counter
	fetchFailed   *prometheus.CounterVec
	deduplicated  *prometheus.CounterVec
	batches       prometheus.Counter
	batchItems    prometheus.Histogram
	listenerFails *prometheus.CounterVec
}

var _ atomcache.Hooks = (*Hooks)(nil)

// New creates the collectors under namespace and registers them with reg.
// Panics if they are already registered, like prometheus.MustRegister.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	const sub = "atomcache"
	h := &Hooks{
		selfHeal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "self_heal_total",
			Help: "Stored values deleted on read, by reason.",
		}, []string{"reason"}),
		setRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "provider_set_rejected_total",
			Help: "Provider writes rejected under pressure.",
		}),
		fetchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "fetch_failed_total",
			Help: "Failed getter, bulk, producer or action invocations.",
		}, []string{"kind"}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "deduplicated_total",
			Help: "Calls that joined an in-flight invocation.",
		}, []string{"kind"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "batches_total",
			Help: "Bulk calls issued by compositions.",
		}),
		batchItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: sub, Name: "batch_items",
			Help:    "Items per bulk call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		listenerFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: "listener_failed_total",
			Help: "Listeners that returned an error or panicked, by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(h.selfHeal, h.setRejected, h.fetchFailed, h.deduplicated,
			h.batches, h.batchItems, h.listenerFails)
	}
	return h
}

func (h *Hooks) SelfHeal(_, reason string)  { h.selfHeal.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderSetRejected(string) { h.setRejected.Inc() }

func (h *Hooks) FetchFailed(kind atomcache.Kind, _ uint32, _ error) {
	h.fetchFailed.WithLabelValues(kind.String()).Inc()
}

func (h *Hooks) Deduplicated(kind atomcache.Kind, _ uint32) {
	h.deduplicated.WithLabelValues(kind.String()).Inc()
}

func (h *Hooks) BatchDispatched(_ uint32, size int) {
	h.batches.Inc()
	h.batchItems.Observe(float64(size))
}

func (h *Hooks) ListenerFailed(event atomcache.EventName, _ error) {
	h.listenerFails.WithLabelValues(string(event)).Inc()
}
