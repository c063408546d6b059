package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Recorder exposes the service counters. A nil Recorder is valid and records nothing.
type Recorder struct {
	messagesSent     *prometheus.CounterVec
	messagesRecalled prometheus.Counter
	deliveries       *prometheus.CounterVec
	sessions         prometheus.Gauge
	cacheLookups     *prometheus.CounterVec
}

// NewRecorder registers the collectors on the provided registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the message store, by type.",
		}, []string{"type"}),
		messagesRecalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_recalled_total",
			Help:      "Messages recalled by their sender.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_deliveries_total",
			Help:      "Real-time envelopes handed to subscribers, by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions",
			Help:      "Currently open real-time sessions.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_cache_lookups_total",
			Help:      "Conversation list cache lookups, by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		recorder.messagesSent,
		recorder.messagesRecalled,
		recorder.deliveries,
		recorder.sessions,
		recorder.cacheLookups,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func (r *Recorder) MessageSent(messageType string) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(messageType).Inc()
}

func (r *Recorder) MessageRecalled() {
	if r == nil {
		return
	}
	r.messagesRecalled.Inc()
}

func (r *Recorder) Delivered() {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues("delivered").Inc()
}

func (r *Recorder) Dropped() {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues("dropped").Inc()
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("hit").Inc()
}

func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("miss").Inc()
}
