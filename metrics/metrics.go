// Package metrics collects the Prometheus series FMTA exposes for its
// listeners, workers, and DNS-backed authentication engines. The shape
// mirrors laitos's Prometheus middleware (histogram per unit of work,
// counter per outcome), generalized from one HTTP handler to FMTA's
// several long-running subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector FMTA registers. A nil *Registry is
// valid and every method becomes a no-op, so components can be built and
// tested without wiring a real Prometheus registerer.
type Registry struct {
	Connections       *prometheus.CounterVec
	CommandDurations  *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	DNSLookups        *prometheus.CounterVec
	AuthResults       *prometheus.CounterVec
	RelayAttempts     *prometheus.CounterVec
	BouncesSent       prometheus.Counter
	MessagesStored    prometheus.Counter
	MessagesRelayed   prometheus.Counter
	StorageFailures   prometheus.Counter
}

// New constructs a Registry and registers all collectors with reg. Pass
// prometheus.NewRegistry() in production, or nil to get an unregistered
// (but still usable) Registry in tests.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "connections_total",
			Help:      "Accepted SMTP connections by listener kind.",
		}, []string{"listener"}),
		CommandDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fmta",
			Name:      "command_duration_seconds",
			Help:      "Time spent handling one SMTP command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fmta",
			Name:      "worker_queue_depth",
			Help:      "Current number of handoffs waiting in a worker queue.",
		}, []string{"worker"}),
		DNSLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "dns_lookups_total",
			Help:      "DNS lookups issued by record type and outcome.",
		}, []string{"qtype", "outcome"}),
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "auth_results_total",
			Help:      "SPF/DKIM/DMARC outcomes by mechanism and result.",
		}, []string{"mechanism", "result"}),
		RelayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "relay_attempts_total",
			Help:      "Outbound relay attempts by outcome.",
		}, []string{"outcome"}),
		BouncesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "bounces_sent_total",
			Help:      "Bounce notifications composed and sent.",
		}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "messages_stored_total",
			Help:      "Messages persisted by the storage worker.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "messages_relayed_total",
			Help:      "Messages successfully relayed by the relay worker.",
		}),
		StorageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fmta",
			Name:      "storage_failures_total",
			Help:      "Storage target writes that failed in the storage worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.Connections, r.CommandDurations, r.QueueDepth,
			r.DNSLookups, r.AuthResults, r.RelayAttempts, r.BouncesSent,
			r.MessagesStored, r.MessagesRelayed, r.StorageFailures)
	}
	return r
}

func (r *Registry) IncConnections(listener string) {
	if r == nil {
		return
	}
	r.Connections.WithLabelValues(listener).Inc()
}

func (r *Registry) ObserveCommand(verb string, seconds float64) {
	if r == nil {
		return
	}
	r.CommandDurations.WithLabelValues(verb).Observe(seconds)
}

func (r *Registry) SetQueueDepth(worker string, depth int) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(worker).Set(float64(depth))
}

func (r *Registry) IncDNSLookup(qtype, outcome string) {
	if r == nil {
		return
	}
	r.DNSLookups.WithLabelValues(qtype, outcome).Inc()
}

func (r *Registry) IncAuthResult(mechanism, result string) {
	if r == nil {
		return
	}
	r.AuthResults.WithLabelValues(mechanism, result).Inc()
}

func (r *Registry) IncRelayAttempt(outcome string) {
	if r == nil {
		return
	}
	r.RelayAttempts.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncBounce() {
	if r == nil {
		return
	}
	r.BouncesSent.Inc()
}

func (r *Registry) IncStored() {
	if r == nil {
		return
	}
	r.MessagesStored.Inc()
}

func (r *Registry) IncRelayed() {
	if r == nil {
		return
	}
	r.MessagesRelayed.Inc()
}

func (r *Registry) IncStorageFailure() {
	if r == nil {
		return
	}
	r.StorageFailures.Inc()
}
