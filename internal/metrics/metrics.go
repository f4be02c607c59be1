package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the experiment runtime.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	DrawsTotal    *prometheus.CounterVec
	UpdatesTotal  prometheus.Counter

	CheckpointsTotal prometheus.Counter
	CheckpointErrors prometheus.Counter
	RestartsTotal    prometheus.Counter
	DegradedTotal    prometheus.Counter

	ExperimentsLive   prometheus.Gauge
	AccountantDropped prometheus.Counter
}

// New creates and registers all metrics against the given registerer.
// Pass prometheus.DefaultRegisterer in the server; tests use their own
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bnd_requests_total",
			Help: "HTTP requests served, by route and status",
		}, []string{"route", "status"}),
		DrawsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bnd_draws_total",
			Help: "Arm draws served, by policy type",
		}, []string{"policy"}),
		UpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_updates_total",
			Help: "Reward updates applied (batch entries included)",
		}),
		CheckpointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_checkpoints_total",
			Help: "Experiment snapshots handed to the state store",
		}),
		CheckpointErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_checkpoint_errors",
			Help: "Checkpoint attempts that failed and will retry next tick",
		}),
		RestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_actor_restarts_total",
			Help: "Experiment actors restarted by the supervisor",
		}),
		DegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_actor_degraded_total",
			Help: "Experiment actors removed after exhausting their restart budget",
		}),
		ExperimentsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bnd_experiments_live",
			Help: "Experiments currently registered in the repository",
		}),
		AccountantDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bnd_accountant_dropped",
			Help: "Request log records dropped because the accountant queue was full",
		}),
	}
}
