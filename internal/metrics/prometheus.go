package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "flexlev_keeper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry      *prometheus.Registry
	actions       *prometheus.CounterVec
	actionsFailed prometheus.Counter
	authRejected  prometheus.Counter
	preconditions prometheus.Counter
	rewardsPaid   prometheus.Counter
	paused        prometheus.Counter
	resumed       prometheus.Counter
	leverage      prometheus.Gauge
	twapActive    prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "actions_total",
		Help:      "Total number of successful controller actions by kind.",
	}, []string{"action"})
	actionsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "actions_failed_total",
		Help:      "Total number of controller actions that failed.",
	})
	authRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "auth_rejected_total",
		Help:      "Total number of calls rejected by access control.",
	})
	preconditions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "precondition_rejected_total",
		Help:      "Total number of calls rejected by a state precondition.",
	})
	rewardsPaid := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ripcord_rewards_paid_total",
		Help:      "Total number of ripcord rewards paid out.",
	})
	paused := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "keeper_paused_total",
		Help:      "Total number of operator pauses.",
	})
	resumed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "keeper_resumed_total",
		Help:      "Total number of operator resumes.",
	})
	leverage := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "leverage_ratio",
		Help:      "Last observed leverage ratio.",
	})
	twapActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "twap_active",
		Help:      "1 while a chunked rebalance is in progress.",
	})

	registry.MustRegister(actions, actionsFailed, authRejected, preconditions, rewardsPaid, paused, resumed, leverage, twapActive)

	m := &Metrics{
		Engaged:           promCounter{actions.WithLabelValues("engage")},
		Rebalanced:        promCounter{actions.WithLabelValues("rebalance")},
		RebalanceIterated: promCounter{actions.WithLabelValues("iterate_rebalance")},
		RipcordCalled:     promCounter{actions.WithLabelValues("ripcord")},
		Disengaged:        promCounter{actions.WithLabelValues("disengage")},
		ActionsFailed:     promCounter{actionsFailed},
		AuthRejected:      promCounter{authRejected},
		PreconditionSkips: promCounter{preconditions},
		RewardsPaid:       promCounter{rewardsPaid},
		KeeperPaused:      promCounter{paused},
		KeeperResumed:     promCounter{resumed},
		LeverageRatio:     promGauge{leverage},
		TwapActive:        promGauge{twapActive},
	}

	return &Prometheus{
		Metrics:       m,
		registry:      registry,
		actions:       actions,
		actionsFailed: actionsFailed,
		authRejected:  authRejected,
		preconditions: preconditions,
		rewardsPaid:   rewardsPaid,
		paused:        paused,
		resumed:       resumed,
		leverage:      leverage,
		twapActive:    twapActive,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
