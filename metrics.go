package greenhub

import "github.com/prometheus/client_golang/prometheus"

// hubMetrics are the hub's prometheus instruments. They are always
// created; they are registered only when WithMetrics is given a
// non-nil registry.
type hubMetrics struct {
	listenersGauge   prometheus.Gauge
	timersScheduled  prometheus.Counter
	timerFaults      prometheus.Counter
	eventsDispatched prometheus.Counter
}

func newHubMetrics(reg *prometheus.Registry) *hubMetrics {
	m := &hubMetrics{
		listenersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greenhub_listeners",
			Help: "Number of listeners currently registered with the hub.",
		}),
		timersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhub_timers_scheduled_total",
			Help: "Number of timers scheduled via AddTimer/AddLocalTimer.",
		}),
		timerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhub_timer_faults_total",
			Help: "Number of timer callbacks that panicked and were squelched.",
		}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greenhub_events_dispatched_total",
			Help: "Number of readiness events dispatched to listener callbacks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.listenersGauge, m.timersScheduled, m.timerFaults, m.eventsDispatched)
	}
	return m
}
