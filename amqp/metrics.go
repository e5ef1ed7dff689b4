package amqp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rabbit_session"

// sessionMetrics holds the collectors of a single Session. Collectors exist even when
// no registerer is configured so call sites never check for nil.
type sessionMetrics struct {
	Recoveries              prometheus.Counter
	RecoveryDuration        prometheus.Histogram
	ChannelRecoveryFailures prometheus.Counter
	Deliveries              *prometheus.CounterVec
	HandlerErrors           *prometheus.CounterVec
	StaleAcks               prometheus.Counter
}

func newSessionMetrics(registerer prometheus.Registerer) (*sessionMetrics, error) {
	metrics := &sessionMetrics{
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recoveries_total",
			Help:      "The total number of completed connection recoveries.",
		}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_duration_seconds",
			Help:      "The time from connection loss to the session reporting open again.",
		}),
		ChannelRecoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_recovery_failures_total",
			Help:      "The total number of channels that failed to recover.",
		}),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "The total number of deliveries handed to consumers.",
			},
			[]string{"discipline"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_errors_total",
				Help:      "The total number of delivery handlers that failed.",
			},
			[]string{"discipline"},
		),
		StaleAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_acks_total",
			Help:      "The total number of acknowledgements refused for a stale delivery tag.",
		}),
	}

	if registerer == nil {
		return metrics, nil
	}

	for _, collector := range []prometheus.Collector{
		metrics.Recoveries,
		metrics.RecoveryDuration,
		metrics.ChannelRecoveryFailures,
		metrics.Deliveries,
		metrics.HandlerErrors,
		metrics.StaleAcks,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, errors.Wrap(err, "register session metrics")
		}
	}

	return metrics, nil
}

func (metrics *sessionMetrics) observeRecovery(started time.Time, finished time.Time) {
	metrics.Recoveries.Inc()
	metrics.RecoveryDuration.Observe(finished.Sub(started).Seconds())
}
