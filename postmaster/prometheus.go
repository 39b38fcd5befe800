package postmaster

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	ConnectionAttempts prometheus.Counter
	ConnectionFailures prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	PollerEvents       *prometheus.CounterVec
}

func init() {
	prom.ConnectionAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "connection_attempts",
		Help:      "Number of connection attempts to remote endpoints",
	})
	prom.ConnectionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "connection_failures",
		Help:      "Number of failed connection attempts",
	})
	prom.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "messages_sent",
		Help:      "Number of messages written to the wire",
	})
	prom.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "messages_received",
		Help:      "Number of messages reassembled from the wire",
	})
	prom.BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "bytes_sent",
		Help:      "Number of payload bytes written to the wire",
	})
	prom.BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "bytes_received",
		Help:      "Number of payload bytes read from the wire",
	})
	prom.PollerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xrdclient",
		Subsystem: "postmaster",
		Name:      "poller_events",
		Help:      "Number of socket readiness events dispatched to substreams",
	}, []string{"type"})
}

func promPoller(ev interface{ String() string }) {
	prom.PollerEvents.WithLabelValues(ev.String()).Inc()
}

func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.ConnectionAttempts,
		prom.ConnectionFailures,
		prom.MessagesSent,
		prom.MessagesReceived,
		prom.BytesSent,
		prom.BytesReceived,
		prom.PollerEvents,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
