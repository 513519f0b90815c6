package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const confClientNamespace = "confclient"

var (
	renegotiationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: confClientNamespace,
		Subsystem: "session",
		Name:      "renegotiations_total",
	})
	directSessionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: confClientNamespace,
		Subsystem: "session",
		Name:      "direct_sessions_total",
	})
	activeSessionGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: confClientNamespace,
		Subsystem: "session",
		Name:      "active",
	}, []string{"role"})
	bridgeReconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: confClientNamespace,
		Subsystem: "bridge",
		Name:      "reconnects_total",
	})
)

func init() {
	prometheus.MustRegister(renegotiationCounter)
	prometheus.MustRegister(directSessionCounter)
	prometheus.MustRegister(activeSessionGauge)
	prometheus.MustRegister(bridgeReconnectCounter)
}

func Renegotiation() {
	renegotiationCounter.Inc()
}

func DirectSessionOpened() {
	directSessionCounter.Inc()
}

func ActiveSessionSwitched(role string) {
	activeSessionGauge.Reset()
	activeSessionGauge.WithLabelValues(role).Set(1)
}

func BridgeReconnect() {
	bridgeReconnectCounter.Inc()
}
