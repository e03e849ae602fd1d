// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_connection_total",
			Help: "Incoming connections to the selftest protocol engines.",
		},
		[]string{
			"proto", // smtp, imap
			"kind",  // plain, tls
		},
	)
	metricStarttls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_starttls_total",
			Help: "STARTTLS negotiation outcomes, known values: ok, refused, already_tls, drop_after_ready, wrap_failed.",
		},
		[]string{
			"proto",
			"result",
		},
	)
	metricAuthObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_auth_observed_total",
			Help: "Authentication attempts observed on the wire, by mechanism and TLS state. Credentials are never verified or stored.",
		},
		[]string{
			"proto",
			"mech", // plain, login
			"tls",  // plain, tls
		},
	)
	metricDisruption = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_disruption_total",
			Help: "Mode-driven disruptions injected into connections, by mode and injection point.",
		},
		[]string{
			"mode",
			"point", // implicit_tls_blocked, starttls_refused, drop_after_ready, after_handshake, after_auth
		},
	)
)

func ConnectionInc(proto string, tls bool) {
	metricConnection.WithLabelValues(proto, tlsLabel(tls)).Inc()
}

func StarttlsInc(proto, result string) {
	metricStarttls.WithLabelValues(proto, result).Inc()
}

func AuthObservedInc(proto, mech string, tls bool) {
	metricAuthObserved.WithLabelValues(proto, mech, tlsLabel(tls)).Inc()
}

func DisruptionInc(mode, point string) {
	metricDisruption.WithLabelValues(mode, point).Inc()
}

func tlsLabel(tls bool) string {
	if tls {
		return "tls"
	}
	return "plain"
}
