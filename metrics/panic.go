package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "selftest_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

const (
	Smtpserver = "smtpserver"
	Imapserver = "imapserver"
)

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
