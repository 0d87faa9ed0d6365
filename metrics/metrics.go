// Package metrics holds the process-wide prometheus collectors for imapd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command tracks IMAP command latency, by command name and result
// (ok/badsyntax/usererror/servererror/ioerror/panic).
var Command = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "imapd_command_duration_seconds",
		Help:    "Duration of IMAP commands.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	},
	[]string{"cmd", "result"},
)

// SessionInitialiserRuns counts SessionInitialiser runs, by outcome
// (skipped/ran/coalesced/failed).
var SessionInitialiserRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imapd_session_initialiser_runs_total",
		Help: "Number of SessionInitialiser runs, by outcome.",
	},
	[]string{"outcome"},
)

// SessionsGauge tracks the number of live Sessions per mailbox id.
var SessionsGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "imapd_mailbox_sessions",
		Help: "Number of live Sessions attached to a mailbox.",
	},
	[]string{"mailbox_id"},
)

// ModSeqBumps counts modseq-consuming commits, by command (store/fetch-seen/expunge).
var ModSeqBumps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imapd_modseq_bumps_total",
		Help: "Number of committed transactions that advanced a mailbox's nextmodseq.",
	},
	[]string{"cmd"},
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imapd_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{"pkg"},
)

// PanicInc records an unhandled panic recovered in pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
