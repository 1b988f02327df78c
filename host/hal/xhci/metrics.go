package xhci

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "command",
		Name:      "issued_total",
		Help:      "Commands placed on the command ring, by TRB type",
	}, []string{"type"})
	metricCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "command",
		Name:      "completed_total",
		Help:      "Command Completion Events received, by completion code",
	}, []string{"code"})
	metricUnmatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "event",
		Name:      "unmatched_total",
		Help:      "Completion events that did not match an outstanding command or transfer",
	})
	metricTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "transfer",
		Name:      "completed_total",
		Help:      "Transfer Events received, by completion code",
	}, []string{"code"})
	metricInterrupts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "event",
		Name:      "interrupts_total",
		Help:      "Interrupts handled",
	})
	metricEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "event",
		Name:      "drained_total",
		Help:      "Event TRBs drained from the event ring",
	})
	metricFatal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "controller",
		Name:      "fatal_recoveries_total",
		Help:      "Host system / host controller errors recovered by reset and restart",
	})
	metricRingFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xhci",
		Subsystem: "ring",
		Name:      "full_total",
		Help:      "Enqueue attempts rejected because the ring had no free slot",
	})
	metricRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xhci",
		Subsystem: "controller",
		Name:      "running",
		Help:      "Whether a controller is in the running state",
	})
)

func init() {
	prometheus.MustRegister(metricCommands)
	prometheus.MustRegister(metricCompletions)
	prometheus.MustRegister(metricUnmatched)
	prometheus.MustRegister(metricTransfers)
	prometheus.MustRegister(metricInterrupts)
	prometheus.MustRegister(metricEvents)
	prometheus.MustRegister(metricFatal)
	prometheus.MustRegister(metricRingFull)
	prometheus.MustRegister(metricRunning)
}
