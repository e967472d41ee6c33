package usercall

import (
	stderrors "errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wippyai/enclave-net/errors"
)

// Op labels. Kept small and fixed so label cardinality stays bounded.
const (
	opConnect  = "connect"
	opBind     = "bind"
	opAccept   = "accept"
	opRead     = "read"
	opWrite    = "write"
	opShutdown = "shutdown"
	opClose    = "close"
)

var (
	usercallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enclavenet_usercall_total",
		Help: "Total number of usercalls by operation and result kind.",
	}, []string{"op", "result"})

	usercallPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enclavenet_usercall_pending",
		Help: "Current number of in-flight asynchronous usercalls, by operation.",
	}, []string{"op"})

	usercallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enclavenet_usercall_duration_seconds",
		Help:    "Time from issuing a usercall to its completion, by operation.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"op"})
)

// resultLabel is "ok" for success, "eof" for a clean end of stream and the
// error kind otherwise.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, io.EOF):
		return "eof"
	}
	return string(errors.KindOf(err))
}

// recordResult counts a finished usercall and observes its latency.
func recordResult(op string, start time.Time, err error) {
	usercallTotal.WithLabelValues(op, resultLabel(err)).Inc()
	usercallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// countResult counts a usercall without observing latency. Used for
// rejected usercalls and for pass-through I/O.
func countResult(op string, err error) {
	usercallTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func pendingInc(op string) { usercallPending.WithLabelValues(op).Inc() }
func pendingDec(op string) { usercallPending.WithLabelValues(op).Dec() }
