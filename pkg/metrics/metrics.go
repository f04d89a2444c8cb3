package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var ChannelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "flux",
	Subsystem: "channel",
	Name:      "state",
	Help:      "1 for the current push channel state, 0 for the others.",
}, []string{"state"})

var ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "channel",
	Name:      "reconnects",
})

var ChannelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "channel",
	Name:      "errors",
}, []string{"op"})

var DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "channel",
	Name:      "dropped_messages",
}, []string{"reason"})

var AppliedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "applier",
	Name:      "applied_events",
}, []string{"type"})

var DuplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "applier",
	Name:      "duplicate_events",
})

var SnapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flux",
	Subsystem: "snapshot",
	Name:      "fetches",
}, []string{"resource", "result"})

var SnapshotDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "flux",
	Subsystem: "snapshot",
	Name:      "duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"resource"})

// Register adds every collector in this package to r.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		ChannelState, ChannelReconnects, ChannelErrors, DroppedMessages,
		AppliedEvents, DuplicateEvents, SnapshotFetches, SnapshotDuration,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
