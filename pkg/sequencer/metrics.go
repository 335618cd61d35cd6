package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsAppendedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sequencer_events_appended_total",
	Help: "The total number of events appended to the log",
}, []string{"kind"})

var eventsInvalidatedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sequencer_events_invalidated_total",
	Help: "The total number of events tombstoned in the log",
})

var eventsTrimmedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sequencer_events_trimmed_total",
	Help: "The total number of events deleted by TTL trims",
})

var lastSeqGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sequencer_last_seq",
	Help: "The sequence number of the last event appended",
})

var appendDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sequencer_append_duration_seconds",
	Help:    "The amount of time it takes to durably append an event",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
})
