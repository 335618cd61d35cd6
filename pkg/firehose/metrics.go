package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "firehose_subscribers_connected",
	Help: "The number of subscribers connected to the firehose",
})

var framesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "firehose_frames_delivered_total",
	Help: "The total number of frames delivered to subscribers",
}, []string{"ip_address"})

var bytesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "firehose_bytes_delivered_total",
	Help: "The total number of bytes delivered to subscribers",
}, []string{"ip_address"})

var framesProducedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_frames_produced_total",
	Help: "The total number of frames pushed into subscriber channels",
})

var framesDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_frames_dropped_total",
	Help: "The total number of stored events skipped because they could not be translated",
})

var slowConsumersEvictedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_slow_consumers_evicted_total",
	Help: "The total number of subscribers evicted for exceeding the send timeout",
})

var cursorsClampedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_cursors_clamped_total",
	Help: "The total number of subscriptions whose cursor was clamped into the replay window",
})

var producerReadErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_producer_read_errors_total",
	Help: "The total number of event log read errors hit by producers",
})

var producersAbandonedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_producers_abandoned_total",
	Help: "The total number of producers that gave up after exhausting their retry budget",
})
