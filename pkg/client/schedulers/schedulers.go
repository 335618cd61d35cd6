// Package schedulers holds the metrics shared by the client scheduler
// implementations.
package schedulers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var WorkItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_added_total",
	Help: "The total number of work items added to a scheduler",
}, []string{"ident", "scheduler_type"})

var WorkItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_processed_total",
	Help: "The total number of work items processed by a scheduler",
}, []string{"ident", "scheduler_type"})

var WorkItemsActive = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_active_total",
	Help: "The total number of work items dispatched to handlers",
}, []string{"ident", "scheduler_type"})

var WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scheduler_workers_active",
	Help: "The number of workers a scheduler is running",
}, []string{"ident", "scheduler_type"})
