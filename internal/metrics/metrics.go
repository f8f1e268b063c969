package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by type.",
		},
		[]string{"type"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_tasks_total",
			Help: "Total number of task executions by type and resulting status.",
		},
		[]string{"type", "status"}, // completed, retry, failed, skipped
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_task_retries_total",
			Help: "Total number of task retries scheduled by type.",
		},
		[]string{"type"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_task_duration_seconds",
			Help:    "Handler execution time by task type.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_tasks_dead_lettered_total",
			Help: "Total number of failed tasks published to the dead-letter topic.",
		},
	)

	StaleTasksRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_stale_tasks_recovered_total",
			Help: "Total number of processing tasks recovered after their lease expired.",
		},
	)

	DispatchBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_dispatch_batch_size",
			Help: "Number of tasks claimed by the last dispatcher poll.",
		},
	)

	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Total number of send attempts by source and outcome.",
		},
		[]string{"source", "outcome"}, // source: campaign, unbound, task; outcome: sent, skipped, deferred, failed
	)

	DeferralsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_deferrals_total",
			Help: "Total number of sends deferred into the task queue by reason.",
		},
		[]string{"reason"}, // smart_timing, window, daily_limit, quiet_hours
	)

	CycleGateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_cycle_gate_total",
			Help: "Total number of sequencer cycles by the gate that ended them.",
		},
		[]string{"gate"}, // inactive, paused, window, sender, reputation, cap, open
	)

	CircuitTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_circuit_trips_total",
			Help: "Total number of times the generation circuit breaker tripped.",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_webhook_events_total",
			Help: "Total number of inbound email events by type and whether they were duplicates.",
		},
		[]string{"event", "duplicate"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksEnqueuedTotal,
		TasksTotal,
		TaskRetriesTotal,
		TaskDuration,
		TasksDeadLetteredTotal,
		StaleTasksRecoveredTotal,
		DispatchBatchSize,
		SendsTotal,
		DeferralsTotal,
		CycleGateTotal,
		CircuitTripsTotal,
		WebhookEventsTotal,
	)
}

// RecordEnqueued counts a task accepted into the queue
func RecordEnqueued(taskType string) {
	TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

// RecordTask records one handler execution and its resulting task status
func RecordTask(taskType, status string, elapsed time.Duration) {
	TasksTotal.WithLabelValues(taskType, status).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
	if status == "retry" {
		TaskRetriesTotal.WithLabelValues(taskType).Inc()
	}
}

func RecordDeadLetter() {
	TasksDeadLetteredTotal.Inc()
}

func RecordStaleRecovered(n int) {
	StaleTasksRecoveredTotal.Add(float64(n))
}

func UpdateBatchSize(n int) {
	DispatchBatchSize.Set(float64(n))
}

func RecordSend(source, outcome string) {
	SendsTotal.WithLabelValues(source, outcome).Inc()
}

func RecordDeferral(reason string) {
	DeferralsTotal.WithLabelValues(reason).Inc()
}

func RecordCycleGate(gate string) {
	CycleGateTotal.WithLabelValues(gate).Inc()
}

func RecordCircuitTrip() {
	CircuitTripsTotal.Inc()
}

func RecordWebhookEvent(event string, duplicate bool) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	WebhookEventsTotal.WithLabelValues(event, dup).Inc()
}
