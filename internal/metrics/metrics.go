// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/durable/pkg/api"
)

const (
	workflowType = "workflow_type"
	activityType = "activity_type"
	status       = "status"
	outcome      = "outcome"
	eventType    = "event_type"
)

// PrometheusObserver is an api.Observer that records into a caller-supplied
// registry. Two observers can share a process as long as they use
// different registries.
type PrometheusObserver struct {
	api.NoopObserver

	workflowsStarted  *prometheus.CounterVec
	workflowsClosed   *prometheus.CounterVec
	workflowsRunning  *prometheus.GaugeVec
	taskLatency       *prometheus.HistogramVec
	taskErrors        *prometheus.CounterVec
	activityLatency   *prometheus.HistogramVec
	activityRetries   *prometheus.CounterVec
	activitiesRunning *prometheus.GaugeVec
	eventsAppended    *prometheus.CounterVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_workflows_started_total",
			Help: "Number of workflow runs started",
		}, []string{workflowType}),
		workflowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_workflows_closed_total",
			Help: "Number of workflow runs closed, by terminal status",
		}, []string{workflowType, status}),
		workflowsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "durable_workflows_running",
			Help: "Workflow runs started and not yet closed by this process",
		}, []string{workflowType}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_workflow_task_latency_seconds",
			Help:    "Time spent replaying and appending per workflow task",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10},
		}, []string{workflowType}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_workflow_task_error_count",
			Help: "Number of workflow tasks that returned an error",
		}, []string{workflowType}),
		activityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_activity_latency_seconds",
			Help:    "Activity attempt duration in seconds",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
		}, []string{activityType, outcome}),
		activityRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_activity_retries_total",
			Help: "Number of activity attempts scheduled again after a failure",
		}, []string{activityType}),
		activitiesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "durable_activities_running",
			Help: "Activity attempts currently executing",
		}, []string{activityType}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_history_events_appended_total",
			Help: "Number of history events durably appended",
		}, []string{eventType}),
	}

	for _, c := range o.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.workflowsStarted,
		o.workflowsClosed,
		o.workflowsRunning,
		o.taskLatency,
		o.taskErrors,
		o.activityLatency,
		o.activityRetries,
		o.activitiesRunning,
		o.eventsAppended,
	}
}

// Reset zeroes every metric.
func (o *PrometheusObserver) Reset() {
	o.workflowsStarted.Reset()
	o.workflowsClosed.Reset()
	o.workflowsRunning.Reset()
	o.taskLatency.Reset()
	o.taskErrors.Reset()
	o.activityLatency.Reset()
	o.activityRetries.Reset()
	o.activitiesRunning.Reset()
	o.eventsAppended.Reset()
}

func (o *PrometheusObserver) OnWorkflowStart(ctx context.Context, snap *api.Snapshot) {
	o.workflowsStarted.WithLabelValues(snap.WorkflowType).Inc()
	o.workflowsRunning.WithLabelValues(snap.WorkflowType).Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, snap *api.Snapshot) {
	o.closed(snap)
}

func (o *PrometheusObserver) OnWorkflowFailed(ctx context.Context, snap *api.Snapshot) {
	o.closed(snap)
}

func (o *PrometheusObserver) closed(snap *api.Snapshot) {
	o.workflowsClosed.WithLabelValues(snap.WorkflowType, string(snap.Status)).Inc()
	o.workflowsRunning.WithLabelValues(snap.WorkflowType).Dec()
}

func (o *PrometheusObserver) OnWorkflowTask(ctx context.Context, exec api.WorkflowExecution, wfType string, n int, err error, d time.Duration) {
	o.taskLatency.WithLabelValues(wfType).Observe(d.Seconds())
	if err != nil {
		o.taskErrors.WithLabelValues(wfType).Inc()
	}
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, info api.ActivityInfo) {
	o.activitiesRunning.WithLabelValues(info.ActivityType).Inc()
}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, info api.ActivityInfo, err error, d time.Duration) {
	o.activitiesRunning.WithLabelValues(info.ActivityType).Dec()
	o.activityLatency.WithLabelValues(info.ActivityType, outcomeOf(err)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnActivityRetry(ctx context.Context, info api.ActivityInfo, delay time.Duration, err error) {
	o.activityRetries.WithLabelValues(info.ActivityType).Inc()
}

func (o *PrometheusObserver) OnEventsAppended(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) {
	for _, ev := range events {
		o.eventsAppended.WithLabelValues(string(ev.Type)).Inc()
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(api.AsActivityError(err).Kind)
}
