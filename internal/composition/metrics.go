package composition

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"skillflow/pkg/models"
)

const meterName = "skillflow/composition"

type engineMetrics struct {
	executions metric.Int64Counter
	steps      metric.Int64Counter
	duration   metric.Float64Histogram
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	executions, err := meter.Int64Counter("skillflow.executions",
		metric.WithDescription("Workflow executions by terminal status"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("skillflow.steps",
		metric.WithDescription("Workflow steps by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("skillflow.execution.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &engineMetrics{executions: executions, steps: steps, duration: duration}, nil
}

func (m *engineMetrics) recordExecution(ctx context.Context, exec *models.WorkflowExecution) {
	attrs := metric.WithAttributes(
		attribute.String("workflow_id", exec.WorkflowID),
		attribute.String("status", string(exec.Status)),
	)
	m.executions.Add(ctx, 1, attrs)
	if exec.DurationSeconds != nil {
		m.duration.Record(ctx, *exec.DurationSeconds, attrs)
	}
}

func (m *engineMetrics) recordStep(ctx context.Context, skillID, outcome string) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("skill_id", skillID),
		attribute.String("outcome", outcome),
	))
}
