package task

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "colony-tasks/services/task"

type metrics struct {
	enqueued  metric.Int64Counter
	claimed   metric.Int64Counter
	finished  metric.Int64Counter
	requeued  metric.Int64Counter
	abandoned metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			zap.L().Warn("failed to create counter", zap.String("name", name), zap.Error(err))
		}
		return c
	}

	m.enqueued = counter("colony_tasks_enqueued_total", "Tasks accepted by Enqueue")
	m.claimed = counter("colony_tasks_claimed_total", "Tasks handed to a worker")
	m.finished = counter("colony_tasks_finished_total", "Tasks that reached completed or failed")
	m.requeued = counter("colony_tasks_requeued_total", "Stuck tasks returned to pending")
	m.abandoned = counter("colony_tasks_abandoned_total", "Tasks failed by the detector")
	return m
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
