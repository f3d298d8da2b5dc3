package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
)

type pipelineMetrics struct {
	truncations      metric.Int64Counter
	validationStatus metric.Int64Counter
}

var metricsInit = false
var metrics pipelineMetrics

func ensureMetrics() {
	if metricsInit {
		return
	}
	meter := otel.Meter("github.com/googolhealth/medannotator/backend/pipeline")

	truncations, err := meter.Int64Counter(
		"pipeline.desc.truncations",
		metric.WithDescription("Number of description truncation events"),
	)
	if err != nil {
		return
	}
	validationStatus, err := meter.Int64Counter(
		"pipeline.validation.status",
		metric.WithDescription("Validation outcomes by status"),
	)
	if err != nil {
		return
	}

	metrics = pipelineMetrics{
		truncations:      truncations,
		validationStatus: validationStatus,
	}
	metricsInit = true
}

func recordTruncation(ctx context.Context, stage string) {
	ensureMetrics()
	if !metricsInit {
		return
	}
	metrics.truncations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func recordValidationStatus(ctx context.Context, status entities.ValidationStatus, attempts int) {
	ensureMetrics()
	if !metricsInit {
		return
	}
	metrics.validationStatus.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Int("attempts", attempts),
	))
}
