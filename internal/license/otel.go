package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensehub/pkg/contracts/domain"
)

const (
	TracerName = "licensehub-license"
	MeterName  = "licensehub-license"
)

// LicenseMetrics holds the license-specific OpenTelemetry instruments. All
// record methods are safe on a nil receiver.
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	GraceValidations   metric.Int64Counter

	// Fraud metrics
	FraudRiskScore     metric.Int64Histogram
	FraudDecisions     metric.Int64Counter
	FraudFailOpen      metric.Int64Counter
	AlertWriteFailures metric.Int64Counter

	// Lifecycle
	Transitions metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	if m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of device activation attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	if m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Device activations rejected, by error code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	if m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("Device activation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	if m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of token validations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	if m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Token validations rejected, by error code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("Token validation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	if m.GraceValidations, err = meter.Int64Counter(
		"license_grace_validations_total",
		metric.WithDescription("Validations that succeeded inside the grace period"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grace validations counter: %w", err)
	}

	if m.FraudRiskScore, err = meter.Int64Histogram(
		"license_fraud_risk_score",
		metric.WithDescription("Distribution of fraud risk scores"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fraud risk score histogram: %w", err)
	}

	if m.FraudDecisions, err = meter.Int64Counter(
		"license_fraud_decisions_total",
		metric.WithDescription("Fraud engine decisions by action"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fraud decisions counter: %w", err)
	}

	if m.FraudFailOpen, err = meter.Int64Counter(
		"license_fraud_fail_open_total",
		metric.WithDescription("Fraud evaluations that failed open on history errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fraud fail open counter: %w", err)
	}

	if m.AlertWriteFailures, err = meter.Int64Counter(
		"license_fraud_alert_write_failures_total",
		metric.WithDescription("Fraud alerts that could not be persisted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create alert write failures counter: %w", err)
	}

	if m.Transitions, err = meter.Int64Counter(
		"license_transitions_total",
		metric.WithDescription("License status transitions by target status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	return m, nil
}

// RecordActivation records one activation outcome
func (m *LicenseMetrics) RecordActivation(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1)
	m.ActivationDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", CodeOf(err))))
	}
}

// RecordValidation records one validation outcome
func (m *LicenseMetrics) RecordValidation(ctx context.Context, duration time.Duration, grace bool, err error) {
	if m == nil {
		return
	}
	m.ValidationAttempts.Add(ctx, 1)
	m.ValidationDuration.Record(ctx, duration.Seconds())
	switch {
	case err != nil:
		m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", CodeOf(err))))
	case grace:
		m.GraceValidations.Add(ctx, 1)
	}
}

// RecordFraudDecision records a completed fraud evaluation
func (m *LicenseMetrics) RecordFraudDecision(ctx context.Context, result domain.FraudCheckResult) {
	if m == nil {
		return
	}
	m.FraudRiskScore.Record(ctx, int64(result.RiskScore))
	m.FraudDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(result.Action))))
}

// RecordFraudFailOpen records a history lookup failure
func (m *LicenseMetrics) RecordFraudFailOpen(ctx context.Context, lookup string) {
	if m == nil {
		return
	}
	m.FraudFailOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("lookup", lookup)))
}

// RecordAlertWriteFailure records a dropped fraud alert
func (m *LicenseMetrics) RecordAlertWriteFailure(ctx context.Context, alertType string) {
	if m == nil {
		return
	}
	m.AlertWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("alert_type", alertType)))
}

// RecordTransition records an admin status change
func (m *LicenseMetrics) RecordTransition(ctx context.Context, to domain.LicenseStatus) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
}

// StartSpan starts a license span with the common attributes
func StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("license.operation", operation),
		attribute.String("component", "license_service"),
	)
	return otel.Tracer(TracerName).Start(ctx, "license."+operation, trace.WithAttributes(attrs...))
}

// EndSpan closes span, classifying err by its stable code
func EndSpan(span trace.Span, start time.Time, err error) {
	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_code", CodeOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
