package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"licensehub/pkg/contracts/domain"
)

// FraudPolicy holds the scoring constants
type FraudPolicy struct {
	Window time.Duration

	HammeringThreshold int
	HammeringWeight    int

	IPChurnThreshold int
	IPChurnWeight    int

	DeviceReuseWeight int

	FlagScore  int
	BlockScore int

	LookupTimeout time.Duration
}

// DefaultFraudPolicy returns the production scoring constants
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		Window:             24 * time.Hour,
		HammeringThreshold: 5,
		HammeringWeight:    40,
		IPChurnThreshold:   3,
		IPChurnWeight:      30,
		DeviceReuseWeight:  35,
		FlagScore:          30,
		BlockScore:         70,
		LookupTimeout:      2 * time.Second,
	}
}

// FraudInput identifies what is being scored. IPAddress and DeviceIDHash
// are optional.
type FraudInput struct {
	LicenseID    string
	IPAddress    string
	DeviceIDHash string
}

// FraudEngine scores licenses from recent activity history. It never
// returns an error: history failures produce an allow result.
type FraudEngine struct {
	history HistoryReader
	policy  FraudPolicy
	logger  *slog.Logger
	metrics *LicenseMetrics
	now     func() time.Time
}

// NewFraudEngine creates a fraud engine. metrics may be nil.
func NewFraudEngine(history HistoryReader, policy FraudPolicy, logger *slog.Logger, metrics *LicenseMetrics, now func() time.Time) *FraudEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &FraudEngine{
		history: history,
		policy:  policy,
		logger:  logger.With(slog.String("component", "fraud_engine")),
		metrics: metrics,
		now:     now,
	}
}

// Evaluate applies hammering, IP churn and device reuse rules in that order
func (e *FraudEngine) Evaluate(ctx context.Context, in FraudInput) domain.FraudCheckResult {
	if e.policy.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.LookupTimeout)
		defer cancel()
	}

	since := e.now().Add(-e.policy.Window)
	window := formatWindow(e.policy.Window)
	score := 0
	reasons := []string{}

	activations, err := e.history.CountRecentActivations(ctx, in.LicenseID, since)
	if err != nil {
		return e.failOpen(ctx, in, "count_recent_activations", err)
	}
	if activations >= e.policy.HammeringThreshold {
		score += e.policy.HammeringWeight
		reasons = append(reasons, fmt.Sprintf("%d device activations in %s", activations, window))
	}

	ips, err := e.history.CountDistinctIPs(ctx, in.LicenseID, since)
	if err != nil {
		return e.failOpen(ctx, in, "count_distinct_ips", err)
	}
	if ips >= e.policy.IPChurnThreshold {
		score += e.policy.IPChurnWeight
		reasons = append(reasons, fmt.Sprintf("%d distinct IP addresses in %s", ips, window))
	}

	if in.DeviceIDHash != "" {
		reused, err := e.history.FindDeviceHashOnOtherLicense(ctx, in.DeviceIDHash, in.LicenseID)
		if err != nil {
			return e.failOpen(ctx, in, "find_device_on_other_license", err)
		}
		if reused {
			score += e.policy.DeviceReuseWeight
			reasons = append(reasons, "device previously activated on another license")
		}
	}

	score = clampScore(score)
	result := domain.FraudCheckResult{
		Suspicious: score > 0,
		Reasons:    reasons,
		RiskScore:  score,
		Action:     e.decide(score),
	}

	e.metrics.RecordFraudDecision(ctx, result)
	if result.Suspicious {
		e.logger.WarnContext(ctx, "suspicious license activity",
			slog.String("license_id", in.LicenseID),
			slog.Int("risk_score", result.RiskScore),
			slog.String("action", string(result.Action)),
			slog.Any("reasons", result.Reasons))
	}
	return result
}

func (e *FraudEngine) decide(score int) domain.FraudAction {
	switch {
	case score >= e.policy.BlockScore:
		return domain.FraudActionBlock
	case score >= e.policy.FlagScore:
		return domain.FraudActionFlag
	default:
		return domain.FraudActionAllow
	}
}

// failOpen logs the lookup failure for later reconciliation
func (e *FraudEngine) failOpen(ctx context.Context, in FraudInput, lookup string, err error) domain.FraudCheckResult {
	e.logger.ErrorContext(ctx, "fraud history lookup failed, allowing",
		slog.String("license_id", in.LicenseID),
		slog.String("lookup", lookup),
		slog.String("error", err.Error()))
	e.metrics.RecordFraudFailOpen(ctx, lookup)
	return AllowResult()
}

// AllowResult is the neutral fraud outcome
func AllowResult() domain.FraudCheckResult {
	return domain.FraudCheckResult{
		Suspicious: false,
		Reasons:    []string{},
		RiskScore:  0,
		Action:     domain.FraudActionAllow,
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func formatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return d.String()
	}
}
