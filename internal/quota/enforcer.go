package quota

import (
	"context"
	"fmt"

	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/tenant"
)

// CheckResult is the full verdict of a limit check.
type CheckResult struct {
	Allowed    bool    `json:"allowed"`
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"` // -1 when unlimited
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	Warning    string  `json:"warning,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// LimitEnforcer composes the usage tracker into yes/no admission
// decisions against a tenant's plan limits.
type LimitEnforcer struct {
	tracker *UsageTracker
	// WarnAbove is the percentage past which Check attaches a warning.
	// Default 80.
	WarnAbove float64
}

func NewLimitEnforcer(tracker *UsageTracker) *LimitEnforcer {
	return &LimitEnforcer{tracker: tracker, WarnAbove: 80}
}

// Check evaluates a metric without mutating anything.
func (e *LimitEnforcer) Check(ctx context.Context, t *tenant.Tenant, m tenant.Metric) (*CheckResult, error) {
	limit := t.Limits.For(m)
	if limit == tenant.Unlimited {
		return &CheckResult{Allowed: true, Limit: tenant.Unlimited, Remaining: tenant.Unlimited}, nil
	}

	current, err := e.tracker.Get(ctx, t.ID, m)
	if err != nil {
		return nil, err
	}
	return e.verdict(current, limit, m), nil
}

// Enforce fails with LIMIT_EXCEEDED when the metric is at or over its
// cap.
func (e *LimitEnforcer) Enforce(ctx context.Context, t *tenant.Tenant, m tenant.Metric) error {
	res, err := e.Check(ctx, t, m)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return protocol.E(protocol.CodeLimitExceeded, "%s limit reached (%d/%d)", m, res.Current, res.Limit)
	}
	return nil
}

// EnforceAndIncrement increments the counter and rechecks the post-
// increment value, so concurrent callers cannot all slip under the cap.
// The counter is rolled back when the recheck fails.
func (e *LimitEnforcer) EnforceAndIncrement(ctx context.Context, t *tenant.Tenant, m tenant.Metric, by int64) (*CheckResult, error) {
	limit := t.Limits.For(m)
	if limit == tenant.Unlimited {
		if _, err := e.tracker.Increment(ctx, t, t.ID, m, by); err != nil {
			return nil, err
		}
		return &CheckResult{Allowed: true, Limit: tenant.Unlimited, Remaining: tenant.Unlimited}, nil
	}

	current, err := e.tracker.Increment(ctx, t, t.ID, m, by)
	if err != nil {
		return nil, err
	}
	if current > limit {
		// Undo the provisional increment; the linearizable storage
		// keeps concurrent outcomes consistent.
		if _, rbErr := e.tracker.Increment(ctx, nil, t.ID, m, -by); rbErr != nil {
			return nil, fmt.Errorf("rollback after limit: %w", rbErr)
		}
		res := e.verdict(current-by, limit, m)
		res.Allowed = false
		res.Error = fmt.Sprintf("%s limit reached (%d/%d)", m, limit, limit)
		return res, protocol.E(protocol.CodeLimitExceeded, "%s limit reached (%d/%d)", m, limit, limit)
	}

	// The increment was admitted even if it landed exactly on the cap.
	res := &CheckResult{
		Allowed:    true,
		Current:    current,
		Limit:      limit,
		Remaining:  limit - current,
		Percentage: float64(current) / float64(limit) * 100,
	}
	if res.Percentage >= e.WarnAbove {
		res.Warning = fmt.Sprintf("%s usage at %.0f%% of plan limit", m, res.Percentage)
	}
	return res, nil
}

func (e *LimitEnforcer) verdict(current, limit int64, m tenant.Metric) *CheckResult {
	res := &CheckResult{
		Current:   current,
		Limit:     limit,
		Remaining: limit - current,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	res.Allowed = current < limit
	res.Percentage = float64(current) / float64(limit) * 100
	if !res.Allowed {
		res.Error = fmt.Sprintf("%s limit reached (%d/%d)", m, current, limit)
	} else if res.Percentage >= e.WarnAbove {
		res.Warning = fmt.Sprintf("%s usage at %.0f%% of plan limit", m, res.Percentage)
	}
	return res
}
