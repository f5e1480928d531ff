package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/behavex/realtime/internal/tenant"
)

// PeriodKind selects the counter period for a metric.
type PeriodKind int

const (
	PeriodMonthly PeriodKind = iota // YYYY-MM
	PeriodDaily                     // YYYY-MM-DD
)

// periodOf maps each metric to its accounting period. API calls are
// billed monthly; everything else is tracked monthly too unless a
// deployment overrides it.
var periodOf = map[tenant.Metric]PeriodKind{
	tenant.MetricAPICalls:  PeriodMonthly,
	tenant.MetricUsers:     PeriodMonthly,
	tenant.MetricStorageMB: PeriodMonthly,
	tenant.MetricBehaviors: PeriodDaily,
}

// PeriodKey renders the current period for a metric, e.g. "2026-08" or
// "2026-08-24".
func PeriodKey(m tenant.Metric, now time.Time) string {
	if periodOf[m] == PeriodDaily {
		return now.UTC().Format("2006-01-02")
	}
	return now.UTC().Format("2006-01")
}

// counterKey builds the storage key: <tenant>:<metric>:<period>.
func counterKey(tenantID string, m tenant.Metric, period string) string {
	return tenantID + ":" + string(m) + ":" + period
}

// ThresholdCallback fires when usage crosses an alert threshold.
type ThresholdCallback func(tenantID string, metric tenant.Metric, threshold int, current, limit int64)

// TrackerConfig tunes the tracker.
type TrackerConfig struct {
	// AlertThresholds are usage percentages that trigger the callback,
	// each at most once per period. Default {80, 90, 100}.
	AlertThresholds []int
}

// UsageTracker maintains per-tenant, per-metric, per-period counters
// over a swappable storage backend.
type UsageTracker struct {
	storage     UsageStorage
	thresholds  []int
	onThreshold ThresholdCallback
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	fired map[string]struct{} // key:threshold pairs already alerted
}

// NewUsageTracker builds a tracker. onThreshold may be nil.
func NewUsageTracker(storage UsageStorage, cfg TrackerConfig, onThreshold ThresholdCallback, logger *slog.Logger) *UsageTracker {
	thresholds := cfg.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = []int{80, 90, 100}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageTracker{
		storage:     storage,
		thresholds:  thresholds,
		onThreshold: onThreshold,
		logger:      logger.With("component", "usage-tracker"),
		now:         time.Now,
		fired:       make(map[string]struct{}),
	}
}

// Get returns the current-period count for a metric.
func (u *UsageTracker) Get(ctx context.Context, tenantID string, m tenant.Metric) (int64, error) {
	return u.storage.Get(ctx, counterKey(tenantID, m, PeriodKey(m, u.now())))
}

// Set overwrites the current-period count. Used for gauge-style metrics
// like storage.
func (u *UsageTracker) Set(ctx context.Context, tenantID string, m tenant.Metric, value int64) error {
	return u.storage.Set(ctx, counterKey(tenantID, m, PeriodKey(m, u.now())), value)
}

// Increment adds to the current-period count and fires threshold alerts
// for a tenant whose limits are known. t may be nil when no alerting is
// wanted.
func (u *UsageTracker) Increment(ctx context.Context, t *tenant.Tenant, tenantID string, m tenant.Metric, by int64) (int64, error) {
	period := PeriodKey(m, u.now())
	key := counterKey(tenantID, m, period)
	current, err := u.storage.Increment(ctx, key, by)
	if err != nil {
		return 0, err
	}
	if t != nil {
		u.checkThresholds(tenantID, m, period, current-by, current, t.Limits.For(m))
	}
	return current, nil
}

// GetAll returns every counter for a tenant, keyed <metric>:<period>.
func (u *UsageTracker) GetAll(ctx context.Context, tenantID string) (map[string]int64, error) {
	raw, err := u.storage.GetAll(ctx, tenantID+":")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k[len(tenantID)+1:]] = v
	}
	return out, nil
}

// Reset clears all counters for a tenant along with its alert history.
func (u *UsageTracker) Reset(ctx context.Context, tenantID string) error {
	if err := u.storage.Reset(ctx, tenantID+":"); err != nil {
		return err
	}
	u.mu.Lock()
	for k := range u.fired {
		if len(k) > len(tenantID) && k[:len(tenantID)+1] == tenantID+":" {
			delete(u.fired, k)
		}
	}
	u.mu.Unlock()
	return nil
}

// CheckLimit reports whether the tenant is within its plan limit for a
// metric. Unlimited (-1) always passes.
func (u *UsageTracker) CheckLimit(ctx context.Context, t *tenant.Tenant, m tenant.Metric) (bool, error) {
	limit := t.Limits.For(m)
	if limit == tenant.Unlimited {
		return true, nil
	}
	current, err := u.Get(ctx, t.ID, m)
	if err != nil {
		return false, err
	}
	return current < limit, nil
}

// MetricUsage is one metric's slice of a usage snapshot.
type MetricUsage struct {
	Metric     tenant.Metric `json:"metric"`
	Period     string        `json:"period"`
	Current    int64         `json:"current"`
	Limit      int64         `json:"limit"`
	Percentage float64       `json:"percentage"` // 0 for unlimited
}

// GetUsage returns the current-period snapshot for every known metric.
func (u *UsageTracker) GetUsage(ctx context.Context, t *tenant.Tenant) ([]MetricUsage, error) {
	now := u.now()
	metrics := []tenant.Metric{
		tenant.MetricUsers, tenant.MetricStorageMB,
		tenant.MetricAPICalls, tenant.MetricBehaviors,
	}
	out := make([]MetricUsage, 0, len(metrics))
	for _, m := range metrics {
		period := PeriodKey(m, now)
		current, err := u.storage.Get(ctx, counterKey(t.ID, m, period))
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", m, err)
		}
		mu := MetricUsage{Metric: m, Period: period, Current: current, Limit: t.Limits.For(m)}
		if mu.Limit > 0 {
			mu.Percentage = float64(current) / float64(mu.Limit) * 100
		}
		out = append(out, mu)
	}
	return out, nil
}

// checkThresholds fires the callback once per threshold per period.
func (u *UsageTracker) checkThresholds(tenantID string, m tenant.Metric, period string, prev, current, limit int64) {
	if limit <= 0 || u.onThreshold == nil {
		return
	}
	prevPct := float64(prev) / float64(limit) * 100
	curPct := float64(current) / float64(limit) * 100

	for _, th := range u.thresholds {
		if prevPct >= float64(th) || curPct < float64(th) {
			continue
		}
		firedKey := counterKey(tenantID, m, period) + fmt.Sprintf(":%d", th)
		u.mu.Lock()
		_, seen := u.fired[firedKey]
		if !seen {
			u.fired[firedKey] = struct{}{}
		}
		u.mu.Unlock()
		if seen {
			continue
		}
		u.logger.Info("usage threshold crossed",
			"tenant", tenantID, "metric", m, "threshold", th,
			"current", current, "limit", limit)
		u.onThreshold(tenantID, m, th, current, limit)
	}
}
