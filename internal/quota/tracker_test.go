package quota

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func proTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:     "t1",
		Slug:   "acme",
		Plan:   tenant.PlanPro,
		Status: tenant.StatusActive,
		Limits: tenant.PlanLimits[tenant.PlanPro],
	}
}

type alert struct {
	metric    tenant.Metric
	threshold int
	current   int64
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []alert
}

func (r *alertRecorder) callback(tenantID string, m tenant.Metric, th int, current, limit int64) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert{metric: m, threshold: th, current: current})
	r.mu.Unlock()
}

func (r *alertRecorder) all() []alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert(nil), r.alerts...)
}

func TestPeriodKey(t *testing.T) {
	at := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-08", PeriodKey(tenant.MetricAPICalls, at))
	assert.Equal(t, "2026-08", PeriodKey(tenant.MetricUsers, at))
	assert.Equal(t, "2026-08", PeriodKey(tenant.MetricStorageMB, at))
	assert.Equal(t, "2026-08-24", PeriodKey(tenant.MetricBehaviors, at))
}

func TestTrackerIncrementAndGet(t *testing.T) {
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, nil, testLogger())
	ctx := context.Background()

	current, err := u.Increment(ctx, nil, "t1", tenant.MetricAPICalls, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)

	current, err = u.Increment(ctx, nil, "t1", tenant.MetricAPICalls, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current)

	got, err := u.Get(ctx, "t1", tenant.MetricAPICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	// Other tenants and metrics are isolated.
	got, err = u.Get(ctx, "t2", tenant.MetricAPICalls)
	require.NoError(t, err)
	assert.Zero(t, got)
	got, err = u.Get(ctx, "t1", tenant.MetricUsers)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestTrackerSet(t *testing.T) {
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, nil, testLogger())
	ctx := context.Background()

	require.NoError(t, u.Set(ctx, "t1", tenant.MetricStorageMB, 512))
	got, err := u.Get(ctx, "t1", tenant.MetricStorageMB)
	require.NoError(t, err)
	assert.Equal(t, int64(512), got)
}

func TestTrackerPeriodRollover(t *testing.T) {
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, nil, testLogger())
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	_, err := u.Increment(ctx, nil, "t1", tenant.MetricAPICalls, 10)
	require.NoError(t, err)

	// A new month starts a fresh counter.
	now = time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	got, err := u.Get(ctx, "t1", tenant.MetricAPICalls)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestThresholdAlertsFireOncePerPeriod(t *testing.T) {
	rec := &alertRecorder{}
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, rec.callback, testLogger())
	ctx := context.Background()

	tn := proTenant()
	tn.Limits.MaxAPICallsPerMonth = 100

	// 0 -> 85 crosses 80.
	_, err := u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 85)
	require.NoError(t, err)
	// 85 -> 87: no new crossing.
	_, err = u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 2)
	require.NoError(t, err)
	// 87 -> 100 crosses 90 and 100 at once.
	_, err = u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 13)
	require.NoError(t, err)

	alerts := rec.all()
	require.Len(t, alerts, 3)
	assert.Equal(t, 80, alerts[0].threshold)
	assert.Equal(t, int64(85), alerts[0].current)
	assert.Equal(t, 90, alerts[1].threshold)
	assert.Equal(t, 100, alerts[2].threshold)

	// Dropping below and re-crossing within the same period stays quiet.
	_, err = u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, -50)
	require.NoError(t, err)
	_, err = u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 50)
	require.NoError(t, err)
	assert.Len(t, rec.all(), 3)
}

func TestThresholdAlertsSkippedWithoutTenant(t *testing.T) {
	rec := &alertRecorder{}
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, rec.callback, testLogger())

	_, err := u.Increment(context.Background(), nil, "t1", tenant.MetricAPICalls, 1_000_000)
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestResetClearsCountersAndAlertHistory(t *testing.T) {
	rec := &alertRecorder{}
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, rec.callback, testLogger())
	ctx := context.Background()

	tn := proTenant()
	tn.Limits.MaxAPICallsPerMonth = 100
	_, err := u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 90)
	require.NoError(t, err)
	require.Len(t, rec.all(), 2) // 80 and 90

	require.NoError(t, u.Reset(ctx, tn.ID))
	got, err := u.Get(ctx, tn.ID, tenant.MetricAPICalls)
	require.NoError(t, err)
	assert.Zero(t, got)

	// After a reset the thresholds can fire again.
	_, err = u.Increment(ctx, tn, tn.ID, tenant.MetricAPICalls, 90)
	require.NoError(t, err)
	assert.Len(t, rec.all(), 4)
}

func TestCheckLimit(t *testing.T) {
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, nil, testLogger())
	ctx := context.Background()

	tn := proTenant()
	tn.Limits.MaxUsers = 2

	ok, err := u.CheckLimit(ctx, tn, tenant.MetricUsers)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = u.Increment(ctx, nil, tn.ID, tenant.MetricUsers, 2)
	require.NoError(t, err)
	ok, err = u.CheckLimit(ctx, tn, tenant.MetricUsers)
	require.NoError(t, err)
	assert.False(t, ok, "at the cap there is no headroom left")

	tn.Limits.MaxUsers = tenant.Unlimited
	ok, err = u.CheckLimit(ctx, tn, tenant.MetricUsers)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetAllAndUsageSnapshot(t *testing.T) {
	u := NewUsageTracker(NewMemoryUsageStorage(), TrackerConfig{}, nil, testLogger())
	ctx := context.Background()

	tn := proTenant()
	_, err := u.Increment(ctx, nil, tn.ID, tenant.MetricAPICalls, 500_000)
	require.NoError(t, err)
	_, err = u.Increment(ctx, nil, tn.ID, tenant.MetricBehaviors, 7)
	require.NoError(t, err)

	all, err := u.GetAll(ctx, tn.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	snapshot, err := u.GetUsage(ctx, tn)
	require.NoError(t, err)
	require.Len(t, snapshot, 4)
	byMetric := make(map[tenant.Metric]MetricUsage)
	for _, mu := range snapshot {
		byMetric[mu.Metric] = mu
	}
	assert.Equal(t, int64(500_000), byMetric[tenant.MetricAPICalls].Current)
	assert.InDelta(t, 50.0, byMetric[tenant.MetricAPICalls].Percentage, 0.01)
	assert.Equal(t, int64(7), byMetric[tenant.MetricBehaviors].Current)
	assert.Zero(t, byMetric[tenant.MetricUsers].Current)
}
