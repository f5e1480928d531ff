// Package tenant implements the admission layer: the tenant model and
// repositories, request-scoped tenant binding, the resolution strategy
// chain, a TTL lookup cache, and API-key validation.
package tenant

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/behavex/realtime/internal/bus"
	"github.com/behavex/realtime/internal/protocol"
)

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanStarter    Plan = "STARTER"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusDeleted   Status = "DELETED"
	StatusPending   Status = "PENDING"
)

// Metric names a quota-bearing resource.
type Metric string

const (
	MetricUsers     Metric = "users"
	MetricStorageMB Metric = "storageMB"
	MetricAPICalls  Metric = "apiCalls"
	MetricBehaviors Metric = "behaviorsPerMinute"
)

// Unlimited is the sentinel limit value meaning "no cap".
const Unlimited int64 = -1

// Limits caps a tenant's resources. Unlimited (-1) disables a cap.
type Limits struct {
	MaxUsers              int64 `json:"maxUsers"`
	MaxStorageMB          int64 `json:"maxStorageMB"`
	MaxAPICallsPerMonth   int64 `json:"maxApiCallsPerMonth"`
	MaxBehaviorsPerMinute int64 `json:"maxBehaviorsPerMinute"`
}

// For returns the cap for a metric.
func (l Limits) For(m Metric) int64 {
	switch m {
	case MetricUsers:
		return l.MaxUsers
	case MetricStorageMB:
		return l.MaxStorageMB
	case MetricAPICalls:
		return l.MaxAPICallsPerMonth
	case MetricBehaviors:
		return l.MaxBehaviorsPerMinute
	}
	return 0
}

// PlanLimits are the default caps per plan, applied at creation when a
// tenant carries no explicit limits.
var PlanLimits = map[Plan]Limits{
	PlanFree:       {MaxUsers: 5, MaxStorageMB: 100, MaxAPICallsPerMonth: 10_000, MaxBehaviorsPerMinute: 30},
	PlanStarter:    {MaxUsers: 25, MaxStorageMB: 1_000, MaxAPICallsPerMonth: 100_000, MaxBehaviorsPerMinute: 60},
	PlanPro:        {MaxUsers: 100, MaxStorageMB: 10_000, MaxAPICallsPerMonth: 1_000_000, MaxBehaviorsPerMinute: 200},
	PlanEnterprise: {MaxUsers: Unlimited, MaxStorageMB: Unlimited, MaxAPICallsPerMonth: Unlimited, MaxBehaviorsPerMinute: Unlimited},
}

// Tenant is the administrative unit owning connections and quotas.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name,omitempty"`
	Plan      Plan      `json:"plan"`
	Status    Status    `json:"status"`
	Limits    Limits    `json:"limits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{2,63}$`)

// reservedSlugs can never be claimed by a tenant.
var reservedSlugs = map[string]struct{}{
	"admin": {}, "api": {}, "www": {}, "app": {}, "dashboard": {}, "system": {},
}

// ValidateSlug enforces the slug charset, length, and reserved set.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return protocol.E(protocol.CodeInvalidMessage, "slug must be 2-63 chars of [a-z0-9-]")
	}
	if _, reserved := reservedSlugs[slug]; reserved {
		return protocol.E(protocol.CodeInvalidMessage, "slug %q is reserved", slug)
	}
	return nil
}

// Filter narrows FindAll results. Zero fields match everything.
type Filter struct {
	Status Status
	Plan   Plan
}

// Repository is the tenant store contract. All operations may block on
// I/O and honor the context deadline.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*Tenant, error)
	FindAll(ctx context.Context, filter Filter) ([]*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	Update(ctx context.Context, t *Tenant) error
	Delete(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) error
	Activate(ctx context.Context, id string) error
}

// MemoryRepository is the in-process reference Repository. Status
// transitions are announced on the bus when one is attached, which is how
// suspension reaches the gateway's drain path.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]*Tenant
	bySlug map[string]string // slug -> id
	events bus.Bus           // optional
}

// NewMemoryRepository builds an empty repository. events may be nil.
func NewMemoryRepository(events bus.Bus) *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]*Tenant),
		bySlug: make(map[string]string),
		events: events,
	}
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) FindBySlug(_ context.Context, slug string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlug[slug]
	if !ok {
		return nil, protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *MemoryRepository) FindAll(_ context.Context, filter Filter) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tenant
	for _, t := range r.byID {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Plan != "" && t.Plan != filter.Plan {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, t *Tenant) error {
	if err := ValidateSlug(t.Slug); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, dup := r.byID[t.ID]; dup {
		return protocol.E(protocol.CodeInvalidMessage, "tenant id already exists")
	}
	if _, dup := r.bySlug[t.Slug]; dup {
		return protocol.E(protocol.CodeInvalidMessage, "slug already taken")
	}
	if t.Plan == "" {
		t.Plan = PlanFree
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if (t.Limits == Limits{}) {
		t.Limits = PlanLimits[t.Plan]
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	r.byID[t.ID] = &cp
	r.bySlug[t.Slug] = t.ID
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[t.ID]
	if !ok {
		return protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	if t.Slug != cur.Slug {
		if err := ValidateSlug(t.Slug); err != nil {
			return err
		}
		if _, dup := r.bySlug[t.Slug]; dup {
			return protocol.E(protocol.CodeInvalidMessage, "slug already taken")
		}
		delete(r.bySlug, cur.Slug)
		r.bySlug[t.Slug] = t.ID
	}
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now()
	cp := *t
	r.byID[t.ID] = &cp
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusDeleted)
}

func (r *MemoryRepository) Suspend(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusSuspended)
}

func (r *MemoryRepository) Activate(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusActive)
}

func (r *MemoryRepository) setStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	t, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	cp := *t
	r.mu.Unlock()

	r.announce(ctx, &cp)
	return nil
}

func (r *MemoryRepository) announce(ctx context.Context, t *Tenant) {
	if r.events == nil {
		return
	}
	typ := bus.EventTenantStatusChanged
	if t.Status == StatusSuspended {
		typ = bus.EventTenantSuspended
	}
	_ = r.events.Publish(ctx, &bus.Event{
		Type:     typ,
		Source:   "tenant-repository",
		TenantID: t.ID,
		Payload:  map[string]any{"status": string(t.Status), "slug": t.Slug},
	})
}
