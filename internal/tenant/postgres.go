package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/behavex/realtime/internal/bus"
	"github.com/behavex/realtime/internal/protocol"
)

// PostgresRepository persists tenants in Postgres. Schema:
//
//	CREATE TABLE tenants (
//	    id          TEXT PRIMARY KEY,
//	    slug        TEXT NOT NULL UNIQUE,
//	    name        TEXT NOT NULL DEFAULT '',
//	    plan        TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    max_users   BIGINT NOT NULL,
//	    max_storage_mb BIGINT NOT NULL,
//	    max_api_calls_per_month BIGINT NOT NULL,
//	    max_behaviors_per_minute BIGINT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
type PostgresRepository struct {
	db     *sql.DB
	events bus.Bus // optional
}

// OpenPostgres dials Postgres and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, events bus.Bus) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{db: db, events: events}, nil
}

// NewPostgresRepository wraps an existing pool.
func NewPostgresRepository(db *sql.DB, events bus.Bus) *PostgresRepository {
	return &PostgresRepository{db: db, events: events}
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

const tenantColumns = `id, slug, name, plan, status,
	max_users, max_storage_mb, max_api_calls_per_month, max_behaviors_per_minute,
	created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Slug, &t.Name, &t.Plan, &t.Status,
		&t.Limits.MaxUsers, &t.Limits.MaxStorageMB,
		&t.Limits.MaxAPICallsPerMonth, &t.Limits.MaxBehaviorsPerMinute,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (r *PostgresRepository) FindBySlug(ctx context.Context, slug string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return scanTenant(row)
}

func (r *PostgresRepository) FindAll(ctx context.Context, filter Filter) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE ($1 = '' OR status = $1) AND ($2 = '' OR plan = $2) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, string(filter.Status), string(filter.Plan))
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, t *Tenant) error {
	if err := ValidateSlug(t.Slug); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
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

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.Slug, t.Name, t.Plan, t.Status,
		t.Limits.MaxUsers, t.Limits.MaxStorageMB,
		t.Limits.MaxAPICallsPerMonth, t.Limits.MaxBehaviorsPerMinute,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *Tenant) error {
	if err := ValidateSlug(t.Slug); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET slug=$2, name=$3, plan=$4, status=$5,
			max_users=$6, max_storage_mb=$7,
			max_api_calls_per_month=$8, max_behaviors_per_minute=$9,
			updated_at=$10
		WHERE id=$1`,
		t.ID, t.Slug, t.Name, t.Plan, t.Status,
		t.Limits.MaxUsers, t.Limits.MaxStorageMB,
		t.Limits.MaxAPICallsPerMonth, t.Limits.MaxBehaviorsPerMinute,
		t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.E(protocol.CodeTenantNotFound, "tenant not found")
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusDeleted)
}

func (r *PostgresRepository) Suspend(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusSuspended)
}

func (r *PostgresRepository) Activate(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusActive)
}

func (r *PostgresRepository) setStatus(ctx context.Context, id string, status Status) error {
	row := r.db.QueryRowContext(ctx, `
		UPDATE tenants SET status=$2, updated_at=$3 WHERE id=$1
		RETURNING `+tenantColumns,
		id, status, time.Now())
	t, err := scanTenant(row)
	if err != nil {
		return err
	}

	if r.events != nil {
		typ := bus.EventTenantStatusChanged
		if status == StatusSuspended {
			typ = bus.EventTenantSuspended
		}
		_ = r.events.Publish(ctx, &bus.Event{
			Type:     typ,
			Source:   "tenant-repository",
			TenantID: t.ID,
			Payload:  map[string]any{"status": string(t.Status), "slug": t.Slug},
		})
	}
	return nil
}
