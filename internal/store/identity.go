package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendgate/sendgate/internal/identity"
)

// IdentityRepository persists sending identities
type IdentityRepository struct {
	db *DB
}

func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, org_id, address, domain, status,
	per_minute, per_hour, per_day,
	warmup_rate, warmup_increment, warmup_cap, warmup_last_advance,
	business_hours, priority, created_at, updated_at`

// Create inserts a new identity, assigning an ID when absent
func (r *IdentityRepository) Create(ctx context.Context, id *identity.Identity) error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now
	if id.Status == "" {
		id.Status = identity.StatusPending
	}

	hours, err := json.Marshal(id.Hours)
	if err != nil {
		return fmt.Errorf("failed to marshal business hours: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.OrgID, id.Address, id.Domain, string(id.Status),
		id.Limits.PerMinute, id.Limits.PerHour, id.Limits.PerDay,
		id.Warmup.CurrentRate, id.Warmup.Increment, id.Warmup.Cap, id.Warmup.LastAdvance,
		string(hours), id.Priority, id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// Get returns an identity by ID, or nil when not found
func (r *IdentityRepository) Get(ctx context.Context, id string) (*identity.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ident, err
}

// ListSendable returns the identities of an organization whose status
// permits sending (active or warming up)
func (r *IdentityRepository) ListSendable(ctx context.Context, orgID string) ([]*identity.Identity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM identities
		WHERE org_id = ? AND status IN (?, ?)
		ORDER BY priority DESC, created_at ASC`,
		orgID, string(identity.StatusActive), string(identity.StatusWarmingUp))
}

// List returns all identities of an organization
func (r *IdentityRepository) List(ctx context.Context, orgID string) ([]*identity.Identity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM identities
		WHERE org_id = ? ORDER BY created_at ASC`, orgID)
}

// ListWarming returns every warming identity across all organizations,
// used by the warmup advancer
func (r *IdentityRepository) ListWarming(ctx context.Context) ([]*identity.Identity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM identities
		WHERE status = ? ORDER BY created_at ASC`, string(identity.StatusWarmingUp))
}

// Update saves mutable identity fields (status, limits, warmup state)
func (r *IdentityRepository) Update(ctx context.Context, id *identity.Identity) error {
	id.UpdatedAt = time.Now().UTC()

	hours, err := json.Marshal(id.Hours)
	if err != nil {
		return fmt.Errorf("failed to marshal business hours: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE identities SET status = ?, per_minute = ?, per_hour = ?, per_day = ?,
			warmup_rate = ?, warmup_increment = ?, warmup_cap = ?, warmup_last_advance = ?,
			business_hours = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		string(id.Status), id.Limits.PerMinute, id.Limits.PerHour, id.Limits.PerDay,
		id.Warmup.CurrentRate, id.Warmup.Increment, id.Warmup.Cap, id.Warmup.LastAdvance,
		string(hours), id.Priority, id.UpdatedAt, id.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s not found", id.ID)
	}
	return nil
}

// Suspend soft-deactivates an identity; records referenced by capacity
// history are never deleted
func (r *IdentityRepository) Suspend(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE identities SET status = ?, updated_at = ? WHERE id = ?`,
		string(identity.StatusSuspended), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to suspend identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s not found", id)
	}
	return nil
}

func (r *IdentityRepository) list(ctx context.Context, query string, args ...any) ([]*identity.Identity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*identity.Identity, error) {
	var (
		ident       identity.Identity
		status      string
		hours       string
		lastAdvance sql.NullTime
	)

	err := row.Scan(
		&ident.ID, &ident.OrgID, &ident.Address, &ident.Domain, &status,
		&ident.Limits.PerMinute, &ident.Limits.PerHour, &ident.Limits.PerDay,
		&ident.Warmup.CurrentRate, &ident.Warmup.Increment, &ident.Warmup.Cap, &lastAdvance,
		&hours, &ident.Priority, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ident.Status = identity.Status(status)
	if lastAdvance.Valid {
		t := lastAdvance.Time
		ident.Warmup.LastAdvance = &t
	}
	if err := json.Unmarshal([]byte(hours), &ident.Hours); err != nil {
		return nil, fmt.Errorf("failed to unmarshal business hours: %w", err)
	}
	return &ident, nil
}
