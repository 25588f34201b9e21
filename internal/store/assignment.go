package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AssignmentRepository persists the sticky contact-to-variant mapping.
// The primary key on (campaign_id, contact_id) is what makes assignment
// at-most-once under concurrency: a losing insert simply reads back the
// winner's variant.
type AssignmentRepository struct {
	db *DB
}

func NewAssignmentRepository(db *DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Assign stores the mapping if the contact has none yet and returns the
// variant the contact is bound to: the given one on first assignment,
// the previously stored one on any later call
func (r *AssignmentRepository) Assign(ctx context.Context, campaignID, contactID, variantID string) (string, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO variant_assignments (campaign_id, contact_id, variant_id, assigned_at)
		VALUES (?, ?, ?, ?)`,
		campaignID, contactID, variantID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to assign variant: %w", err)
	}
	return r.Get(ctx, campaignID, contactID)
}

// Get returns the contact's assigned variant, or "" when unassigned
func (r *AssignmentRepository) Get(ctx context.Context, campaignID, contactID string) (string, error) {
	var variantID string
	err := r.db.QueryRowContext(ctx, `
		SELECT variant_id FROM variant_assignments
		WHERE campaign_id = ? AND contact_id = ?`,
		campaignID, contactID).Scan(&variantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return variantID, nil
}
