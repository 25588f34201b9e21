package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Contact dispatch states. A contact is "undispatched" while pending or
// deferred; "dispatched" means a send intent was emitted and the
// transport outcome is awaited; "done" is terminal.
const (
	ContactPending    = "pending"
	ContactDeferred   = "deferred"
	ContactDispatched = "dispatched"
	ContactDone       = "done"
)

// Contact is one campaign recipient in the dispatch queue
type Contact struct {
	CampaignID    string
	ContactID     string
	Email         string
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	UpdatedAt     time.Time
}

// ContactRepository holds each campaign's outstanding contact set
type ContactRepository struct {
	db *DB
}

func NewContactRepository(db *DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Add enqueues contacts for a campaign; duplicates are ignored
func (r *ContactRepository) Add(ctx context.Context, campaignID string, contacts []Contact) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contacts {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO campaign_contacts (campaign_id, contact_id, email, status, attempts, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			campaignID, c.ContactID, c.Email, ContactPending, now,
		)
		if err != nil {
			return fmt.Errorf("failed to add contact: %w", err)
		}
	}
	return tx.Commit()
}

// NextBatch returns up to limit undispatched contacts ready for dispatch
// (pending, or deferred with a due retry time)
func (r *ContactRepository) NextBatch(ctx context.Context, campaignID string, limit int, now time.Time) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT campaign_id, contact_id, email, status, attempts, next_attempt_at, updated_at
		FROM campaign_contacts
		WHERE campaign_id = ?
		  AND (status = ? OR (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)))
		ORDER BY updated_at ASC
		LIMIT ?`,
		campaignID, ContactPending, ContactDeferred, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var (
			c    Contact
			next sql.NullTime
		)
		if err := rows.Scan(&c.CampaignID, &c.ContactID, &c.Email, &c.Status, &c.Attempts, &next, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if next.Valid {
			t := next.Time
			c.NextAttemptAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDispatched records that a send intent was emitted for the contact
func (r *ContactRepository) MarkDispatched(ctx context.Context, campaignID, contactID string) error {
	return r.setStatus(ctx, campaignID, contactID, ContactDispatched, nil)
}

// MarkDone records a terminal per-contact outcome. It reports whether
// the contact actually transitioned: false means the contact was already
// done (a duplicate outcome delivery) or unknown, and must not be
// counted again.
func (r *ContactRepository) MarkDone(ctx context.Context, campaignID, contactID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, next_attempt_at = NULL, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status != ?`,
		ContactDone, time.Now().UTC(), campaignID, contactID, ContactDone)
	if err != nil {
		return false, fmt.Errorf("failed to mark contact done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Defer reschedules a contact for a later attempt, incrementing the
// attempt counter
func (r *ContactRepository) Defer(ctx context.Context, campaignID, contactID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ?`,
		ContactDeferred, until.UTC(), time.Now().UTC(), campaignID, contactID)
	if err != nil {
		return fmt.Errorf("failed to defer contact: %w", err)
	}
	return nil
}

// CountUndispatched returns the number of contacts still awaiting a send
// intent
func (r *ContactRepository) CountUndispatched(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_contacts
		WHERE campaign_id = ? AND status IN (?, ?)`,
		campaignID, ContactPending, ContactDeferred).Scan(&n)
	return n, err
}

// Count returns the campaign's total contact count
func (r *ContactRepository) Count(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = ?`, campaignID).Scan(&n)
	return n, err
}

func (r *ContactRepository) setStatus(ctx context.Context, campaignID, contactID, status string, next *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ?`,
		status, next, time.Now().UTC(), campaignID, contactID)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s/%s not found", campaignID, contactID)
	}
	return nil
}
