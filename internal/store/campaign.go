package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/experiment"
)

// CampaignRepository persists campaigns and their experiment variants
type CampaignRepository struct {
	db *DB
}

func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a campaign and its variants inside one transaction
func (r *CampaignRepository) Create(ctx context.Context, c *campaign.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = campaign.StatusDraft
	}

	targeting, policy, content, thresholds, err := marshalCampaignBlobs(c)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expEnabled, testSize, criterion, winnerID := experimentFields(c)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, org_id, name, status, targeting, sending_policy, content, thresholds,
			experiment_enabled, test_size, criterion, winner_variant_id, failure_reason,
			total, processed, sent, failed, bounced, complained, unsubscribed, replied, opened, clicked,
			scheduled_at, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, c.Name, string(c.Status), targeting, policy, content, thresholds,
		expEnabled, testSize, criterion, winnerID, c.FailureReason,
		c.ScheduledAt, c.StartedAt, c.CompletedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	if c.Experiment != nil {
		for i := range c.Experiment.Variants {
			v := &c.Experiment.Variants[i]
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			vc, err := json.Marshal(v.Content)
			if err != nil {
				return fmt.Errorf("failed to marshal variant content: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO campaign_variants (id, campaign_id, position, name, weight, content,
					sent, opened, clicked, replied, unsubscribed, bounced, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, ?)`,
				v.ID, c.ID, i, v.Name, v.Weight, string(vc), now,
			)
			if err != nil {
				return fmt.Errorf("failed to create variant: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Get returns a campaign with its variants, or nil when not found
func (r *CampaignRepository) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, status, targeting, sending_policy, content, thresholds,
			experiment_enabled, test_size, criterion, winner_variant_id, failure_reason,
			total, processed, sent, failed, bounced, complained, unsubscribed, replied, opened, clicked,
			scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if c.Experiment != nil {
		variants, err := r.variants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Experiment.Variants = variants
	}
	return c, nil
}

// GetStatus returns just the campaign's current status; the scheduler
// re-checks this at the top of every dispatch iteration
func (r *CampaignRepository) GetStatus(ctx context.Context, id string) (campaign.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return "", err
	}
	return campaign.Status(status), nil
}

// ListByStatus returns campaign IDs in the given status, oldest first
func (r *CampaignRepository) ListByStatus(ctx context.Context, status campaign.Status) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM campaigns WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListScheduledDue returns scheduled campaigns whose start time has
// arrived
func (r *CampaignRepository) ListScheduledDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`,
		string(campaign.StatusScheduled), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Update saves a campaign's mutable state: lifecycle fields, progress
// counters, content (winner promotion) and variant performance
func (r *CampaignRepository) Update(ctx context.Context, c *campaign.Campaign) error {
	c.UpdatedAt = time.Now().UTC()

	targeting, policy, content, thresholds, err := marshalCampaignBlobs(c)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expEnabled, testSize, criterion, winnerID := experimentFields(c)
	p := c.Progress
	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, status = ?, targeting = ?, sending_policy = ?, content = ?, thresholds = ?,
			experiment_enabled = ?, test_size = ?, criterion = ?, winner_variant_id = ?, failure_reason = ?,
			total = ?, processed = ?, sent = ?, failed = ?, bounced = ?, complained = ?,
			unsubscribed = ?, replied = ?, opened = ?, clicked = ?,
			scheduled_at = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, string(c.Status), targeting, policy, content, thresholds,
		expEnabled, testSize, criterion, winnerID, c.FailureReason,
		p.Total, p.Processed, p.Sent, p.Failed, p.Bounced, p.Complained,
		p.Unsubscribed, p.Replied, p.Opened, p.Clicked,
		c.ScheduledAt, c.StartedAt, c.CompletedAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s not found", c.ID)
	}

	if c.Experiment != nil {
		for _, v := range c.Experiment.Variants {
			_, err = tx.ExecContext(ctx, `
				UPDATE campaign_variants SET sent = ?, opened = ?, clicked = ?,
					replied = ?, unsubscribed = ?, bounced = ?
				WHERE id = ? AND campaign_id = ?`,
				v.Perf.Sent, v.Perf.Opened, v.Perf.Clicked,
				v.Perf.Replied, v.Perf.Unsubscribed, v.Perf.Bounced,
				v.ID, c.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update variant: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) variants(ctx context.Context, campaignID string) ([]experiment.Variant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, weight, content, sent, opened, clicked, replied, unsubscribed, bounced
		FROM campaign_variants WHERE campaign_id = ? ORDER BY position ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []experiment.Variant
	for rows.Next() {
		var (
			v       experiment.Variant
			content string
		)
		err := rows.Scan(&v.ID, &v.Name, &v.Weight, &content,
			&v.Perf.Sent, &v.Perf.Opened, &v.Perf.Clicked,
			&v.Perf.Replied, &v.Perf.Unsubscribed, &v.Perf.Bounced)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(content), &v.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant content: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalCampaignBlobs(c *campaign.Campaign) (targeting, policy, content, thresholds string, err error) {
	t, err := json.Marshal(c.Targeting)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal targeting: %w", err)
	}
	s, err := json.Marshal(c.Sending)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal sending policy: %w", err)
	}
	ct, err := json.Marshal(c.Content)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal content: %w", err)
	}
	th, err := json.Marshal(c.Thresholds)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	return string(t), string(s), string(ct), string(th), nil
}

func experimentFields(c *campaign.Campaign) (enabled int, testSize int, criterion, winnerID string) {
	if c.Experiment == nil {
		return 0, 0, "", ""
	}
	if c.Experiment.Enabled {
		enabled = 1
	}
	return enabled, c.Experiment.TestSize, string(c.Experiment.Criterion), c.Experiment.WinnerID
}

func scanCampaign(row scanner) (*campaign.Campaign, error) {
	var (
		c          campaign.Campaign
		status     string
		targeting  string
		policy     string
		content    string
		thresholds string
		expEnabled int
		testSize   int
		criterion  string
		winnerID   string
		scheduled  sql.NullTime
		started    sql.NullTime
		completed  sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.OrgID, &c.Name, &status, &targeting, &policy, &content, &thresholds,
		&expEnabled, &testSize, &criterion, &winnerID, &c.FailureReason,
		&c.Progress.Total, &c.Progress.Processed, &c.Progress.Sent, &c.Progress.Failed,
		&c.Progress.Bounced, &c.Progress.Complained, &c.Progress.Unsubscribed,
		&c.Progress.Replied, &c.Progress.Opened, &c.Progress.Clicked,
		&scheduled, &started, &completed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = campaign.Status(status)
	if err := json.Unmarshal([]byte(targeting), &c.Targeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal targeting: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &c.Sending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sending policy: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &c.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholds), &c.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
	}

	if expEnabled == 1 || testSize > 0 || criterion != "" {
		c.Experiment = &experiment.Experiment{
			Enabled:   expEnabled == 1,
			TestSize:  testSize,
			Criterion: experiment.Criterion(criterion),
			WinnerID:  winnerID,
		}
	}

	if scheduled.Valid {
		t := scheduled.Time
		c.ScheduledAt = &t
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return &c, nil
}
