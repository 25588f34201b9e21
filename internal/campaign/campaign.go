package campaign

import (
	"time"

	"github.com/sendgate/sendgate/internal/experiment"
	"github.com/sendgate/sendgate/internal/identity"
)

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status has no outgoing transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Targeting defines which contacts a campaign addresses
type Targeting struct {
	ListIDs      []string `json:"list_ids"`
	ExcludeLists []string `json:"exclude_lists,omitempty"`
	MaxContacts  int      `json:"max_contacts,omitempty"` // 0 = no cap
}

// RetryPolicy controls redelivery of deferred sends
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// SendingPolicy controls identity selection for a campaign
type SendingPolicy struct {
	PreferredIdentities []string         `json:"preferred_identities,omitempty"`
	FallbackIdentities  []string         `json:"fallback_identities,omitempty"`
	RotationEnabled     bool             `json:"rotation_enabled"`
	Caps                *identity.Limits `json:"caps,omitempty"` // further restricts identity ceilings
	Retry               RetryPolicy      `json:"retry"`
}

// Content is the message configuration used for non-experimental sends.
// When an experiment concludes, the winning variant's content is promoted
// here.
type Content struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	FromName   string `json:"from_name,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// Thresholds are the campaign-level negative-outcome ceilings; breaching
// any of them mid-run forces the campaign into failed. Rates are
// fractions of sent (0.05 = 5%). Zero disables a threshold.
type Thresholds struct {
	MaxBounceRate      float64 `json:"max_bounce_rate"`
	MaxComplaintRate   float64 `json:"max_complaint_rate"`
	MaxUnsubscribeRate float64 `json:"max_unsubscribe_rate"`
}

// Progress is the campaign's cumulative dispatch-outcome snapshot.
// Processed counts contacts that reached a terminal per-contact outcome.
type Progress struct {
	Total        int `json:"total"`
	Processed    int `json:"processed"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Bounced      int `json:"bounced"`
	Complained   int `json:"complained"`
	Unsubscribed int `json:"unsubscribed"`
	Replied      int `json:"replied"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
}

// Percentage returns processed/total as a percentage, 0 when total is 0.
// Derived on read, never stored.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// EstimatedRemaining estimates time to completion given an effective
// throughput in contacts per second. Returns 0 when unknown.
func (p Progress) EstimatedRemaining(throughput float64) time.Duration {
	if throughput <= 0 || p.Total <= p.Processed {
		return 0
	}
	secs := float64(p.Total-p.Processed) / throughput
	return time.Duration(secs * float64(time.Second))
}

// Campaign is an outbound email campaign
type Campaign struct {
	ID            string                 `json:"id"`
	OrgID         string                 `json:"org_id"`
	Name          string                 `json:"name"`
	Status        Status                 `json:"status"`
	Targeting     Targeting              `json:"targeting"`
	Sending       SendingPolicy          `json:"sending"`
	Content       Content                `json:"content"`
	Thresholds    Thresholds             `json:"thresholds"`
	Experiment    *experiment.Experiment `json:"experiment,omitempty"`
	Progress      Progress               `json:"progress"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	ScheduledAt   *time.Time             `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Dispatchable reports whether the scheduler may emit sends for this
// campaign right now
func (c *Campaign) Dispatchable() bool {
	return c.Status == StatusActive
}

// ThresholdBreach returns the name of the first breached negative-outcome
// threshold, or "" when none is breached. Rates are computed against sent
// and checked only once a minimal sample has accumulated.
func (c *Campaign) ThresholdBreach() string {
	const minSample = 20
	if c.Progress.Sent < minSample {
		return ""
	}
	sent := float64(c.Progress.Sent)

	if c.Thresholds.MaxBounceRate > 0 && float64(c.Progress.Bounced)/sent > c.Thresholds.MaxBounceRate {
		return "bounce_rate"
	}
	if c.Thresholds.MaxComplaintRate > 0 && float64(c.Progress.Complained)/sent > c.Thresholds.MaxComplaintRate {
		return "complaint_rate"
	}
	if c.Thresholds.MaxUnsubscribeRate > 0 && float64(c.Progress.Unsubscribed)/sent > c.Thresholds.MaxUnsubscribeRate {
		return "unsubscribe_rate"
	}
	return ""
}
