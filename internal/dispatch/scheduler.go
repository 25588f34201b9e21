package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/experiment"
	"github.com/sendgate/sendgate/internal/metrics"
	"github.com/sendgate/sendgate/internal/pool"
	"github.com/sendgate/sendgate/internal/store"
)

// SendIntent is one scheduling decision, handed to the transport layer.
// It is ephemeral: this core does not persist it.
type SendIntent struct {
	CampaignID       string    `json:"campaign_id"`
	ContactID        string    `json:"contact_id"`
	Email            string    `json:"email"`
	IdentityID       string    `json:"identity_id"`
	VariantID        string    `json:"variant_id,omitempty"`
	EarliestSendTime time.Time `json:"earliest_send_time"`
}

// Emitter receives send intents; implemented by the transport boundary
type Emitter interface {
	Emit(ctx context.Context, intent *SendIntent) error
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(ctx context.Context, intent *SendIntent) error

func (f EmitterFunc) Emit(ctx context.Context, intent *SendIntent) error { return f(ctx, intent) }

// CampaignStore is the campaign persistence boundary the scheduler calls
// through
type CampaignStore interface {
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	GetStatus(ctx context.Context, id string) (campaign.Status, error)
	Update(ctx context.Context, c *campaign.Campaign) error
	ListByStatus(ctx context.Context, status campaign.Status) ([]string, error)
	ListScheduledDue(ctx context.Context, now time.Time) ([]string, error)
}

// ContactQueue is the per-campaign outstanding contact set. MarkDone
// reports whether the contact actually left its previous state; false
// on a repeat call keeps duplicate outcome deliveries from counting
// twice.
type ContactQueue interface {
	NextBatch(ctx context.Context, campaignID string, limit int, now time.Time) ([]store.Contact, error)
	MarkDispatched(ctx context.Context, campaignID, contactID string) error
	MarkDone(ctx context.Context, campaignID, contactID string) (bool, error)
	Defer(ctx context.Context, campaignID, contactID string, until time.Time) error
	CountUndispatched(ctx context.Context, campaignID string) (int, error)
	Count(ctx context.Context, campaignID string) (int, error)
}

// AssignmentStore is the sticky contact-to-variant mapping
type AssignmentStore interface {
	Assign(ctx context.Context, campaignID, contactID, variantID string) (string, error)
	Get(ctx context.Context, campaignID, contactID string) (string, error)
}

// Config holds scheduler settings
type Config struct {
	BatchSize    int
	RetryBackoff time.Duration // deferral delay when no identity is available
	ScoreWeights map[experiment.Criterion]experiment.ScoreWeights
}

// DefaultConfig returns stock scheduler settings
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		RetryBackoff: time.Minute,
	}
}

// TickResult summarizes one dispatch tick
type TickResult struct {
	Dispatched int
	Deferred   int
	Completed  bool
	Failed     bool
	Halted     bool // campaign left active mid-tick
}

// Scheduler orchestrates one campaign's outstanding contacts against the
// identity pool, the campaign lifecycle, and the experiment assigner.
// All durable state lives behind the injected stores; the scheduler is
// safe to run for many campaigns in parallel, serializing only outcome
// ingestion per campaign.
type Scheduler struct {
	campaigns   CampaignStore
	contacts    ContactQueue
	assignments AssignmentStore
	pool        *pool.Pool
	assigner    *experiment.Assigner
	emitter     Emitter
	metrics     *metrics.Metrics
	cfg         Config
	now         func() time.Time
	logger      *slog.Logger

	mu        sync.Mutex
	outcomeMu map[string]*sync.Mutex // per-campaign outcome ingestion locks
}

// NewScheduler creates a dispatch scheduler. metrics may be nil.
func NewScheduler(
	campaigns CampaignStore,
	contacts ContactQueue,
	assignments AssignmentStore,
	p *pool.Pool,
	assigner *experiment.Assigner,
	emitter Emitter,
	m *metrics.Metrics,
	cfg Config,
	now func() time.Time,
	logger *slog.Logger,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		campaigns:   campaigns,
		contacts:    contacts,
		assignments: assignments,
		pool:        p,
		assigner:    assigner,
		emitter:     emitter,
		metrics:     m,
		cfg:         cfg,
		now:         now,
		logger:      logger.With("component", "scheduler"),
		outcomeMu:   make(map[string]*sync.Mutex),
	}
}

// campaignLock returns the mutex serializing outcome ingestion for one
// campaign, so concurrent webhook deliveries cannot overwrite each
// other's counter increments
func (s *Scheduler) campaignLock(campaignID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.outcomeMu[campaignID]
	if !ok {
		l = &sync.Mutex{}
		s.outcomeMu[campaignID] = l
	}
	return l
}

// Tick runs one bounded dispatch pass for a campaign: it emits send
// intents for up to BatchSize undispatched contacts, deferring when no
// identity has capacity, and completes or hard-fails the campaign when
// its terminal condition is met.
func (s *Scheduler) Tick(ctx context.Context, campaignID string) (*TickResult, error) {
	started := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDurationSeconds.Observe(s.now().Sub(started).Seconds())
		}
	}()

	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	res := &TickResult{}
	if !c.Dispatchable() {
		res.Halted = true
		return res, nil
	}

	if reason := c.ThresholdBreach(); reason != "" {
		return res, s.hardFail(ctx, c, reason, res)
	}

	batch, err := s.contacts.NextBatch(ctx, campaignID, s.cfg.BatchSize, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load contact batch: %w", err)
	}

	if len(batch) == 0 {
		return res, s.maybeComplete(ctx, c, res)
	}

	logger := s.logger.With("campaign_id", campaignID)
	for _, contact := range batch {
		select {
		case <-ctx.Done():
			res.Halted = true
			return res, ctx.Err()
		default:
		}

		// Pause/cancel must take effect before the next contact is
		// considered, not just once per tick
		status, err := s.campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return res, err
		}
		if status != campaign.StatusActive {
			res.Halted = true
			return res, nil
		}

		ident, err := s.pool.Select(ctx, c.OrgID, poolPolicy(c.Sending))
		if err != nil {
			return res, fmt.Errorf("identity selection failed: %w", err)
		}
		if ident == nil {
			// No eligible identity under capacity: defer this contact and
			// stop the tick rather than busy-loop
			if err := s.deferContact(ctx, c, contact.ContactID, "no_identity"); err != nil {
				return res, err
			}
			res.Deferred++
			return res, nil
		}

		variantID, err := s.assignVariant(ctx, c, contact.ContactID)
		if err != nil {
			s.pool.Release(ident)
			return res, err
		}

		intent := &SendIntent{
			CampaignID:       c.ID,
			ContactID:        contact.ContactID,
			Email:            contact.Email,
			IdentityID:       ident.ID,
			VariantID:        variantID,
			EarliestSendTime: s.now(),
		}
		if err := s.emitter.Emit(ctx, intent); err != nil {
			// Reserved capacity is handed back; the contact retries later
			// unless its retry budget is spent
			s.pool.Release(ident)
			if s.metrics != nil {
				s.metrics.CapacityReleasedTotal.Inc()
			}
			if max := c.Sending.Retry.MaxAttempts; max > 0 && contact.Attempts+1 >= max {
				logger.Warn("contact exhausted retry attempts",
					"contact_id", contact.ContactID, "attempts", contact.Attempts+1, "error", err)
				if err := s.failContact(ctx, c, contact.ContactID); err != nil {
					return res, err
				}
				continue
			}
			logger.Warn("emit failed, deferring contact",
				"contact_id", contact.ContactID, "error", err)
			if err := s.deferContact(ctx, c, contact.ContactID, "emit_error"); err != nil {
				return res, err
			}
			res.Deferred++
			continue
		}

		if err := s.contacts.MarkDispatched(ctx, campaignID, contact.ContactID); err != nil {
			return res, err
		}
		res.Dispatched++
		if s.metrics != nil {
			s.metrics.AdmissionsTotal.WithLabelValues(ident.ID).Inc()
			s.metrics.IntentsEmittedTotal.WithLabelValues(c.ID).Inc()
		}
	}

	return res, nil
}

// HandleOutcome ingests one transport outcome: progress, variant
// performance, per-contact terminal marking, and the hard-failure guard.
// Transport webhooks deliver at least once; a repeated terminal outcome
// for a contact is dropped so processed never counts a contact twice.
func (s *Scheduler) HandleOutcome(ctx context.Context, campaignID, contactID string, outcome campaign.Outcome) error {
	lock := s.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", campaignID)
	}

	if terminalOutcome(outcome) {
		counted, err := s.contacts.MarkDone(ctx, campaignID, contactID)
		if err != nil {
			return fmt.Errorf("failed to mark contact done: %w", err)
		}
		if !counted {
			s.logger.Debug("duplicate terminal outcome ignored",
				"campaign_id", campaignID, "contact_id", contactID, "outcome", string(outcome))
			return nil
		}
	}

	c.RecordOutcome(outcome, s.now())

	if s.metrics != nil {
		s.metrics.OutcomesTotal.WithLabelValues(campaignID, string(outcome)).Inc()
	}

	if c.Experiment != nil && c.Experiment.Enabled {
		variantID, err := s.assignments.Get(ctx, campaignID, contactID)
		switch {
		case err != nil:
			s.logger.Warn("failed to load assignment",
				"campaign_id", campaignID, "contact_id", contactID, "error", err)
		case variantID != "":
			if vo, ok := variantOutcome(outcome); ok {
				if err := c.Experiment.Record(variantID, vo); err != nil {
					s.logger.Warn("failed to record variant outcome",
						"campaign_id", campaignID, "variant_id", variantID, "error", err)
				}
			}
		}
	}

	if c.Status == campaign.StatusActive {
		if reason := c.ThresholdBreach(); reason != "" {
			res := &TickResult{}
			return s.hardFail(ctx, c, reason, res)
		}
	}

	return s.campaigns.Update(ctx, c)
}

// SelectWinner finalizes a campaign's experiment: the top-scoring
// variant wins and its content is promoted onto the campaign's primary
// configuration so all later sends use it.
func (s *Scheduler) SelectWinner(ctx context.Context, campaignID string) (*experiment.Variant, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil || c.Experiment == nil {
		return nil, fmt.Errorf("campaign %s has no experiment", campaignID)
	}

	winner, err := c.Experiment.SelectWinner(s.scoreWeights(c.Experiment.Criterion))
	if err != nil {
		return nil, err
	}

	c.Content = campaign.Content{
		TemplateID: winner.Content.TemplateID,
		Subject:    winner.Content.Subject,
		FromName:   winner.Content.FromName,
		ReplyTo:    winner.Content.ReplyTo,
	}
	if err := s.campaigns.Update(ctx, c); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.WinnersSelectedTotal.Inc()
	}
	s.logger.Info("experiment winner selected",
		"campaign_id", campaignID, "variant_id", winner.ID, "variant", winner.Name)
	return winner, nil
}

func (s *Scheduler) scoreWeights(criterion experiment.Criterion) experiment.ScoreWeights {
	if w, ok := s.cfg.ScoreWeights[criterion]; ok {
		return w
	}
	return experiment.DefaultScoreWeights(criterion)
}

// assignVariant returns the contact's sticky variant, drawing a new one
// on first contact. Empty when the experiment is inactive.
func (s *Scheduler) assignVariant(ctx context.Context, c *campaign.Campaign, contactID string) (string, error) {
	if !c.Experiment.Active() {
		return "", nil
	}

	existing, err := s.assignments.Get(ctx, c.ID, contactID)
	if err != nil {
		return "", fmt.Errorf("failed to load assignment: %w", err)
	}
	if existing != "" {
		return existing, nil
	}

	v := s.assigner.Assign(c.Experiment)
	if v == nil {
		return "", nil
	}
	// The store resolves races: whoever inserts first wins, everyone
	// reads back the same variant
	return s.assignments.Assign(ctx, c.ID, contactID, v.ID)
}

// failContact terminally fails a contact whose retry budget is spent,
// folding the failure into campaign progress
func (s *Scheduler) failContact(ctx context.Context, c *campaign.Campaign, contactID string) error {
	counted, err := s.contacts.MarkDone(ctx, c.ID, contactID)
	if err != nil {
		return err
	}
	if !counted {
		return nil
	}
	c.RecordOutcome(campaign.OutcomeFailed, s.now())
	if s.metrics != nil {
		s.metrics.OutcomesTotal.WithLabelValues(c.ID, string(campaign.OutcomeFailed)).Inc()
	}
	return s.campaigns.Update(ctx, c)
}

func (s *Scheduler) deferContact(ctx context.Context, c *campaign.Campaign, contactID, reason string) error {
	backoff := s.cfg.RetryBackoff
	if c.Sending.Retry.Backoff > 0 {
		backoff = c.Sending.Retry.Backoff
	}
	if s.metrics != nil {
		s.metrics.ContactsDeferredTotal.WithLabelValues(c.ID, reason).Inc()
	}
	return s.contacts.Defer(ctx, c.ID, contactID, s.now().Add(backoff))
}

// maybeComplete finishes the campaign once every contact has reached a
// terminal outcome and nothing is left undispatched
func (s *Scheduler) maybeComplete(ctx context.Context, c *campaign.Campaign, res *TickResult) error {
	remaining, err := s.contacts.CountUndispatched(ctx, c.ID)
	if err != nil {
		return err
	}
	if remaining > 0 || c.Progress.Processed != c.Progress.Total {
		return nil
	}

	if err := c.Complete(s.now()); err != nil {
		return err
	}
	if err := s.campaigns.Update(ctx, c); err != nil {
		return err
	}
	res.Completed = true
	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues("complete").Inc()
	}
	s.logger.Info("campaign completed", "campaign_id", c.ID,
		"sent", c.Progress.Sent, "failed", c.Progress.Failed)
	return nil
}

func (s *Scheduler) hardFail(ctx context.Context, c *campaign.Campaign, reason string, res *TickResult) error {
	if err := c.Fail(s.now(), reason); err != nil {
		return err
	}
	if err := s.campaigns.Update(ctx, c); err != nil {
		return err
	}
	res.Failed = true
	if s.metrics != nil {
		s.metrics.HardFailuresTotal.WithLabelValues(reason).Inc()
	}
	s.logger.Error("campaign hard-failed", "campaign_id", c.ID, "reason", reason,
		"sent", c.Progress.Sent, "bounced", c.Progress.Bounced)
	return nil
}

func poolPolicy(p campaign.SendingPolicy) pool.Policy {
	return pool.Policy{
		Preferred:       p.PreferredIdentities,
		Fallback:        p.FallbackIdentities,
		RotationEnabled: p.RotationEnabled,
		Caps:            p.Caps,
	}
}

// terminalOutcome reports whether the per-contact outcome is final
func terminalOutcome(o campaign.Outcome) bool {
	return o == campaign.OutcomeSent || o == campaign.OutcomeFailed || o == campaign.OutcomeExcluded
}

// variantOutcome maps a campaign outcome onto a variant performance
// event; engagement-only events map one to one
func variantOutcome(o campaign.Outcome) (experiment.Outcome, bool) {
	switch o {
	case campaign.OutcomeSent:
		return experiment.OutcomeSent, true
	case campaign.OutcomeOpened:
		return experiment.OutcomeOpened, true
	case campaign.OutcomeClicked:
		return experiment.OutcomeClicked, true
	case campaign.OutcomeReplied:
		return experiment.OutcomeReplied, true
	case campaign.OutcomeUnsubscribed:
		return experiment.OutcomeUnsubscribed, true
	case campaign.OutcomeBounced:
		return experiment.OutcomeBounced, true
	}
	return "", false
}
