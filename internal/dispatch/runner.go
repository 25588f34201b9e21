package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/metrics"
)

// RunnerConfig holds background dispatch loop configuration
type RunnerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

// DefaultRunnerConfig returns stock loop settings
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: 5 * time.Second,
		Concurrency:  4,
	}
}

// Runner drives the scheduler in the background: every poll interval it
// starts due scheduled campaigns and runs one tick per active campaign,
// at most Concurrency campaigns at a time.
type Runner struct {
	scheduler *Scheduler
	campaigns CampaignStore
	contacts  ContactQueue
	metrics   *metrics.Metrics
	cfg       RunnerConfig
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a background dispatch runner. metrics may be nil.
func NewRunner(s *Scheduler, campaigns CampaignStore, contacts ContactQueue, m *metrics.Metrics, cfg RunnerConfig, now func() time.Time, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultRunnerConfig().Concurrency
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		scheduler: s,
		campaigns: campaigns,
		contacts:  contacts,
		metrics:   m,
		cfg:       cfg,
		now:       now,
		logger:    logger.With("component", "runner"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the background loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("dispatch runner started",
		"poll_interval", r.cfg.PollInterval, "concurrency", r.cfg.Concurrency)
}

// Stop stops the loop and waits for in-flight ticks
func (r *Runner) Stop() {
	r.logger.Info("stopping dispatch runner...")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("dispatch runner stopped")
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

func (r *Runner) poll() {
	r.startDueCampaigns()

	active, err := r.campaigns.ListByStatus(r.ctx, campaign.StatusActive)
	if err != nil {
		r.logger.Error("failed to list active campaigns", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveCampaigns.Set(float64(len(active)))
	}

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, id := range active {
		select {
		case <-r.ctx.Done():
			wg.Wait()
			return
		default:
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(campaignID string) {
			defer func() {
				<-sem
				wg.Done()
			}()

			res, err := r.scheduler.Tick(r.ctx, campaignID)
			if err != nil {
				r.logger.Error("tick failed", "campaign_id", campaignID, "error", err)
				return
			}
			if res.Dispatched > 0 || res.Deferred > 0 {
				r.logger.Debug("tick done", "campaign_id", campaignID,
					"dispatched", res.Dispatched, "deferred", res.Deferred)
			}
		}(id)
	}

	wg.Wait()
}

// startDueCampaigns activates scheduled campaigns whose start time has
// passed; the contact count at activation fixes the campaign total
func (r *Runner) startDueCampaigns() {
	due, err := r.campaigns.ListScheduledDue(r.ctx, r.now())
	if err != nil {
		r.logger.Error("failed to list due campaigns", "error", err)
		return
	}

	for _, id := range due {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		c, err := r.campaigns.Get(r.ctx, id)
		if err != nil || c == nil {
			r.logger.Error("failed to load due campaign", "campaign_id", id, "error", err)
			continue
		}

		total, err := r.contacts.Count(r.ctx, id)
		if err != nil {
			r.logger.Error("failed to count contacts", "campaign_id", id, "error", err)
			continue
		}

		if err := c.Start(r.now(), total); err != nil {
			r.logger.Error("failed to start scheduled campaign", "campaign_id", id, "error", err)
			continue
		}
		if err := r.campaigns.Update(r.ctx, c); err != nil {
			r.logger.Error("failed to persist campaign start", "campaign_id", id, "error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.TransitionsTotal.WithLabelValues("start").Inc()
		}
		r.logger.Info("started scheduled campaign", "campaign_id", id,
			"name", c.Name, "total", total)
	}
}
