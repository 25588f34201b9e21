package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendgate/sendgate/internal/identity"
	"github.com/sendgate/sendgate/internal/metrics"
)

// Store is the identity persistence boundary the advancer works through
type Store interface {
	ListWarming(ctx context.Context) ([]*identity.Identity, error)
	Update(ctx context.Context, id *identity.Identity) error
}

// Config holds warmup advancement settings
type Config struct {
	Schedule        string  // cron expression, e.g. "0 3 * * *"
	GraduationRatio float64 // fraction of cap at which warmup graduates
}

// Advancer runs the daily warmup step: every warming identity's daily
// rate grows by its increment until it graduates to active. Scheduled
// via cron; RunOnce is also callable directly (CLI, tests).
type Advancer struct {
	store   Store
	cron    *cron.Cron
	ratio   float64
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a warmup advancer. metrics may be nil.
func New(store Store, ratio float64, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) *Advancer {
	if ratio <= 0 {
		ratio = identity.DefaultGraduationRatio
	}
	if now == nil {
		now = time.Now
	}
	return &Advancer{
		store:   store,
		cron:    cron.New(),
		ratio:   ratio,
		metrics: m,
		now:     now,
		logger:  logger.With("component", "warmup"),
	}
}

// Start registers the cron schedule and starts the background runner
func (a *Advancer) Start(schedule string) error {
	_, err := a.cron.AddFunc(schedule, func() {
		if err := a.RunOnce(context.Background()); err != nil {
			a.logger.Error("warmup advance run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid warmup schedule %q: %w", schedule, err)
	}

	a.cron.Start()
	a.logger.Info("warmup advancer started", "schedule", schedule, "graduation_ratio", a.ratio)
	return nil
}

// Stop stops the cron runner and waits for a running advance to finish
func (a *Advancer) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.logger.Info("warmup advancer stopped")
}

// RunOnce advances every warming identity once. Identities already
// advanced today are skipped, making the run idempotent within a day.
func (a *Advancer) RunOnce(ctx context.Context) error {
	warming, err := a.store.ListWarming(ctx)
	if err != nil {
		return fmt.Errorf("failed to list warming identities: %w", err)
	}

	now := a.now()
	for _, id := range warming {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if advancedToday(id, now) {
			continue
		}

		if err := id.AdvanceWarmup(now, a.ratio); err != nil {
			a.logger.Error("failed to advance warmup", "identity_id", id.ID, "error", err)
			continue
		}
		if err := a.store.Update(ctx, id); err != nil {
			a.logger.Error("failed to persist warmup advance", "identity_id", id.ID, "error", err)
			continue
		}

		if a.metrics != nil {
			a.metrics.WarmupAdvancesTotal.Inc()
			a.metrics.WarmupRate.WithLabelValues(id.ID).Set(float64(id.Warmup.CurrentRate))
			if id.Status == identity.StatusActive {
				a.metrics.GraduationsTotal.Inc()
			}
		}

		if id.Status == identity.StatusActive {
			a.logger.Info("identity graduated from warmup",
				"identity_id", id.ID, "address", id.Address, "rate", id.Warmup.CurrentRate)
		} else {
			a.logger.Debug("warmup advanced",
				"identity_id", id.ID, "rate", id.Warmup.CurrentRate, "cap", id.Warmup.Cap)
		}
	}
	return nil
}

// advancedToday reports whether the identity's last advance falls on the
// same calendar day as now, in the identity's timezone
func advancedToday(id *identity.Identity, now time.Time) bool {
	if id.Warmup.LastAdvance == nil {
		return false
	}
	loc := id.Location()
	last := id.Warmup.LastAdvance.In(loc)
	local := now.In(loc)
	return last.Year() == local.Year() && last.YearDay() == local.YearDay()
}
