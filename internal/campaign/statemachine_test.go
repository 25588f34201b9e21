package campaign

import (
	"errors"
	"testing"
	"time"

	"github.com/sendgate/sendgate/internal/experiment"
)

var now = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func draftCampaign() *Campaign {
	return &Campaign{
		ID:     "c-1",
		OrgID:  "org-1",
		Name:   "launch",
		Status: StatusDraft,
	}
}

func activeCampaign(total int) *Campaign {
	c := draftCampaign()
	if err := c.Start(now, total); err != nil {
		panic(err)
	}
	return c
}

func TestScheduleRequiresFutureTime(t *testing.T) {
	c := draftCampaign()

	if err := c.Schedule(now.Add(-time.Hour), now); err == nil {
		t.Error("expected error scheduling in the past")
	}
	if c.Status != StatusDraft {
		t.Errorf("status changed to %s on rejected schedule", c.Status)
	}

	at := now.Add(time.Hour)
	if err := c.Schedule(at, now); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if c.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", c.Status)
	}
	if c.ScheduledAt == nil || !c.ScheduledAt.Equal(at) {
		t.Error("ScheduledAt not set")
	}
}

func TestStartFromDraftAndScheduled(t *testing.T) {
	c := draftCampaign()
	if err := c.Start(now, 500); err != nil {
		t.Fatalf("Start from draft failed: %v", err)
	}
	if c.Status != StatusActive || c.Progress.Total != 500 || c.StartedAt == nil {
		t.Errorf("after start: status=%s total=%d", c.Status, c.Progress.Total)
	}

	c2 := draftCampaign()
	_ = c2.Schedule(now.Add(time.Hour), now)
	if err := c2.Start(now.Add(2*time.Hour), 10); err != nil {
		t.Fatalf("Start from scheduled failed: %v", err)
	}
}

func TestStartRequiresContacts(t *testing.T) {
	c := draftCampaign()
	if err := c.Start(now, 0); err == nil {
		t.Error("expected error starting with zero contacts")
	}
	if c.Status != StatusDraft {
		t.Errorf("status = %s, want draft after rejected start", c.Status)
	}
}

func TestStartValidatesExperiment(t *testing.T) {
	c := draftCampaign()
	c.Experiment = &experiment.Experiment{
		Enabled:   true,
		TestSize:  100,
		Criterion: experiment.CriterionOpenRate,
		Variants: []experiment.Variant{
			{ID: "a", Weight: 80},
			{ID: "b", Weight: 30}, // sums to 110
		},
	}

	if err := c.Start(now, 100); err == nil {
		t.Fatal("expected configuration error for bad variant weights")
	}
	if c.Status != StatusDraft {
		t.Errorf("status = %s, want draft", c.Status)
	}

	c.Experiment.Variants[1].Weight = 20
	if err := c.Start(now, 100); err != nil {
		t.Fatalf("Start with valid experiment failed: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	c := activeCampaign(100)

	if err := c.Pause(now); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if c.Status != StatusPaused || c.Dispatchable() {
		t.Errorf("paused campaign: status=%s dispatchable=%v", c.Status, c.Dispatchable())
	}

	if err := c.Resume(now); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if c.Status != StatusActive || !c.Dispatchable() {
		t.Errorf("resumed campaign: status=%s", c.Status)
	}
}

func TestCancelFromEveryNonTerminalState(t *testing.T) {
	build := map[Status]func() *Campaign{
		StatusDraft: draftCampaign,
		StatusScheduled: func() *Campaign {
			c := draftCampaign()
			_ = c.Schedule(now.Add(time.Hour), now)
			return c
		},
		StatusActive: func() *Campaign { return activeCampaign(10) },
		StatusPaused: func() *Campaign {
			c := activeCampaign(10)
			_ = c.Pause(now)
			return c
		},
	}

	for status, fn := range build {
		c := fn()
		if c.Status != status {
			t.Fatalf("fixture status = %s, want %s", c.Status, status)
		}
		if err := c.Cancel(now); err != nil {
			t.Errorf("Cancel from %s failed: %v", status, err)
		}
		if c.Status != StatusCancelled {
			t.Errorf("status after cancel from %s = %s", status, c.Status)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusCancelled, StatusFailed} {
		c := draftCampaign()
		c.Status = status

		var illegal *ErrIllegalTransition
		checks := map[string]error{
			"schedule": c.Schedule(now.Add(time.Hour), now),
			"start":    c.Start(now, 10),
			"pause":    c.Pause(now),
			"resume":   c.Resume(now),
			"cancel":   c.Cancel(now),
			"complete": c.Complete(now),
			"fail":     c.Fail(now, "x"),
		}
		for event, err := range checks {
			if !errors.As(err, &illegal) {
				t.Errorf("%s from %s: err = %v, want illegal transition", event, status, err)
			}
		}
		if c.Status != status {
			t.Errorf("terminal status %s mutated to %s", status, c.Status)
		}
	}
}

func TestCompleteGuardedOnProcessed(t *testing.T) {
	c := activeCampaign(500)

	for i := 0; i < 499; i++ {
		c.RecordOutcome(OutcomeSent, now)
	}
	if err := c.Complete(now); err == nil {
		t.Fatal("Complete at processed=499 should be rejected")
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s, want active", c.Status)
	}

	c.RecordOutcome(OutcomeSent, now)
	if c.Progress.Processed != 500 {
		t.Fatalf("processed = %d, want 500", c.Progress.Processed)
	}
	if err := c.Complete(now); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if c.Status != StatusCompleted || c.CompletedAt == nil {
		t.Errorf("status = %s, completedAt = %v", c.Status, c.CompletedAt)
	}
}

func TestFailRetainsProgress(t *testing.T) {
	c := activeCampaign(100)
	for i := 0; i < 30; i++ {
		c.RecordOutcome(OutcomeSent, now)
	}

	if err := c.Fail(now, "bounce_rate"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if c.Status != StatusFailed {
		t.Errorf("status = %s, want failed", c.Status)
	}
	if c.FailureReason != "bounce_rate" {
		t.Errorf("reason = %q", c.FailureReason)
	}
	if c.Progress.Sent != 30 || c.Progress.Processed != 30 {
		t.Errorf("partial progress lost: %+v", c.Progress)
	}
}

func TestPredicatesMatchTransitions(t *testing.T) {
	// The predicates are the single source of truth: whenever a predicate
	// says yes, the transition must succeed, and vice versa.
	states := []Status{StatusDraft, StatusScheduled, StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusFailed}

	for _, status := range states {
		mk := func() *Campaign {
			c := draftCampaign()
			c.Status = status
			c.Progress.Total = 10
			return c
		}

		if c := mk(); c.CanStart() != (c.Start(now, 10) == nil) {
			t.Errorf("CanStart disagrees with Start in %s", status)
		}
		if c := mk(); c.CanPause() != (c.Pause(now) == nil) {
			t.Errorf("CanPause disagrees with Pause in %s", status)
		}
		if c := mk(); c.CanResume() != (c.Resume(now) == nil) {
			t.Errorf("CanResume disagrees with Resume in %s", status)
		}
		if c := mk(); c.CanCancel() != (c.Cancel(now) == nil) {
			t.Errorf("CanCancel disagrees with Cancel in %s", status)
		}
	}
}

func TestRecordOutcomeCounters(t *testing.T) {
	c := activeCampaign(10)

	c.RecordOutcome(OutcomeSent, now)
	c.RecordOutcome(OutcomeOpened, now)
	c.RecordOutcome(OutcomeClicked, now)
	c.RecordOutcome(OutcomeBounced, now)
	c.RecordOutcome(OutcomeFailed, now)
	c.RecordOutcome(OutcomeUnsubscribed, now)
	c.RecordOutcome(OutcomeReplied, now)
	c.RecordOutcome(OutcomeExcluded, now)

	p := c.Progress
	if p.Sent != 1 || p.Opened != 1 || p.Clicked != 1 || p.Bounced != 1 ||
		p.Failed != 1 || p.Unsubscribed != 1 || p.Replied != 1 {
		t.Errorf("counters wrong: %+v", p)
	}
	// Terminal outcomes: sent, failed, excluded
	if p.Processed != 3 {
		t.Errorf("processed = %d, want 3", p.Processed)
	}
}

func TestProcessedNeverExceedsTotal(t *testing.T) {
	c := activeCampaign(5)
	for i := 0; i < 20; i++ {
		c.RecordOutcome(OutcomeSent, now)
	}
	if c.Progress.Processed > c.Progress.Total {
		t.Errorf("processed %d exceeds total %d", c.Progress.Processed, c.Progress.Total)
	}
}

func TestProgressPercentage(t *testing.T) {
	p := Progress{}
	if got := p.Percentage(); got != 0 {
		t.Errorf("percentage with total=0 = %.2f, want 0", got)
	}

	p = Progress{Total: 200, Processed: 50}
	if got := p.Percentage(); got != 25 {
		t.Errorf("percentage = %.2f, want 25", got)
	}
}

func TestEstimatedRemaining(t *testing.T) {
	p := Progress{Total: 100, Processed: 40}
	if got := p.EstimatedRemaining(2); got != 30*time.Second {
		t.Errorf("remaining = %v, want 30s", got)
	}
	if got := p.EstimatedRemaining(0); got != 0 {
		t.Errorf("remaining with zero throughput = %v, want 0", got)
	}
}

func TestThresholdBreach(t *testing.T) {
	c := activeCampaign(1000)
	c.Thresholds = Thresholds{MaxBounceRate: 0.05, MaxUnsubscribeRate: 0.02}

	// Below minimum sample: never breached
	c.Progress.Sent = 10
	c.Progress.Bounced = 10
	if got := c.ThresholdBreach(); got != "" {
		t.Errorf("breach below sample = %q, want none", got)
	}

	c.Progress.Sent = 100
	c.Progress.Bounced = 6
	if got := c.ThresholdBreach(); got != "bounce_rate" {
		t.Errorf("breach = %q, want bounce_rate", got)
	}

	c.Progress.Bounced = 5 // exactly at 5%, not over
	if got := c.ThresholdBreach(); got != "" {
		t.Errorf("breach at exact threshold = %q, want none", got)
	}

	c.Progress.Unsubscribed = 3
	if got := c.ThresholdBreach(); got != "unsubscribe_rate" {
		t.Errorf("breach = %q, want unsubscribe_rate", got)
	}
}
