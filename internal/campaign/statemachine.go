package campaign

import (
	"fmt"
	"time"
)

// ErrIllegalTransition is returned for any lifecycle change not permitted
// by the transition table. The campaign is left unchanged.
type ErrIllegalTransition struct {
	From  Status
	Event string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal campaign transition: %s from status %s", e.Event, e.From)
}

// Lifecycle predicates. These are the single definition used by both the
// transition methods below and by outer surfaces pre-validating requests.

// CanSchedule reports whether the campaign may be scheduled
func (c *Campaign) CanSchedule() bool {
	return c.Status == StatusDraft
}

// CanStart reports whether the campaign may be started
func (c *Campaign) CanStart() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

// CanPause reports whether the campaign may be paused
func (c *Campaign) CanPause() bool {
	return c.Status == StatusActive
}

// CanResume reports whether the campaign may be resumed
func (c *Campaign) CanResume() bool {
	return c.Status == StatusPaused
}

// CanCancel reports whether the campaign may be cancelled
func (c *Campaign) CanCancel() bool {
	return !c.Status.Terminal()
}

// Schedule moves draft -> scheduled. The scheduled time must be in the
// future relative to now.
func (c *Campaign) Schedule(at, now time.Time) error {
	if !c.CanSchedule() {
		return &ErrIllegalTransition{From: c.Status, Event: "schedule"}
	}
	if !at.After(now) {
		return fmt.Errorf("scheduled time %s is not in the future", at.Format(time.RFC3339))
	}
	c.Status = StatusScheduled
	c.ScheduledAt = &at
	c.UpdatedAt = now
	return nil
}

// Start moves draft or scheduled -> active. total is the eligible contact
// count snapshotted into progress; it must be positive. An experiment, if
// configured, must be valid before the campaign can leave draft.
func (c *Campaign) Start(now time.Time, total int) error {
	if !c.CanStart() {
		return &ErrIllegalTransition{From: c.Status, Event: "start"}
	}
	if total <= 0 {
		return fmt.Errorf("campaign %s has no target contacts", c.ID)
	}
	if c.Experiment != nil && c.Experiment.Enabled {
		if err := c.Experiment.Validate(); err != nil {
			return fmt.Errorf("invalid experiment: %w", err)
		}
	}
	c.Status = StatusActive
	c.StartedAt = &now
	c.Progress.Total = total
	c.UpdatedAt = now
	return nil
}

// Pause moves active -> paused; no new dispatch occurs until resumed
func (c *Campaign) Pause(now time.Time) error {
	if !c.CanPause() {
		return &ErrIllegalTransition{From: c.Status, Event: "pause"}
	}
	c.Status = StatusPaused
	c.UpdatedAt = now
	return nil
}

// Resume moves paused -> active
func (c *Campaign) Resume(now time.Time) error {
	if !c.CanResume() {
		return &ErrIllegalTransition{From: c.Status, Event: "resume"}
	}
	c.Status = StatusActive
	c.UpdatedAt = now
	return nil
}

// Cancel stops dispatch permanently; reachable from every non-terminal
// status
func (c *Campaign) Cancel(now time.Time) error {
	if !c.CanCancel() {
		return &ErrIllegalTransition{From: c.Status, Event: "cancel"}
	}
	c.Status = StatusCancelled
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Complete moves active -> completed. Guarded on every targeted contact
// having reached a terminal outcome; the caller additionally guarantees
// no undispatched contacts remain.
func (c *Campaign) Complete(now time.Time) error {
	if c.Status != StatusActive {
		return &ErrIllegalTransition{From: c.Status, Event: "complete"}
	}
	if c.Progress.Processed != c.Progress.Total {
		return fmt.Errorf("campaign %s not finished: processed %d of %d",
			c.ID, c.Progress.Processed, c.Progress.Total)
	}
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Fail is the hard-failure transition signalled by the dispatch layer
// when a negative-outcome threshold is breached. Partial progress is
// retained.
func (c *Campaign) Fail(now time.Time, reason string) error {
	if c.Status != StatusActive {
		return &ErrIllegalTransition{From: c.Status, Event: "fail"}
	}
	c.Status = StatusFailed
	c.FailureReason = reason
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// Outcome is a per-contact dispatch outcome reported by the transport
// layer
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeFailed       Outcome = "failed"
	OutcomeBounced      Outcome = "bounced"
	OutcomeComplained   Outcome = "complained"
	OutcomeUnsubscribed Outcome = "unsubscribed"
	OutcomeReplied      Outcome = "replied"
	OutcomeOpened       Outcome = "opened"
	OutcomeClicked      Outcome = "clicked"
	OutcomeExcluded     Outcome = "excluded"
)

// terminal outcomes advance processed exactly once per contact
func (o Outcome) terminal() bool {
	return o == OutcomeSent || o == OutcomeFailed || o == OutcomeExcluded
}

// RecordOutcome applies one dispatch outcome to the progress snapshot.
// Counters are monotonically non-decreasing; outcomes arriving for
// terminal campaigns (in-flight sends finishing after cancel/fail) are
// still counted so analytics stay truthful.
func (c *Campaign) RecordOutcome(o Outcome, now time.Time) {
	switch o {
	case OutcomeSent:
		c.Progress.Sent++
	case OutcomeFailed:
		c.Progress.Failed++
	case OutcomeBounced:
		c.Progress.Bounced++
	case OutcomeComplained:
		c.Progress.Complained++
	case OutcomeUnsubscribed:
		c.Progress.Unsubscribed++
	case OutcomeReplied:
		c.Progress.Replied++
	case OutcomeOpened:
		c.Progress.Opened++
	case OutcomeClicked:
		c.Progress.Clicked++
	}

	if o.terminal() && c.Progress.Processed < c.Progress.Total {
		c.Progress.Processed++
	}
	c.UpdatedAt = now
}
