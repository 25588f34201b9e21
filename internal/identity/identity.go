package identity

import (
	"fmt"
	"time"
)

// Status represents the lifecycle status of a sending identity
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusWarmingUp Status = "warming_up"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
)

// DefaultGraduationRatio is the fraction of the warmup cap at which a
// warming identity graduates to active. Heuristic, override via config.
const DefaultGraduationRatio = 0.8

// Limits contains the static per-window send ceilings for an identity.
// A value <= 0 means the window is unlimited.
type Limits struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerHour   int `yaml:"per_hour" json:"per_hour"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// Warmup tracks the gradual ramp of an identity's trusted daily volume
type Warmup struct {
	CurrentRate int        `json:"current_rate"`
	Increment   int        `json:"increment"`
	Cap         int        `json:"cap"`
	LastAdvance *time.Time `json:"last_advance,omitempty"`
}

// BusinessHours restricts sending to a weekday/time-of-day window,
// evaluated in the identity's configured timezone
type BusinessHours struct {
	Enabled  bool           `json:"enabled"`
	Start    string         `json:"start"` // "09:00"
	End      string         `json:"end"`   // "17:00"
	Weekdays []time.Weekday `json:"weekdays"`
	Timezone string         `json:"timezone"`
}

// Identity represents a sending identity: a mailbox/domain/IP combination
// authorized to send on behalf of an organization
type Identity struct {
	ID        string        `json:"id"`
	OrgID     string        `json:"org_id"`
	Address   string        `json:"address"`
	Domain    string        `json:"domain"`
	Status    Status        `json:"status"`
	Limits    Limits        `json:"limits"`
	Warmup    Warmup        `json:"warmup"`
	Hours     BusinessHours `json:"hours"`
	Priority  int           `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CanSend reports whether the identity's status permits sending at all
func (i *Identity) CanSend() bool {
	return i.Status == StatusActive || i.Status == StatusWarmingUp
}

// Eligible reports whether the identity may send at the given instant:
// status must permit sending and, when business hours are enabled, now
// must fall inside the configured weekday/time window in the identity's
// timezone. Start and end of the window are both inclusive.
func (i *Identity) Eligible(now time.Time) bool {
	if !i.CanSend() {
		return false
	}
	return i.Hours.Contains(now)
}

// Location resolves the identity's timezone, falling back to UTC
func (i *Identity) Location() *time.Location {
	if i.Hours.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(i.Hours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EffectiveDailyCeiling returns the day-window ceiling with the warmup
// reduction applied: a warming identity may not exceed its current
// warmup rate per day, even when its static ceiling is higher. Minute
// and hour ceilings are never reduced by warmup.
func (i *Identity) EffectiveDailyCeiling() int {
	if i.Status != StatusWarmingUp {
		return i.Limits.PerDay
	}
	if i.Limits.PerDay <= 0 {
		return i.Warmup.CurrentRate
	}
	if i.Warmup.CurrentRate < i.Limits.PerDay {
		return i.Warmup.CurrentRate
	}
	return i.Limits.PerDay
}

// AdvanceWarmup increases the warmup rate by one increment, capped at the
// warmup cap, and graduates the identity to active once the rate reaches
// graduationRatio of the cap. Only valid while warming up. Callers must
// gate call frequency (typically once per day per identity); calling
// twice in one period compounds the increment.
func (i *Identity) AdvanceWarmup(now time.Time, graduationRatio float64) error {
	if i.Status != StatusWarmingUp {
		return fmt.Errorf("identity %s: cannot advance warmup in status %s", i.ID, i.Status)
	}
	if graduationRatio <= 0 {
		graduationRatio = DefaultGraduationRatio
	}

	rate := i.Warmup.CurrentRate + i.Warmup.Increment
	if rate > i.Warmup.Cap {
		rate = i.Warmup.Cap
	}
	if rate < i.Warmup.CurrentRate {
		// Never decrease, even with a misconfigured negative increment
		rate = i.Warmup.CurrentRate
	}
	i.Warmup.CurrentRate = rate
	i.Warmup.LastAdvance = &now
	i.UpdatedAt = now

	if float64(rate) >= graduationRatio*float64(i.Warmup.Cap) {
		i.Status = StatusActive
	}
	return nil
}

// Validate rejects malformed business-hours configuration so a bad
// clock string or timezone cannot silently widen the send window.
// Disabled hours are always valid.
func (h BusinessHours) Validate() error {
	if !h.Enabled {
		return nil
	}
	if _, err := parseClock(h.Start); err != nil {
		return fmt.Errorf("invalid business-hours start %q: %w", h.Start, err)
	}
	if _, err := parseClock(h.End); err != nil {
		return fmt.Errorf("invalid business-hours end %q: %w", h.End, err)
	}
	if h.Timezone != "" {
		if _, err := time.LoadLocation(h.Timezone); err != nil {
			return fmt.Errorf("invalid business-hours timezone %q: %w", h.Timezone, err)
		}
	}
	return nil
}

// Contains reports whether t falls inside the business-hours window.
// Always true when business hours are disabled.
func (h BusinessHours) Contains(t time.Time) bool {
	if !h.Enabled {
		return true
	}

	loc := time.UTC
	if h.Timezone != "" {
		if l, err := time.LoadLocation(h.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if len(h.Weekdays) > 0 {
		ok := false
		for _, wd := range h.Weekdays {
			if local.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	start, err := parseClock(h.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(h.End)
	if err != nil {
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	// Window crossing midnight (e.g. 22:00-06:00)
	return minutes >= start || minutes <= end
}

// parseClock parses "HH:MM" into minutes since midnight
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
