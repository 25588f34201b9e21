package experiment

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinVariants and MaxVariants bound the experiment size
	MinVariants = 2
	MaxVariants = 5

	// WeightSum is the required total of variant weights, within
	// WeightTolerance
	WeightSum       = 100.0
	WeightTolerance = 0.01
)

// ErrWinnerAlreadySelected guards the one-shot winner decision
var ErrWinnerAlreadySelected = errors.New("experiment winner already selected")

// ErrInsufficientSample is returned when winner selection is attempted
// before the test sample size has been reached
var ErrInsufficientSample = errors.New("experiment sample below configured test size")

// Criterion is the metric used to rank experiment variants
type Criterion string

const (
	CriterionOpenRate   Criterion = "open_rate"
	CriterionClickRate  Criterion = "click_rate"
	CriterionReplyRate  Criterion = "reply_rate"
	CriterionConversion Criterion = "conversion"
)

// Content is the message configuration a variant carries
type Content struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	FromName   string `json:"from_name,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// Performance holds a variant's cumulative outcome counters
type Performance struct {
	Sent         int `json:"sent"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Replied      int `json:"replied"`
	Unsubscribed int `json:"unsubscribed"`
	Bounced      int `json:"bounced"`
}

// Rates are Performance expressed as percentages of sent (0-100).
// All zero when nothing has been sent.
type Rates struct {
	Open        float64
	Click       float64
	Reply       float64
	Unsubscribe float64
	Bounce      float64
}

// Rates derives percentage rates from the counters
func (p Performance) Rates() Rates {
	if p.Sent == 0 {
		return Rates{}
	}
	sent := float64(p.Sent)
	return Rates{
		Open:        float64(p.Opened) / sent * 100,
		Click:       float64(p.Clicked) / sent * 100,
		Reply:       float64(p.Replied) / sent * 100,
		Unsubscribe: float64(p.Unsubscribed) / sent * 100,
		Bounce:      float64(p.Bounced) / sent * 100,
	}
}

// Variant is one content alternative in an A/B experiment
type Variant struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Weight  float64     `json:"weight"` // percentage 0-100
	Content Content     `json:"content"`
	Perf    Performance `json:"performance"`
}

// Experiment is a campaign's A/B test configuration. The variant set is
// fixed in stored order once the campaign leaves draft.
type Experiment struct {
	Enabled   bool      `json:"enabled"`
	Variants  []Variant `json:"variants"`
	TestSize  int       `json:"test_size"`
	Criterion Criterion `json:"criterion"`
	WinnerID  string    `json:"winner_id,omitempty"`
}

// Validate checks the experiment configuration: 2-5 variants whose
// weights sum to 100 within tolerance. Rejected configurations keep the
// campaign in draft.
func (e *Experiment) Validate() error {
	if len(e.Variants) < MinVariants || len(e.Variants) > MaxVariants {
		return fmt.Errorf("experiment needs %d-%d variants, got %d", MinVariants, MaxVariants, len(e.Variants))
	}

	sum := 0.0
	for _, v := range e.Variants {
		if v.Weight < 0 {
			return fmt.Errorf("variant %s has negative weight %.2f", v.Name, v.Weight)
		}
		sum += v.Weight
	}
	if math.Abs(sum-WeightSum) > WeightTolerance {
		return fmt.Errorf("variant weights sum to %.2f, want %.0f", sum, WeightSum)
	}

	if e.TestSize <= 0 {
		return fmt.Errorf("experiment test_size must be positive, got %d", e.TestSize)
	}

	switch e.Criterion {
	case CriterionOpenRate, CriterionClickRate, CriterionReplyRate, CriterionConversion:
	default:
		return fmt.Errorf("unknown winner criterion %q", e.Criterion)
	}
	return nil
}

// Decided reports whether a winner has been selected
func (e *Experiment) Decided() bool {
	return e.WinnerID != ""
}

// Active reports whether variant assignment should still occur
func (e *Experiment) Active() bool {
	return e != nil && e.Enabled && !e.Decided()
}

// Pick maps a uniform draw r in [0, WeightSum) to a variant by walking
// variants in stored order and returning the first whose cumulative
// weight reaches r. Returns nil when the experiment is disabled or
// already decided; the caller then uses the campaign's primary content.
func (e *Experiment) Pick(r float64) *Variant {
	if !e.Active() {
		return nil
	}

	cum := 0.0
	for i := range e.Variants {
		cum += e.Variants[i].Weight
		if cum >= r {
			return &e.Variants[i]
		}
	}
	// r beyond the (tolerance-rounded) total: last variant
	return &e.Variants[len(e.Variants)-1]
}

// Variant returns the variant with the given id, or nil
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// TotalSent sums sends across all variants
func (e *Experiment) TotalSent() int {
	total := 0
	for _, v := range e.Variants {
		total += v.Perf.Sent
	}
	return total
}

// Outcome is a variant-level performance event
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeOpened       Outcome = "opened"
	OutcomeClicked      Outcome = "clicked"
	OutcomeReplied      Outcome = "replied"
	OutcomeUnsubscribed Outcome = "unsubscribed"
	OutcomeBounced      Outcome = "bounced"
)

// Record increments the named variant's counter for one outcome
func (e *Experiment) Record(variantID string, o Outcome) error {
	v := e.Variant(variantID)
	if v == nil {
		return fmt.Errorf("unknown variant %q", variantID)
	}
	switch o {
	case OutcomeSent:
		v.Perf.Sent++
	case OutcomeOpened:
		v.Perf.Opened++
	case OutcomeClicked:
		v.Perf.Clicked++
	case OutcomeReplied:
		v.Perf.Replied++
	case OutcomeUnsubscribed:
		v.Perf.Unsubscribed++
	case OutcomeBounced:
		v.Perf.Bounced++
	default:
		return fmt.Errorf("unknown outcome %q", o)
	}
	return nil
}
