package experiment

import (
	"math/rand"
	"sync"
)

// Assigner draws variants for contacts using weighted random selection.
// It is safe for concurrent use. Stickiness (one assignment per contact
// for the life of the campaign) is the caller's responsibility: persist
// the contact-to-variant mapping and consult it before drawing again.
type Assigner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAssigner creates an assigner. rng may be nil, in which case a
// time-seeded source is used; tests pass a seeded source for
// reproducibility.
func NewAssigner(rng *rand.Rand) *Assigner {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Assigner{rng: rng}
}

// Assign draws one variant from the experiment. Returns nil when the
// experiment is not active (disabled, or a winner is already selected);
// the caller then uses the campaign's primary content with no variant.
func (a *Assigner) Assign(e *Experiment) *Variant {
	if !e.Active() {
		return nil
	}

	a.mu.Lock()
	r := a.rng.Float64() * WeightSum
	a.mu.Unlock()

	return e.Pick(r)
}
