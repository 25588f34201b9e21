package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sendgate/sendgate/internal/capacity"
	"github.com/sendgate/sendgate/internal/identity"
	"github.com/sendgate/sendgate/internal/metrics"
)

// Repository loads sending identities. Implemented by the storage layer;
// the pool holds no identity records of its own.
type Repository interface {
	Get(ctx context.Context, id string) (*identity.Identity, error)
	ListSendable(ctx context.Context, orgID string) ([]*identity.Identity, error)
}

// VerifyFunc is an external compliance gate (e.g. DNS verification): an
// identity it rejects is skipped during selection. Optional.
type VerifyFunc func(*identity.Identity) bool

// Policy is a campaign's identity-selection policy
type Policy struct {
	Preferred       []string
	Fallback        []string
	RotationEnabled bool
	Caps            *identity.Limits // optional per-campaign tightening of ceilings
}

// Pool selects the best eligible identity for the next send. Selection
// and capacity reservation happen in one step: an identity is returned
// only after the ledger has admitted it, so two concurrent selections
// can never both pass the same identity's ceiling.
type Pool struct {
	repo    Repository
	ledger  *capacity.Ledger
	verify  VerifyFunc
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	useSeq   uint64
	lastUsed map[string]uint64 // rotation bookkeeping: sequence of last use
}

// New creates an identity pool. verify and m may be nil.
func New(repo Repository, ledger *capacity.Ledger, verify VerifyFunc, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{
		repo:     repo,
		ledger:   ledger,
		verify:   verify,
		metrics:  m,
		now:      now,
		logger:   logger.With("component", "pool"),
		lastUsed: make(map[string]uint64),
	}
}

// Select returns an admitted identity for the next send, or (nil, nil)
// when no candidate is currently eligible and under capacity, a normal
// negative result meaning the caller must defer the contact. Preferred
// identities are tried before fallbacks; capacity is reserved on the
// returned identity and must be consumed by a send or handed back via
// Release.
func (p *Pool) Select(ctx context.Context, orgID string, policy Policy) (*identity.Identity, error) {
	candidates, err := p.candidates(ctx, orgID, policy.Preferred)
	if err != nil {
		return nil, err
	}
	if chosen := p.admitFirst(candidates, policy); chosen != nil {
		return chosen, nil
	}

	if len(policy.Fallback) > 0 {
		fallbacks, err := p.candidates(ctx, orgID, policy.Fallback)
		if err != nil {
			return nil, err
		}
		if chosen := p.admitFirst(fallbacks, policy); chosen != nil {
			return chosen, nil
		}
	}

	return nil, nil
}

// Release hands back capacity reserved by Select when the send is
// abandoned before the transport attempt
func (p *Pool) Release(id *identity.Identity) {
	p.ledger.Release(id)
}

// candidates loads and filters the eligible identity set. With an empty
// preferred list, all sendable identities of the organization qualify.
func (p *Pool) candidates(ctx context.Context, orgID string, ids []string) ([]*identity.Identity, error) {
	var loaded []*identity.Identity
	if len(ids) == 0 {
		all, err := p.repo.ListSendable(ctx, orgID)
		if err != nil {
			return nil, err
		}
		loaded = all
	} else {
		for _, id := range ids {
			ident, err := p.repo.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if ident == nil || ident.OrgID != orgID {
				continue
			}
			loaded = append(loaded, ident)
		}
	}

	now := p.now()
	eligible := loaded[:0]
	for _, ident := range loaded {
		if !ident.Eligible(now) {
			continue
		}
		if p.verify != nil && !p.verify(ident) {
			continue
		}
		eligible = append(eligible, ident)
	}
	return eligible, nil
}

// admitFirst orders candidates per policy and returns the first one the
// ledger admits. Ordering: round-robin (least recently used) when
// rotation is on, otherwise priority weight descending with created_at
// as tiebreak.
func (p *Pool) admitFirst(candidates []*identity.Identity, policy Policy) *identity.Identity {
	if len(candidates) == 0 {
		return nil
	}

	if policy.RotationEnabled {
		p.mu.Lock()
		sort.SliceStable(candidates, func(i, j int) bool {
			si, sj := p.lastUsed[candidates[i].ID], p.lastUsed[candidates[j].ID]
			if si != sj {
				return si < sj
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		p.mu.Unlock()
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
	}

	for _, cand := range candidates {
		res := p.ledger.Admit(withCaps(cand, policy.Caps))
		if !res.Admitted {
			if p.metrics != nil {
				p.metrics.AdmissionsDeniedTotal.WithLabelValues(cand.ID, string(res.Exhausted)).Inc()
			}
			p.logger.Debug("identity at capacity",
				"identity_id", cand.ID,
				"window", string(res.Exhausted),
				"retry_after", res.RetryAfter,
			)
			continue
		}
		p.mu.Lock()
		p.useSeq++
		p.lastUsed[cand.ID] = p.useSeq
		p.mu.Unlock()
		return cand
	}
	return nil
}

// withCaps applies the campaign's per-window caps on top of the
// identity's own ceilings, taking the smaller of each pair. The ledger
// keys windows by identity ID, so the tightened copy shares counters
// with the original.
func withCaps(id *identity.Identity, caps *identity.Limits) *identity.Identity {
	if caps == nil {
		return id
	}
	tightened := *id
	tightened.Limits.PerMinute = minCeiling(id.Limits.PerMinute, caps.PerMinute)
	tightened.Limits.PerHour = minCeiling(id.Limits.PerHour, caps.PerHour)
	tightened.Limits.PerDay = minCeiling(id.Limits.PerDay, caps.PerDay)
	return &tightened
}

// minCeiling treats <= 0 as unlimited
func minCeiling(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
