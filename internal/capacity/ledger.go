package capacity

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sendgate/sendgate/internal/identity"
)

var bucketWindows = []byte("capacity_windows")

// WindowKind identifies a capacity window size
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// Kinds lists all window kinds in checking order
var Kinds = []WindowKind{WindowMinute, WindowHour, WindowDay}

// Result is the outcome of one admission attempt. A denied admission is a
// normal negative result, not an error.
type Result struct {
	Admitted   bool
	Exhausted  WindowKind    // set when denied
	RetryAfter time.Duration // time until the exhausted window rolls over
}

// Window holds the consumed counter for one (identity, kind) pair
type Window struct {
	Start    time.Time `json:"start"`
	Consumed int       `json:"consumed"`
}

// Config contains ledger settings
type Config struct {
	// FlushInterval controls how often counters are persisted to disk.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Ledger tracks consumed send volume per identity per time window and is
// the sole enforcement point for identity rate ceilings. Admission checks
// and reserves capacity in a single step, serialized per identity, so two
// concurrent admissions can never both succeed past a ceiling.
type Ledger struct {
	db     *bolt.DB // nil = in-memory only
	config Config
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*identityState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type identityState struct {
	mu      sync.Mutex
	windows map[WindowKind]*Window
}

// NewLedger creates a capacity ledger. db may be nil for a purely
// in-memory ledger (tests); with a db, previously persisted counters are
// loaded and a background flush loop is started.
func NewLedger(db *bolt.DB, cfg Config, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	l := &Ledger{
		db:     db,
		config: cfg,
		now:    now,
		states: make(map[string]*identityState),
		stopCh: make(chan struct{}),
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketWindows)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create capacity bucket: %w", err)
		}
		if err := l.loadWindows(); err != nil {
			return nil, fmt.Errorf("failed to load capacity windows: %w", err)
		}

		l.wg.Add(1)
		go l.flushLoop()
	}

	return l, nil
}

// Admit checks every window of the identity for headroom and, if all have
// room, increments all of them as a unit. On denial it reports which
// window was exhausted and how long until that window rolls over.
func (l *Ledger) Admit(id *identity.Identity) Result {
	now := l.now()
	st := l.state(id.ID)

	st.mu.Lock()
	defer st.mu.Unlock()

	loc := id.Location()
	for _, kind := range Kinds {
		w := st.window(kind, now, loc)
		ceiling := ceilingFor(id, kind)
		if ceiling > 0 && w.Consumed >= ceiling {
			return Result{
				Admitted:   false,
				Exhausted:  kind,
				RetryAfter: nextBoundary(kind, w.Start, loc).Sub(now),
			}
		}
	}

	for _, kind := range Kinds {
		st.windows[kind].Consumed++
	}
	return Result{Admitted: true}
}

// Release returns one previously admitted unit for each current window.
// Used only when a reserved send is abandoned before the transport
// attempt; counters never go below zero.
func (l *Ledger) Release(id *identity.Identity) {
	now := l.now()
	st := l.state(id.ID)

	st.mu.Lock()
	defer st.mu.Unlock()

	loc := id.Location()
	for _, kind := range Kinds {
		w := st.window(kind, now, loc)
		if w.Consumed > 0 {
			w.Consumed--
		}
	}
}

// Consumed returns the currently consumed count for one window kind,
// accounting for rollover
func (l *Ledger) Consumed(id *identity.Identity, kind WindowKind) int {
	now := l.now()
	st := l.state(id.ID)

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.window(kind, now, id.Location()).Consumed
}

// Stats returns a snapshot of all windows for an identity
func (l *Ledger) Stats(id *identity.Identity) map[WindowKind]Window {
	now := l.now()
	st := l.state(id.ID)

	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[WindowKind]Window, len(Kinds))
	loc := id.Location()
	for _, kind := range Kinds {
		out[kind] = *st.window(kind, now, loc)
	}
	return out
}

// Stop stops the flush loop and persists counters
func (l *Ledger) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	if l.db == nil {
		return nil
	}
	return l.persistWindows()
}

func (l *Ledger) state(identityID string) *identityState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[identityID]
	if !ok {
		st = &identityState{windows: make(map[WindowKind]*Window)}
		l.states[identityID] = st
	}
	return st
}

// window fetches or creates the window for kind, rolling it over when the
// wall clock has crossed the window boundary. Callers hold st.mu.
func (st *identityState) window(kind WindowKind, now time.Time, loc *time.Location) *Window {
	start := windowStart(kind, now, loc)
	w, ok := st.windows[kind]
	if !ok {
		w = &Window{Start: start}
		st.windows[kind] = w
		return w
	}
	if !w.Start.Equal(start) {
		w.Start = start
		w.Consumed = 0
	}
	return w
}

// ceilingFor returns the applicable ceiling for one window kind. Warmup
// reduces only the day window.
func ceilingFor(id *identity.Identity, kind WindowKind) int {
	switch kind {
	case WindowMinute:
		return id.Limits.PerMinute
	case WindowHour:
		return id.Limits.PerHour
	case WindowDay:
		return id.EffectiveDailyCeiling()
	}
	return 0
}

// windowStart computes the fixed calendar boundary a window opens on. The
// day window starts at local midnight in the identity's timezone.
func windowStart(kind WindowKind, now time.Time, loc *time.Location) time.Time {
	switch kind {
	case WindowMinute:
		return now.Truncate(time.Minute)
	case WindowHour:
		return now.Truncate(time.Hour)
	case WindowDay:
		local := now.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	}
	return now
}

func nextBoundary(kind WindowKind, start time.Time, loc *time.Location) time.Time {
	switch kind {
	case WindowMinute:
		return start.Add(time.Minute)
	case WindowHour:
		return start.Add(time.Hour)
	case WindowDay:
		local := start.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	}
	return start
}

func (l *Ledger) loadWindows() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWindows)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var windows map[WindowKind]*Window
			if err := json.Unmarshal(v, &windows); err != nil {
				return nil // Skip invalid entries
			}
			l.states[string(k)] = &identityState{windows: windows}
			return nil
		})
	})
}

func (l *Ledger) persistWindows() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.states))
	for id := range l.states {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWindows)
		if bucket == nil {
			return nil
		}

		for _, id := range ids {
			st := l.state(id)
			st.mu.Lock()
			data, err := json.Marshal(st.windows)
			st.mu.Unlock()
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistWindows()
		}
	}
}
