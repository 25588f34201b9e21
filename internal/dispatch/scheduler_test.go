package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/capacity"
	"github.com/sendgate/sendgate/internal/experiment"
	"github.com/sendgate/sendgate/internal/identity"
	"github.com/sendgate/sendgate/internal/pool"
	"github.com/sendgate/sendgate/internal/store"
)

// ---- fakes ----

type fakeCampaigns struct {
	byID map[string]*campaign.Campaign
}

func newFakeCampaigns(cs ...*campaign.Campaign) *fakeCampaigns {
	f := &fakeCampaigns{byID: make(map[string]*campaign.Campaign)}
	for _, c := range cs {
		f.byID[c.ID] = c
	}
	return f
}

func (f *fakeCampaigns) Get(_ context.Context, id string) (*campaign.Campaign, error) {
	return f.byID[id], nil
}

func (f *fakeCampaigns) GetStatus(_ context.Context, id string) (campaign.Status, error) {
	c := f.byID[id]
	if c == nil {
		return "", errors.New("not found")
	}
	return c.Status, nil
}

func (f *fakeCampaigns) Update(_ context.Context, c *campaign.Campaign) error {
	f.byID[c.ID] = c
	return nil
}

func (f *fakeCampaigns) ListByStatus(_ context.Context, status campaign.Status) ([]string, error) {
	var out []string
	for id, c := range f.byID {
		if c.Status == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeCampaigns) ListScheduledDue(_ context.Context, now time.Time) ([]string, error) {
	var out []string
	for id, c := range f.byID {
		if c.Status == campaign.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeContacts struct {
	contacts []*store.Contact
}

func newFakeContacts(campaignID string, n int) *fakeContacts {
	f := &fakeContacts{}
	for i := 0; i < n; i++ {
		f.contacts = append(f.contacts, &store.Contact{
			CampaignID: campaignID,
			ContactID:  fmt.Sprintf("ct-%d", i),
			Email:      fmt.Sprintf("ct-%d@example.com", i),
			Status:     store.ContactPending,
		})
	}
	return f
}

func (f *fakeContacts) find(contactID string) *store.Contact {
	for _, c := range f.contacts {
		if c.ContactID == contactID {
			return c
		}
	}
	return nil
}

func (f *fakeContacts) NextBatch(_ context.Context, campaignID string, limit int, now time.Time) ([]store.Contact, error) {
	var out []store.Contact
	for _, c := range f.contacts {
		if c.CampaignID != campaignID || len(out) >= limit {
			continue
		}
		ready := c.Status == store.ContactPending ||
			(c.Status == store.ContactDeferred && (c.NextAttemptAt == nil || !c.NextAttemptAt.After(now)))
		if ready {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeContacts) MarkDispatched(_ context.Context, _, contactID string) error {
	f.find(contactID).Status = store.ContactDispatched
	return nil
}

func (f *fakeContacts) MarkDone(_ context.Context, _, contactID string) (bool, error) {
	c := f.find(contactID)
	if c == nil || c.Status == store.ContactDone {
		return false, nil
	}
	c.Status = store.ContactDone
	return true, nil
}

func (f *fakeContacts) Defer(_ context.Context, _, contactID string, until time.Time) error {
	c := f.find(contactID)
	c.Status = store.ContactDeferred
	c.Attempts++
	c.NextAttemptAt = &until
	return nil
}

func (f *fakeContacts) CountUndispatched(_ context.Context, campaignID string) (int, error) {
	n := 0
	for _, c := range f.contacts {
		if c.CampaignID == campaignID && (c.Status == store.ContactPending || c.Status == store.ContactDeferred) {
			n++
		}
	}
	return n, nil
}

func (f *fakeContacts) Count(_ context.Context, campaignID string) (int, error) {
	n := 0
	for _, c := range f.contacts {
		if c.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (f *fakeContacts) countStatus(status string) int {
	n := 0
	for _, c := range f.contacts {
		if c.Status == status {
			n++
		}
	}
	return n
}

type fakeAssignments struct {
	m      map[string]string
	getErr error
}

func newFakeAssignments() *fakeAssignments { return &fakeAssignments{m: make(map[string]string)} }

func (f *fakeAssignments) Assign(_ context.Context, campaignID, contactID, variantID string) (string, error) {
	key := campaignID + "/" + contactID
	if existing, ok := f.m[key]; ok {
		return existing, nil
	}
	f.m[key] = variantID
	return variantID, nil
}

func (f *fakeAssignments) Get(_ context.Context, campaignID, contactID string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.m[campaignID+"/"+contactID], nil
}

type fakeEmitter struct {
	intents []*SendIntent
	err     error
	onEmit  func(*SendIntent) // runs before recording
}

func (f *fakeEmitter) Emit(_ context.Context, intent *SendIntent) error {
	if f.onEmit != nil {
		f.onEmit(intent)
	}
	if f.err != nil {
		return f.err
	}
	f.intents = append(f.intents, intent)
	return nil
}

type fakeIdentityRepo struct {
	byID map[string]*identity.Identity
}

func (f *fakeIdentityRepo) Get(_ context.Context, id string) (*identity.Identity, error) {
	return f.byID[id], nil
}

func (f *fakeIdentityRepo) ListSendable(_ context.Context, orgID string) ([]*identity.Identity, error) {
	var out []*identity.Identity
	for _, id := range f.byID {
		if id.OrgID == orgID && id.CanSend() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ---- fixtures ----

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func activeCampaign(id string, total int) *campaign.Campaign {
	return &campaign.Campaign{
		ID:       id,
		OrgID:    "org-1",
		Name:     id,
		Status:   campaign.StatusActive,
		Progress: campaign.Progress{Total: total},
	}
}

func testIdentity(id string, perMinute int) *identity.Identity {
	return &identity.Identity{
		ID:      id,
		OrgID:   "org-1",
		Address: id + "@example.com",
		Domain:  "example.com",
		Status:  identity.StatusActive,
		Limits:  identity.Limits{PerMinute: perMinute},
	}
}

type env struct {
	campaigns   *fakeCampaigns
	contacts    *fakeContacts
	assignments *fakeAssignments
	emitter     *fakeEmitter
	scheduler   *Scheduler
	now         time.Time
}

func setup(t *testing.T, c *campaign.Campaign, contacts int, idents ...*identity.Identity) *env {
	t.Helper()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := testClock(now)

	ledger, err := capacity.NewLedger(nil, capacity.Config{}, clock)
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Stop() })

	repo := &fakeIdentityRepo{byID: make(map[string]*identity.Identity)}
	for _, id := range idents {
		repo.byID[id.ID] = id
	}

	logger := discardLogger()
	p := pool.New(repo, ledger, nil, nil, clock, logger)

	e := &env{
		campaigns:   newFakeCampaigns(c),
		contacts:    newFakeContacts(c.ID, contacts),
		assignments: newFakeAssignments(),
		emitter:     &fakeEmitter{},
		now:         now,
	}
	e.scheduler = NewScheduler(
		e.campaigns, e.contacts, e.assignments, p,
		experiment.NewAssigner(rand.New(rand.NewSource(1))),
		e.emitter, nil, Config{BatchSize: 10, RetryBackoff: time.Minute},
		clock, logger,
	)
	return e
}

// ---- tests ----

func TestTickDispatchesBatch(t *testing.T) {
	c := activeCampaign("c-1", 3)
	e := setup(t, c, 3, testIdentity("id-1", 100))

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if res.Dispatched != 3 || res.Deferred != 0 {
		t.Errorf("dispatched=%d deferred=%d, want 3/0", res.Dispatched, res.Deferred)
	}
	if len(e.emitter.intents) != 3 {
		t.Fatalf("intents = %d, want 3", len(e.emitter.intents))
	}
	for _, in := range e.emitter.intents {
		if in.IdentityID != "id-1" || in.CampaignID != "c-1" || in.Email == "" {
			t.Errorf("bad intent: %+v", in)
		}
		if in.VariantID != "" {
			t.Errorf("variant assigned without experiment: %+v", in)
		}
	}
	if got := e.contacts.countStatus(store.ContactDispatched); got != 3 {
		t.Errorf("dispatched contacts = %d, want 3", got)
	}
}

func TestTickDefersWhenCapacityExhausted(t *testing.T) {
	c := activeCampaign("c-1", 5)
	e := setup(t, c, 5, testIdentity("id-1", 2))

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if res.Dispatched != 2 {
		t.Errorf("dispatched = %d, want 2 (per-minute ceiling)", res.Dispatched)
	}
	// One deferral and then the tick stops; the rest stay pending for
	// the next tick instead of being churned through
	if res.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", res.Deferred)
	}
	if got := e.contacts.countStatus(store.ContactPending); got != 2 {
		t.Errorf("still pending = %d, want 2", got)
	}

	deferred := e.contacts.find("ct-2")
	if deferred.Status != store.ContactDeferred || deferred.NextAttemptAt == nil {
		t.Fatalf("contact not deferred: %+v", deferred)
	}
	if want := e.now.Add(time.Minute); !deferred.NextAttemptAt.Equal(want) {
		t.Errorf("retry at %v, want %v", deferred.NextAttemptAt, want)
	}
}

func TestTickStopsWhenPausedMidBatch(t *testing.T) {
	c := activeCampaign("c-1", 5)
	e := setup(t, c, 5, testIdentity("id-1", 100))

	// Pause lands between two contacts of the same batch: no further
	// intents may be emitted after it
	e.emitter.onEmit = func(*SendIntent) {
		if len(e.emitter.intents) == 1 {
			c.Status = campaign.StatusPaused
		}
	}

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !res.Halted {
		t.Error("expected halted tick")
	}
	if len(e.emitter.intents) != 2 {
		t.Errorf("intents = %d, want 2 (one before pause, one in flight)", len(e.emitter.intents))
	}
}

func TestTickSkipsNonActiveCampaign(t *testing.T) {
	c := activeCampaign("c-1", 3)
	c.Status = campaign.StatusDraft
	e := setup(t, c, 3, testIdentity("id-1", 100))

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !res.Halted || len(e.emitter.intents) != 0 {
		t.Errorf("draft campaign dispatched: %+v", res)
	}
}

func TestTickHardFailsOnThresholdBreach(t *testing.T) {
	c := activeCampaign("c-1", 1000)
	c.Thresholds = campaign.Thresholds{MaxBounceRate: 0.05}
	c.Progress.Sent = 100
	c.Progress.Bounced = 10
	e := setup(t, c, 10, testIdentity("id-1", 100))

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !res.Failed {
		t.Error("expected hard failure")
	}
	if c.Status != campaign.StatusFailed || c.FailureReason != "bounce_rate" {
		t.Errorf("status=%s reason=%q", c.Status, c.FailureReason)
	}
	if len(e.emitter.intents) != 0 {
		t.Error("intents emitted after threshold breach")
	}
}

func TestTickCompletesCampaign(t *testing.T) {
	c := activeCampaign("c-1", 2)
	c.Progress.Processed = 2
	c.Progress.Sent = 2
	e := setup(t, c, 2, testIdentity("id-1", 100))
	for _, ct := range e.contacts.contacts {
		ct.Status = store.ContactDone
	}

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !res.Completed {
		t.Error("expected completion")
	}
	if c.Status != campaign.StatusCompleted || c.CompletedAt == nil {
		t.Errorf("status=%s completedAt=%v", c.Status, c.CompletedAt)
	}
}

func TestTickDoesNotCompleteWithOutcomesPending(t *testing.T) {
	c := activeCampaign("c-1", 2)
	c.Progress.Processed = 1
	e := setup(t, c, 2, testIdentity("id-1", 100))
	// All dispatched, but one outcome still outstanding
	for _, ct := range e.contacts.contacts {
		ct.Status = store.ContactDispatched
	}

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if res.Completed || c.Status != campaign.StatusActive {
		t.Errorf("completed early: %+v status=%s", res, c.Status)
	}
}

func TestTickEmitFailureReleasesCapacity(t *testing.T) {
	c := activeCampaign("c-1", 2)
	e := setup(t, c, 2, testIdentity("id-1", 1))

	calls := 0
	e.emitter.onEmit = func(*SendIntent) {
		calls++
		if calls == 1 {
			e.emitter.err = errors.New("transport down")
		} else {
			e.emitter.err = nil
		}
	}

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	// First emit fails and hands its reservation back, so the second
	// contact still fits under the per-minute ceiling of 1
	if res.Dispatched != 1 || res.Deferred != 1 {
		t.Errorf("dispatched=%d deferred=%d, want 1/1", res.Dispatched, res.Deferred)
	}
	if e.contacts.find("ct-0").Status != store.ContactDeferred {
		t.Errorf("failed contact not deferred: %+v", e.contacts.find("ct-0"))
	}
}

func TestTickFailsContactAfterMaxAttempts(t *testing.T) {
	c := activeCampaign("c-1", 1)
	c.Sending.Retry = campaign.RetryPolicy{MaxAttempts: 3}
	e := setup(t, c, 1, testIdentity("id-1", 100))
	e.emitter.err = errors.New("transport down")

	// Two earlier attempts already burned; the third failure is terminal
	ct := e.contacts.find("ct-0")
	ct.Attempts = 2

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if res.Deferred != 0 {
		t.Errorf("deferred = %d, want 0 (retry budget spent)", res.Deferred)
	}
	if ct.Status != store.ContactDone {
		t.Errorf("contact status = %s, want done", ct.Status)
	}
	if c.Progress.Failed != 1 || c.Progress.Processed != 1 {
		t.Errorf("progress = %+v, want 1 failed / 1 processed", c.Progress)
	}
}

func testExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		Enabled:   true,
		TestSize:  100,
		Criterion: experiment.CriterionOpenRate,
		Variants: []experiment.Variant{
			{ID: "v-a", Name: "A", Weight: 50, Content: experiment.Content{Subject: "Hi"}},
			{ID: "v-b", Name: "B", Weight: 50, Content: experiment.Content{Subject: "Hey"}},
		},
	}
}

func TestTickAssignsVariants(t *testing.T) {
	c := activeCampaign("c-1", 4)
	c.Experiment = testExperiment()
	e := setup(t, c, 4, testIdentity("id-1", 100))

	if _, err := e.scheduler.Tick(context.Background(), "c-1"); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(e.emitter.intents) != 4 {
		t.Fatalf("intents = %d, want 4", len(e.emitter.intents))
	}
	for _, in := range e.emitter.intents {
		if in.VariantID != "v-a" && in.VariantID != "v-b" {
			t.Errorf("intent without variant: %+v", in)
		}
		if stored := e.assignments.m["c-1/"+in.ContactID]; stored != in.VariantID {
			t.Errorf("assignment not persisted: intent=%s stored=%s", in.VariantID, stored)
		}
	}
}

func TestTickHonorsStickyAssignment(t *testing.T) {
	c := activeCampaign("c-1", 1)
	c.Experiment = testExperiment()
	e := setup(t, c, 1, testIdentity("id-1", 100))

	// Pre-existing assignment must win over any fresh draw
	e.assignments.m["c-1/ct-0"] = "v-b"

	if _, err := e.scheduler.Tick(context.Background(), "c-1"); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := e.emitter.intents[0].VariantID; got != "v-b" {
		t.Errorf("variant = %s, want sticky v-b", got)
	}
}

func TestTickNoVariantAfterWinnerDecided(t *testing.T) {
	c := activeCampaign("c-1", 1)
	c.Experiment = testExperiment()
	c.Experiment.WinnerID = "v-a"
	e := setup(t, c, 1, testIdentity("id-1", 100))

	if _, err := e.scheduler.Tick(context.Background(), "c-1"); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := e.emitter.intents[0].VariantID; got != "" {
		t.Errorf("variant = %q after winner decided, want none", got)
	}
}

func TestHandleOutcome(t *testing.T) {
	c := activeCampaign("c-1", 10)
	c.Experiment = testExperiment()
	e := setup(t, c, 10, testIdentity("id-1", 100))
	e.assignments.m["c-1/ct-0"] = "v-a"
	e.contacts.find("ct-0").Status = store.ContactDispatched

	if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeSent); err != nil {
		t.Fatalf("handle outcome failed: %v", err)
	}

	if c.Progress.Sent != 1 || c.Progress.Processed != 1 {
		t.Errorf("progress = %+v", c.Progress)
	}
	if c.Experiment.Variant("v-a").Perf.Sent != 1 {
		t.Error("variant performance not recorded")
	}
	if e.contacts.find("ct-0").Status != store.ContactDone {
		t.Error("contact not marked done on terminal outcome")
	}

	// Engagement events update counters but never re-process the contact
	if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeOpened); err != nil {
		t.Fatalf("handle outcome failed: %v", err)
	}
	if c.Progress.Opened != 1 || c.Progress.Processed != 1 {
		t.Errorf("progress after open = %+v", c.Progress)
	}
	if c.Experiment.Variant("v-a").Perf.Opened != 1 {
		t.Error("variant open not recorded")
	}
}

func TestHandleOutcomeDuplicateTerminal(t *testing.T) {
	c := activeCampaign("c-1", 3)
	c.Experiment = testExperiment()
	e := setup(t, c, 3, testIdentity("id-1", 100))
	e.assignments.m["c-1/ct-0"] = "v-a"
	e.contacts.find("ct-0").Status = store.ContactDispatched

	// Webhooks deliver at least once: the same terminal outcome arrives
	// twice for one contact
	for i := 0; i < 2; i++ {
		if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeSent); err != nil {
			t.Fatalf("handle outcome %d failed: %v", i, err)
		}
	}

	if c.Progress.Processed != 1 || c.Progress.Sent != 1 {
		t.Errorf("progress = %+v, want processed=1 sent=1 after duplicate", c.Progress)
	}
	if got := c.Experiment.Variant("v-a").Perf.Sent; got != 1 {
		t.Errorf("variant sent = %d, want 1", got)
	}
}

func TestHandleOutcomeDuplicateDoesNotCompleteEarly(t *testing.T) {
	c := activeCampaign("c-1", 2)
	e := setup(t, c, 2, testIdentity("id-1", 100))
	for _, ct := range e.contacts.contacts {
		ct.Status = store.ContactDispatched
	}

	// ct-0's outcome lands twice while ct-1 is still in flight; a naive
	// count would push processed to total
	for i := 0; i < 2; i++ {
		if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeSent); err != nil {
			t.Fatalf("handle outcome %d failed: %v", i, err)
		}
	}

	res, err := e.scheduler.Tick(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if res.Completed || c.Status != campaign.StatusActive {
		t.Errorf("completed with an outcome outstanding: %+v status=%s", res, c.Status)
	}
}

func TestHandleOutcomeConcurrent(t *testing.T) {
	const n = 40
	c := activeCampaign("c-1", n)
	e := setup(t, c, n, testIdentity("id-1", 1000))
	for _, ct := range e.contacts.contacts {
		ct.Status = store.ContactDispatched
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(contactID string) {
			defer wg.Done()
			if err := e.scheduler.HandleOutcome(context.Background(), "c-1", contactID, campaign.OutcomeSent); err != nil {
				t.Errorf("handle outcome %s failed: %v", contactID, err)
			}
		}(fmt.Sprintf("ct-%d", i))
	}
	wg.Wait()

	// Outcome ingestion is serialized per campaign: no increment is lost
	if c.Progress.Sent != n || c.Progress.Processed != n {
		t.Errorf("progress = %+v, want sent=%d processed=%d", c.Progress, n, n)
	}
}

func TestHandleOutcomeAssignmentLookupFailure(t *testing.T) {
	c := activeCampaign("c-1", 3)
	c.Experiment = testExperiment()
	e := setup(t, c, 3, testIdentity("id-1", 100))
	e.contacts.find("ct-0").Status = store.ContactDispatched
	e.assignments.getErr = errors.New("store down")

	// A failed assignment lookup skips variant recording but never loses
	// the campaign-level outcome
	if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeSent); err != nil {
		t.Fatalf("handle outcome failed: %v", err)
	}
	if c.Progress.Sent != 1 || c.Progress.Processed != 1 {
		t.Errorf("progress = %+v, want sent=1 processed=1", c.Progress)
	}
	if got := c.Experiment.Variant("v-a").Perf.Sent; got != 0 {
		t.Errorf("variant sent = %d, want 0 with assignment store down", got)
	}
}

func TestHandleOutcomeTriggersHardFailure(t *testing.T) {
	c := activeCampaign("c-1", 100)
	c.Thresholds = campaign.Thresholds{MaxBounceRate: 0.05}
	c.Progress.Sent = 40
	c.Progress.Bounced = 2
	e := setup(t, c, 1, testIdentity("id-1", 100))
	e.contacts.find("ct-0").Status = store.ContactDispatched

	if err := e.scheduler.HandleOutcome(context.Background(), "c-1", "ct-0", campaign.OutcomeBounced); err != nil {
		t.Fatalf("handle outcome failed: %v", err)
	}
	if c.Status != campaign.StatusFailed {
		t.Errorf("status = %s, want failed (3/40 bounced > 5%%)", c.Status)
	}
	if c.FailureReason != "bounce_rate" {
		t.Errorf("reason = %q", c.FailureReason)
	}
}

func TestSelectWinnerPromotesContent(t *testing.T) {
	c := activeCampaign("c-1", 1000)
	c.Experiment = testExperiment()
	c.Experiment.TestSize = 100
	c.Experiment.Variants[0].Perf = experiment.Performance{Sent: 100, Opened: 40}
	c.Experiment.Variants[1].Perf = experiment.Performance{Sent: 80, Opened: 48}
	e := setup(t, c, 1, testIdentity("id-1", 100))

	winner, err := e.scheduler.SelectWinner(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("select winner failed: %v", err)
	}
	if winner.ID != "v-b" {
		t.Errorf("winner = %s, want v-b (60%% vs 40%% open rate)", winner.ID)
	}
	if c.Content.Subject != "Hey" {
		t.Errorf("winner content not promoted: %+v", c.Content)
	}
	if !c.Experiment.Decided() {
		t.Error("experiment not marked decided")
	}

	if _, err := e.scheduler.SelectWinner(context.Background(), "c-1"); !errors.Is(err, experiment.ErrWinnerAlreadySelected) {
		t.Errorf("second selection err = %v", err)
	}
}

func TestStartDueCampaigns(t *testing.T) {
	c := activeCampaign("c-1", 0)
	c.Status = campaign.StatusScheduled
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	c.ScheduledAt = &at
	e := setup(t, c, 7, testIdentity("id-1", 100))

	r := NewRunner(e.scheduler, e.campaigns, e.contacts, nil,
		RunnerConfig{}, testClock(e.now), discardLogger())
	r.startDueCampaigns()

	if c.Status != campaign.StatusActive {
		t.Fatalf("status = %s, want active", c.Status)
	}
	if c.Progress.Total != 7 {
		t.Errorf("total = %d, want contact count 7", c.Progress.Total)
	}
}

func TestRunnerDefaultsNilClock(t *testing.T) {
	c := activeCampaign("c-1", 0)
	c.Status = campaign.StatusScheduled
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	c.ScheduledAt = &at
	e := setup(t, c, 2, testIdentity("id-1", 100))

	// Wall clock is used when no clock is injected; the 2025 start time
	// is due, so the campaign starts instead of panicking
	r := NewRunner(e.scheduler, e.campaigns, e.contacts, nil,
		RunnerConfig{}, nil, discardLogger())
	r.startDueCampaigns()

	if c.Status != campaign.StatusActive {
		t.Fatalf("status = %s, want active", c.Status)
	}
}

func TestRunnerPollTicksActiveCampaigns(t *testing.T) {
	c := activeCampaign("c-1", 3)
	e := setup(t, c, 3, testIdentity("id-1", 100))

	r := NewRunner(e.scheduler, e.campaigns, e.contacts, nil,
		RunnerConfig{Concurrency: 2}, testClock(e.now), discardLogger())
	r.poll()

	if len(e.emitter.intents) != 3 {
		t.Errorf("intents = %d, want 3 after one poll", len(e.emitter.intents))
	}
}
