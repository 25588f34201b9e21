package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/capacity"
	"github.com/sendgate/sendgate/internal/experiment"
	"github.com/sendgate/sendgate/internal/identity"
	"github.com/sendgate/sendgate/internal/store"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CapacityResponse reports an identity's current window consumption
type CapacityResponse struct {
	IdentityID string                  `json:"identity_id"`
	Windows    map[string]WindowStatus `json:"windows"`
}

// WindowStatus is one window's consumption snapshot
type WindowStatus struct {
	Start    time.Time `json:"start"`
	Consumed int       `json:"consumed"`
	Ceiling  int       `json:"ceiling,omitempty"` // 0 = unlimited
}

// ContactsRequest is the request body for POST /campaigns/{id}/contacts
type ContactsRequest struct {
	Contacts []ContactEntry `json:"contacts"`
}

// ContactEntry is one recipient being enqueued
type ContactEntry struct {
	ContactID string `json:"contact_id"`
	Email     string `json:"email"`
}

// ScheduleRequest is the request body for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	At time.Time `json:"at"`
}

// OutcomeRequest is the transport feedback webhook body
type OutcomeRequest struct {
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Outcome    string `json:"outcome"`
}

// ProgressResponse is the response for GET /campaigns/{id}/progress
type ProgressResponse struct {
	CampaignID    string            `json:"campaign_id"`
	Status        campaign.Status   `json:"status"`
	Progress      campaign.Progress `json:"progress"`
	Percentage    float64           `json:"percentage"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// ExperimentReport is the response for GET /campaigns/{id}/experiment
type ExperimentReport struct {
	CampaignID string               `json:"campaign_id"`
	Decided    bool                 `json:"decided"`
	WinnerID   string               `json:"winner_id,omitempty"`
	Rankings   []experiment.Ranking `json:"rankings"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleIdentityCreate handles POST /api/v1/identities
func (s *Server) handleIdentityCreate(w http.ResponseWriter, r *http.Request) {
	var id identity.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if id.OrgID == "" || id.Address == "" {
		s.sendError(w, http.StatusBadRequest, "org_id and address are required")
		return
	}
	if err := id.Hours.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id.Status == "" {
		id.Status = identity.StatusPending
	}

	if err := s.identities.Create(r.Context(), &id); err != nil {
		s.logger.Error("failed to create identity", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create identity")
		return
	}

	s.logger.Info("identity created", "identity_id", id.ID, "address", id.Address)
	s.sendJSON(w, http.StatusCreated, id)
}

// handleIdentityList handles GET /api/v1/identities?org_id=...
func (s *Server) handleIdentityList(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		s.sendError(w, http.StatusBadRequest, "org_id is required")
		return
	}

	ids, err := s.identities.List(r.Context(), orgID)
	if err != nil {
		s.logger.Error("failed to list identities", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list identities")
		return
	}
	s.sendJSON(w, http.StatusOK, ids)
}

// handleIdentityGet handles GET /api/v1/identities/{id}
func (s *Server) handleIdentityGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loadIdentity(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, id)
}

// handleIdentityCapacity handles GET /api/v1/identities/{id}/capacity
func (s *Server) handleIdentityCapacity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loadIdentity(w, r)
	if !ok {
		return
	}

	stats := s.ledger.Stats(id)
	resp := CapacityResponse{
		IdentityID: id.ID,
		Windows:    make(map[string]WindowStatus, len(stats)),
	}
	for kind, win := range stats {
		ceiling := 0
		switch kind {
		case capacity.WindowMinute:
			ceiling = id.Limits.PerMinute
		case capacity.WindowHour:
			ceiling = id.Limits.PerHour
		case capacity.WindowDay:
			ceiling = id.EffectiveDailyCeiling()
		}
		resp.Windows[string(kind)] = WindowStatus{
			Start:    win.Start,
			Consumed: win.Consumed,
			Ceiling:  ceiling,
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleIdentitySuspend handles POST /api/v1/identities/{id}/suspend
func (s *Server) handleIdentitySuspend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.identities.Suspend(r.Context(), id); err != nil {
		s.logger.Error("failed to suspend identity", "identity_id", id, "error", err)
		s.sendError(w, http.StatusNotFound, "Identity not found")
		return
	}
	s.logger.Info("identity suspended", "identity_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCampaignCreate handles POST /api/v1/campaigns
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var c campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if c.OrgID == "" || c.Name == "" {
		s.sendError(w, http.StatusBadRequest, "org_id and name are required")
		return
	}
	if c.Experiment != nil && c.Experiment.Enabled {
		if err := c.Experiment.Validate(); err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.campaigns.Create(r.Context(), &c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleCampaignList handles GET /api/v1/campaigns?status=...
func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	status := campaign.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = campaign.StatusActive
	}

	ids, err := s.campaigns.ListByStatus(r.Context(), status)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"status": status, "campaign_ids": ids})
}

// handleCampaignGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignAddContacts handles POST /api/v1/campaigns/{id}/contacts
func (s *Server) handleCampaignAddContacts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req ContactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Contacts) == 0 {
		s.sendError(w, http.StatusBadRequest, "contacts is required")
		return
	}

	batch := make([]store.Contact, 0, len(req.Contacts))
	for _, entry := range req.Contacts {
		if entry.ContactID == "" || entry.Email == "" {
			s.sendError(w, http.StatusBadRequest, "contact_id and email are required for every contact")
			return
		}
		batch = append(batch, store.Contact{ContactID: entry.ContactID, Email: entry.Email})
	}

	// The targeting cap bounds the queue size; excess entries are dropped
	if max := c.Targeting.MaxContacts; max > 0 {
		current, err := s.contacts.Count(r.Context(), c.ID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "Failed to count contacts")
			return
		}
		headroom := max - current
		if headroom <= 0 {
			s.sendError(w, http.StatusConflict, "Campaign contact cap reached")
			return
		}
		if len(batch) > headroom {
			batch = batch[:headroom]
		}
	}

	if err := s.contacts.Add(r.Context(), c.ID, batch); err != nil {
		s.logger.Error("failed to add contacts", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add contacts")
		return
	}

	total, err := s.contacts.Count(r.Context(), c.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to count contacts")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"total": total})
}

// handleCampaignSchedule handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleCampaignSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.transition(w, r, "schedule", func(c *campaign.Campaign) error {
		return c.Schedule(req.At, s.now())
	})
}

// handleCampaignStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "start", func(c *campaign.Campaign) error {
		total, err := s.contacts.Count(r.Context(), c.ID)
		if err != nil {
			return err
		}
		return c.Start(s.now(), total)
	})
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pause", func(c *campaign.Campaign) error {
		return c.Pause(s.now())
	})
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resume", func(c *campaign.Campaign) error {
		return c.Resume(s.now())
	})
}

// handleCampaignCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel", func(c *campaign.Campaign) error {
		return c.Cancel(s.now())
	})
}

// handleCampaignProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, ProgressResponse{
		CampaignID:    c.ID,
		Status:        c.Status,
		Progress:      c.Progress,
		Percentage:    c.Progress.Percentage(),
		FailureReason: c.FailureReason,
	})
}

// handleExperimentReport handles GET /api/v1/campaigns/{id}/experiment
func (s *Server) handleExperimentReport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if c.Experiment == nil || !c.Experiment.Enabled {
		s.sendError(w, http.StatusNotFound, "Campaign has no experiment")
		return
	}

	weights := experiment.DefaultScoreWeights(c.Experiment.Criterion)
	s.sendJSON(w, http.StatusOK, ExperimentReport{
		CampaignID: c.ID,
		Decided:    c.Experiment.Decided(),
		WinnerID:   c.Experiment.WinnerID,
		Rankings:   c.Experiment.Rank(weights),
	})
}

// handleSelectWinner handles POST /api/v1/campaigns/{id}/winner
func (s *Server) handleSelectWinner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	winner, err := s.scheduler.SelectWinner(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, experiment.ErrWinnerAlreadySelected):
			s.sendError(w, http.StatusConflict, err.Error())
		case errors.Is(err, experiment.ErrInsufficientSample):
			s.sendError(w, http.StatusPreconditionFailed, err.Error())
		default:
			s.logger.Error("failed to select winner", "campaign_id", id, "error", err)
			s.sendError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.sendJSON(w, http.StatusOK, winner)
}

// handleOutcome handles POST /api/v1/outcomes, the transport feedback
// webhook
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CampaignID == "" || req.ContactID == "" || req.Outcome == "" {
		s.sendError(w, http.StatusBadRequest, "campaign_id, contact_id and outcome are required")
		return
	}

	outcome := campaign.Outcome(req.Outcome)
	switch outcome {
	case campaign.OutcomeSent, campaign.OutcomeFailed, campaign.OutcomeBounced,
		campaign.OutcomeComplained, campaign.OutcomeUnsubscribed,
		campaign.OutcomeReplied, campaign.OutcomeOpened, campaign.OutcomeClicked,
		campaign.OutcomeExcluded:
	default:
		s.sendError(w, http.StatusBadRequest, "unknown outcome: "+req.Outcome)
		return
	}

	if err := s.scheduler.HandleOutcome(r.Context(), req.CampaignID, req.ContactID, outcome); err != nil {
		s.logger.Error("failed to handle outcome",
			"campaign_id", req.CampaignID, "contact_id", req.ContactID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to record outcome")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// transition loads the campaign, applies one lifecycle change and
// persists it. Illegal transitions map to 409.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, event string, fn func(*campaign.Campaign) error) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	if err := fn(c); err != nil {
		var illegal *campaign.ErrIllegalTransition
		if errors.As(err, &illegal) {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.campaigns.Update(r.Context(), c); err != nil {
		s.logger.Error("failed to persist campaign", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}

	s.logger.Info("campaign transition", "campaign_id", c.ID, "event", event, "status", c.Status)
	s.sendJSON(w, http.StatusOK, c)
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

func (s *Server) loadIdentity(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id := chi.URLParam(r, "id")
	ident, err := s.identities.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get identity", "identity_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get identity")
		return nil, false
	}
	if ident == nil {
		s.sendError(w, http.StatusNotFound, "Identity not found")
		return nil, false
	}
	return ident, true
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
