package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"gemdesk/internal/models"

	"github.com/gorilla/mux"
)

// maybeAutoReapply kicks off a reapply job after a rule write. A job of the
// same kind already in flight suppresses the trigger; the response then
// carries a warning instead of a job id.
func (s *Server) maybeAutoReapply(ctx context.Context, kind string, ruleSnapshot interface{}) map[string]interface{} {
	if s.reapplier == nil {
		return nil
	}
	ok, err := s.reapplier.ShouldAutoTrigger(ctx, kind)
	if err != nil {
		log.Printf("[api] auto-reapply check (%s): %v", kind, err)
		return map[string]interface{}{"warning": "reapply trigger check failed: " + err.Error()}
	}
	if !ok {
		return map[string]interface{}{"warning": "a " + kind + " reapply job is already active; rerun manually once it finishes"}
	}
	snap, _ := json.Marshal(ruleSnapshot)
	job, err := s.reapplier.Start(ctx, kind, "", "rule_change", snap)
	if err != nil {
		log.Printf("[api] auto-reapply start (%s): %v", kind, err)
		return map[string]interface{}{"warning": "reapply job failed to start: " + err.Error()}
	}
	return map[string]interface{}{"reapply_job_id": job.ID}
}

// --- Pricing rules ---

func (s *Server) handleListPricingRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	out, err := s.store.ListPricingRules(r.Context(), activeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, out, map[string]interface{}{"count": len(out)}, nil)
}

func (s *Server) handleGetPricingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	rule, err := s.store.GetPricingRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rule == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "pricing rule not found")
		return
	}
	writeAPIResponse(w, rule, nil, nil)
}

func (s *Server) handleCreatePricingRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PricingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	id, err := s.store.CreatePricingRule(r.Context(), rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rule.ID = id
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindPricing, rule)
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, rule, meta, nil)
}

func (s *Server) handleUpdatePricingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	var rule models.PricingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rule.ID = id
	ok, err := s.store.UpdatePricingRule(r.Context(), rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "pricing rule not found")
		return
	}
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindPricing, rule)
	writeAPIResponse(w, rule, meta, nil)
}

func (s *Server) handleDeletePricingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	ok, err := s.store.DeletePricingRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "pricing rule not found")
		return
	}
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindPricing, map[string]interface{}{"deleted_id": id})
	writeAPIResponse(w, map[string]interface{}{"id": id, "deleted": true}, meta, nil)
}

// --- Rating rules ---

func (s *Server) handleListRatingRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	out, err := s.store.ListRatingRules(r.Context(), activeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, out, map[string]interface{}{"count": len(out)}, nil)
}

func (s *Server) handleGetRatingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	rule, err := s.store.GetRatingRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rule == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "rating rule not found")
		return
	}
	writeAPIResponse(w, rule, nil, nil)
}

func (s *Server) handleCreateRatingRule(w http.ResponseWriter, r *http.Request) {
	var rule models.RatingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if rule.Rating < 0 || rule.Rating > 10 {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "rating must be between 0 and 10")
		return
	}
	id, err := s.store.CreateRatingRule(r.Context(), rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rule.ID = id
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindRating, rule)
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, rule, meta, nil)
}

func (s *Server) handleUpdateRatingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	var rule models.RatingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rule.ID = id
	ok, err := s.store.UpdateRatingRule(r.Context(), rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "rating rule not found")
		return
	}
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindRating, rule)
	writeAPIResponse(w, rule, meta, nil)
}

func (s *Server) handleDeleteRatingRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	ok, err := s.store.DeleteRatingRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "rating rule not found")
		return
	}
	meta := s.maybeAutoReapply(r.Context(), models.ReapplyKindRating, map[string]interface{}{"deleted_id": id})
	writeAPIResponse(w, map[string]interface{}{"id": id, "deleted": true}, meta, nil)
}

// --- Reapply jobs ---

type startReapplyRequest struct {
	Kind string `json:"kind"`
	Feed string `json:"feed,omitempty"`
}

func (s *Server) handleStartReapply(w http.ResponseWriter, r *http.Request) {
	var req startReapplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.reapplier == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "reapply_unavailable", "reapply engine is not configured")
		return
	}
	job, err := s.reapplier.Start(r.Context(), req.Kind, req.Feed, "manual", nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, job, nil, nil)
}

func (s *Server) handleGetReapplyJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.GetReapplyJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "reapply job not found")
		return
	}
	writeAPIResponse(w, job, nil, nil)
}

func (s *Server) handleRevertReapply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.reapplier == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "reapply_unavailable", "reapply engine is not configured")
		return
	}
	restored, err := s.reapplier.Revert(r.Context(), id)
	if err != nil {
		writeAPIError(w, http.StatusConflict, "revert_failed", err.Error())
		return
	}
	writeAPIResponse(w, map[string]interface{}{"job_id": id, "restored": restored}, nil, nil)
}

func (s *Server) handleCancelReapply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.reapplier == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "reapply_unavailable", "reapply engine is not configured")
		return
	}
	ok, err := s.reapplier.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "reapply job not found or already finished")
		return
	}
	writeAPIResponse(w, map[string]interface{}{"job_id": id, "cancelled": true}, nil, nil)
}
