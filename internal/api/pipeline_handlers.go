package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gemdesk/internal/models"
	"gemdesk/internal/queue"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type triggerSchedulerRequest struct {
	Feed    string `json:"feed"`
	RunType string `json:"run_type,omitempty"`
}

func (s *Server) handleTriggerScheduler(w http.ResponseWriter, r *http.Request) {
	var req triggerSchedulerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Feed == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "feed is required")
		return
	}
	if s.sched == nil || s.bus == nil {
		writeQueueUnavailable(w, fmt.Sprintf("gemdesk-scheduler -feed %s", req.Feed))
		return
	}

	run, err := s.sched.TriggerRun(r.Context(), req.Feed, req.RunType)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, run, nil, nil)
}

type triggerConsolidateRequest struct {
	RunID string `json:"run_id"`
	Feed  string `json:"feed"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleTriggerConsolidate(w http.ResponseWriter, r *http.Request) {
	var req triggerConsolidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RunID == "" || req.Feed == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "run_id and feed are required")
		return
	}
	if s.bus == nil {
		writeQueueUnavailable(w, fmt.Sprintf("gemdesk-consolidate -run %s -feed %s", req.RunID, req.Feed))
		return
	}
	run, err := s.store.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "run "+req.RunID+" not found")
		return
	}

	cm := models.ConsolidateMessage{
		Type:    "CONSOLIDATE",
		Feed:    req.Feed,
		RunID:   req.RunID,
		TraceID: uuid.NewString(),
		Force:   req.Force,
	}
	body, _ := json.Marshal(cm)
	if err := s.bus.Publish(r.Context(), queue.Consolidate, body, 0); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, map[string]string{"trace_id": cm.TraceID}, nil, nil)
}

type retryWorkersRequest struct {
	RunID       string `json:"run_id"`
	PartitionID *int   `json:"partition_id,omitempty"`
}

// handleRetryWorkers re-queues work items for partitions whose latest worker
// attempt failed. Each item resumes from the partition's persisted offset.
func (s *Server) handleRetryWorkers(w http.ResponseWriter, r *http.Request) {
	var req retryWorkersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.bus == nil {
		writeQueueUnavailable(w, fmt.Sprintf("gemdesk-retry-workers -run %s", req.RunID))
		return
	}
	run, err := s.store.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "run "+req.RunID+" not found")
		return
	}

	failed, err := s.store.FailedWorkerRuns(r.Context(), req.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	parts, err := s.store.ListPartitions(r.Context(), req.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	byID := make(map[int]models.Partition, len(parts))
	for _, p := range parts {
		byID[p.PartitionID] = p
	}

	retried := 0
	for _, wr := range failed {
		if req.PartitionID != nil && wr.PartitionID != *req.PartitionID {
			continue
		}
		p, ok := byID[wr.PartitionID]
		if !ok {
			continue
		}
		item := models.WorkItem{
			RunID:           run.RunID,
			Feed:            run.Feed,
			PartitionID:     p.PartitionID,
			PriceMin:        p.PriceMin,
			PriceMax:        p.PriceMax,
			ExpectedRecords: p.ExpectedRecords,
			Offset:          p.NextOffset,
			IsIncremental:   run.RunType == models.RunTypeIncremental,
			WatermarkBefore: run.WatermarkBefore,
		}
		body, _ := json.Marshal(item)
		if err := s.bus.Publish(r.Context(), queue.WorkItems, body, 0); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := s.store.SetPartitionStatus(r.Context(), run.RunID, p.PartitionID, models.PartitionPending); err != nil {
			writeStoreError(w, err)
			return
		}
		retried++
	}
	writeAPIResponse(w, map[string]int{"retried": retried}, nil, nil)
}

type resumeConsolidationRequest struct {
	RunID string `json:"run_id"`
	Feed  string `json:"feed"`
}

func (s *Server) handleResumeConsolidation(w http.ResponseWriter, r *http.Request) {
	var req resumeConsolidationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.resumer == nil || s.bus == nil {
		writeQueueUnavailable(w, fmt.Sprintf("gemdesk-consolidate -run %s -feed %s -resume", req.RunID, req.Feed))
		return
	}
	if err := s.resumer.Resume(r.Context(), req.RunID, req.Feed); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, map[string]string{"status": "resuming"}, nil, nil)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.cancelRun(w, r, mux.Vars(r)["run_id"])
}

type cancelRunRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRunByBody(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RunID == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "run_id is required")
		return
	}
	s.cancelRun(w, r, req.RunID)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	ok, err := s.store.CancelRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "run "+runID+" not found or already completed")
		return
	}
	writeAPIResponse(w, map[string]string{"run_id": runID, "status": "cancelling"}, nil, nil)
}

func (s *Server) handleRepublish(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if s.sched == nil || s.bus == nil {
		writeQueueUnavailable(w, fmt.Sprintf("gemdesk-scheduler -republish %s", runID))
		return
	}
	n, err := s.sched.Republish(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, map[string]int{"republished": n}, nil, nil)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	s.deleteRun(w, r, mux.Vars(r)["run_id"])
}

type deleteRunRequest struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleDeleteRunByBody(w http.ResponseWriter, r *http.Request) {
	var req deleteRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RunID == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "run_id is required")
		return
	}
	s.deleteRun(w, r, req.RunID)
}

// deleteRun permanently removes a run. Only failed runs qualify; anything
// else may still have workers holding its messages.
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "run "+runID+" not found")
		return
	}
	if st := run.Status(); st != models.RunStatusFailed {
		writeAPIError(w, http.StatusConflict, "run_not_failed",
			"run "+runID+" is "+st+"; only failed runs can be deleted")
		return
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, map[string]string{"run_id": runID, "status": "deleted"}, nil, nil)
}

type heatmapPreviewRequest struct {
	Feed string `json:"feed"`
}

func (s *Server) handleHeatmapPreview(w http.ResponseWriter, r *http.Request) {
	var req heatmapPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Feed == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "feed is required")
		return
	}
	if s.sched == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "scheduler is not configured")
		return
	}
	result, err := s.sched.Preview(r.Context(), req.Feed)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, result, nil, nil)
}
