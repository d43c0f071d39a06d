package api

import (
	"errors"
	"net/http"
	"strconv"

	"gemdesk/internal/blob"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/repository"

	"github.com/gorilla/mux"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	limit, _ := parseLimitOffset(r)
	runs, err := s.store.ListRuns(r.Context(), feed, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		out = append(out, runWithStatus(run))
	}
	writeAPIResponse(w, out, map[string]interface{}{"count": len(out)}, nil)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "run "+runID+" not found")
		return
	}
	parts, err := s.store.ListPartitions(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := runWithStatus(*run)
	out["partitions"] = parts
	writeAPIResponse(w, out, nil, nil)
}

// runWithStatus flattens the run plus its derived status, which is not a
// stored column.
func runWithStatus(run models.Run) map[string]interface{} {
	return map[string]interface{}{
		"run_id":            run.RunID,
		"feed":              run.Feed,
		"run_type":          run.RunType,
		"status":            run.Status(),
		"expected_workers":  run.ExpectedWorkers,
		"completed_workers": run.CompletedWorkers,
		"failed_workers":    run.FailedWorkers,
		"cancelled":         run.Cancelled,
		"watermark_before":  run.WatermarkBefore,
		"watermark_after":   run.WatermarkAfter,
		"feeds_affected":    run.FeedsAffected,
		"total_records":     run.TotalRecords,
		"started_at":        run.StartedAt,
		"completed_at":      run.CompletedAt,
	}
}

func (s *Server) handleConsolidationProgress(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	progress, err := s.store.ConsolidationProgress(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, progress, nil, nil)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	limit, _ := parseLimitOffset(r)
	entries, err := s.store.ListErrors(r.Context(), service, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, entries, map[string]interface{}{"count": len(entries)}, nil)
}

// handleQueryTable runs a filtered read against one of the allow-listed
// tables. The request body is validated by the query builder; anything it
// rejects comes back as a 400 with the builder's code.
func (s *Server) handleQueryTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var q repository.TableQuery
	if err := decodeJSON(r, &q); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	q.Table = table
	rows, err := s.store.QueryTable(r.Context(), q)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, rows, map[string]interface{}{"count": len(rows)}, nil)
}

func (s *Server) handleGetWatermark(w http.ResponseWriter, r *http.Request) {
	s.getWatermark(w, r, mux.Vars(r)["feed"])
}

// handleGetWatermarkByQuery serves the flat watermark route; the feed comes
// from the query string.
func (s *Server) handleGetWatermarkByQuery(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if feed == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "feed is required")
		return
	}
	s.getWatermark(w, r, feed)
}

func (s *Server) getWatermark(w http.ResponseWriter, r *http.Request, feed string) {
	if s.blobs == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "blob_unavailable", "blob store is not configured")
		return
	}
	var wm models.Watermark
	err := blob.GetJSON(r.Context(), s.blobs, blob.WatermarkKey(feed), &wm)
	if errors.Is(err, blob.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "not_found", "no watermark for feed "+feed)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, wm, nil, nil)
}

// handlePutWatermark overwrites the feed watermark. Operators use it to
// rewind a feed so the next incremental run refetches a window.
func (s *Server) handlePutWatermark(w http.ResponseWriter, r *http.Request) {
	s.putWatermark(w, r, mux.Vars(r)["feed"])
}

func (s *Server) handlePutWatermarkByQuery(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if feed == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "feed is required")
		return
	}
	s.putWatermark(w, r, feed)
}

func (s *Server) putWatermark(w http.ResponseWriter, r *http.Request, feed string) {
	if s.blobs == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "blob_unavailable", "blob store is not configured")
		return
	}
	var wm models.Watermark
	if err := decodeJSON(r, &wm); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if wm.LastUpdatedAt.IsZero() {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "lastUpdatedAt is required")
		return
	}
	if err := blob.PutJSON(r.Context(), s.blobs, blob.WatermarkKey(feed), wm); err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, wm, nil, nil)
}

func (s *Server) handleGetHeatmap(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if s.blobs == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "blob_unavailable", "blob store is not configured")
		return
	}
	raw, err := s.blobs.Get(r.Context(), blob.HeatmapKey(vars["feed"], vars["name"]))
	if errors.Is(err, blob.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "not_found", "heatmap not found")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Write(raw)
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	if name != queue.WorkItems && name != queue.Consolidate {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown queue "+name)
		return
	}
	if s.bus == nil {
		writeQueueUnavailable(w, "redis-cli llen gd:q:"+name+":pending")
		return
	}
	depth, err := s.bus.Depth(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, map[string]interface{}{"queue": name, "depth": depth}, nil, nil)
}

func parseIDVar(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}
