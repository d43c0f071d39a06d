package api

import (
	"github.com/gorilla/mux"
)

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)

	v2 := r.PathPrefix("/api/v2").Subrouter()

	// Pipeline operations (guarded).
	v2.HandleFunc("/trigger-scheduler", s.auth.protect(s.handleTriggerScheduler)).Methods("POST")
	v2.HandleFunc("/trigger-consolidate", s.auth.protect(s.handleTriggerConsolidate)).Methods("POST")
	v2.HandleFunc("/retry-workers", s.auth.protect(s.handleRetryWorkers)).Methods("POST")
	v2.HandleFunc("/resume-consolidation", s.auth.protect(s.handleResumeConsolidation)).Methods("POST")
	v2.HandleFunc("/runs/{run_id}/cancel", s.auth.protect(s.handleCancelRun)).Methods("POST")
	v2.HandleFunc("/runs/{run_id}/republish", s.auth.protect(s.handleRepublish)).Methods("POST")
	v2.HandleFunc("/runs/{run_id}", s.auth.protect(s.handleDeleteRun)).Methods("DELETE")
	v2.HandleFunc("/heatmap-preview", s.auth.protect(s.handleHeatmapPreview)).Methods("POST")

	// /triggers/* spellings of the pipeline operations, for clients that
	// address every operator action under one prefix.
	v2.HandleFunc("/triggers/scheduler", s.auth.protect(s.handleTriggerScheduler)).Methods("POST")
	v2.HandleFunc("/triggers/consolidate", s.auth.protect(s.handleTriggerConsolidate)).Methods("POST")
	v2.HandleFunc("/triggers/retry-workers", s.auth.protect(s.handleRetryWorkers)).Methods("POST")
	v2.HandleFunc("/triggers/resume-consolidation", s.auth.protect(s.handleResumeConsolidation)).Methods("POST")
	v2.HandleFunc("/triggers/cancel-run", s.auth.protect(s.handleCancelRunByBody)).Methods("POST")
	v2.HandleFunc("/triggers/delete-run", s.auth.protect(s.handleDeleteRunByBody)).Methods("POST")

	// Analytics (read-only, open).
	v2.HandleFunc("/analytics/runs", s.handleListRuns).Methods("GET")
	v2.HandleFunc("/analytics/runs/{run_id}", s.handleGetRun).Methods("GET")
	v2.HandleFunc("/analytics/runs/{run_id}/consolidation", s.handleConsolidationProgress).Methods("GET")
	v2.HandleFunc("/analytics/errors", s.handleListErrors).Methods("GET")
	v2.HandleFunc("/analytics/query/{table}", s.handleQueryTable).Methods("POST")
	v2.HandleFunc("/analytics/watermarks/{feed}", s.handleGetWatermark).Methods("GET")
	v2.HandleFunc("/analytics/watermarks/{feed}", s.auth.protect(s.handlePutWatermark)).Methods("PUT")
	v2.HandleFunc("/analytics/watermark", s.handleGetWatermarkByQuery).Methods("GET")
	v2.HandleFunc("/analytics/watermark", s.auth.protect(s.handlePutWatermarkByQuery)).Methods("PUT")
	v2.HandleFunc("/analytics/heatmaps/{feed}/{name}", s.handleGetHeatmap).Methods("GET")
	v2.HandleFunc("/analytics/queues/{queue}/depth", s.handleQueueDepth).Methods("GET")

	// Rule management (guarded) and reapply jobs.
	v2.HandleFunc("/pricing-rules", s.handleListPricingRules).Methods("GET")
	v2.HandleFunc("/pricing-rules", s.auth.protect(s.handleCreatePricingRule)).Methods("POST")
	v2.HandleFunc("/pricing-rules/{id}", s.handleGetPricingRule).Methods("GET")
	v2.HandleFunc("/pricing-rules/{id}", s.auth.protect(s.handleUpdatePricingRule)).Methods("PUT")
	v2.HandleFunc("/pricing-rules/{id}", s.auth.protect(s.handleDeletePricingRule)).Methods("DELETE")
	v2.HandleFunc("/rating-rules", s.handleListRatingRules).Methods("GET")
	v2.HandleFunc("/rating-rules", s.auth.protect(s.handleCreateRatingRule)).Methods("POST")
	v2.HandleFunc("/rating-rules/{id}", s.handleGetRatingRule).Methods("GET")
	v2.HandleFunc("/rating-rules/{id}", s.auth.protect(s.handleUpdateRatingRule)).Methods("PUT")
	v2.HandleFunc("/rating-rules/{id}", s.auth.protect(s.handleDeleteRatingRule)).Methods("DELETE")
	v2.HandleFunc("/reapply", s.auth.protect(s.handleStartReapply)).Methods("POST")
	v2.HandleFunc("/reapply-jobs/{id}", s.handleGetReapplyJob).Methods("GET")
	v2.HandleFunc("/reapply-jobs/{id}/revert", s.auth.protect(s.handleRevertReapply)).Methods("POST")
	v2.HandleFunc("/reapply-jobs/{id}/cancel", s.auth.protect(s.handleCancelReapply)).Methods("POST")

	// Storefront.
	v2.HandleFunc("/diamonds", s.handleListDiamonds).Methods("GET")
	v2.HandleFunc("/diamonds/purchase", s.handlePurchaseByBody).Methods("POST")
	v2.HandleFunc("/diamonds/{id}", s.handleGetDiamond).Methods("GET")
	v2.HandleFunc("/diamonds/{id}/hold", s.handlePlaceHold).Methods("POST")
	v2.HandleFunc("/diamonds/{id}/purchase", s.handlePurchase).Methods("POST")
	v2.HandleFunc("/diamonds/{id}/cancel-hold", s.handleCancelHold).Methods("POST")
	v2.HandleFunc("/diamonds/{id}/availability", s.auth.protect(s.handleSetAvailability)).Methods("PUT")
	v2.HandleFunc("/holds/{hold_id}", s.handleReleaseHold).Methods("DELETE")
}
