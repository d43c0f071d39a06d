package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"gemdesk/internal/models"
	"gemdesk/internal/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// requireIdempotencyKey enforces the header on storefront writes; retried
// requests without it would double-book a stone.
func requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required")
		return "", false
	}
	return key, true
}

func (s *Server) handleListDiamonds(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	f := repository.DiamondFilter{
		Feed:   r.URL.Query().Get("feed"),
		Shape:  strings.ToUpper(r.URL.Query().Get("shape")),
		Limit:  limit,
		Offset: int64(offset),
	}
	if v := parseFloatQuery(r, "price_min"); v != nil {
		f.PriceMin = *v
	}
	if v := parseFloatQuery(r, "price_max"); v != nil {
		f.PriceMax = *v
	}
	if v := parseFloatQuery(r, "carat_min"); v != nil {
		f.CaratMin = *v
	}
	if v := parseFloatQuery(r, "carat_max"); v != nil {
		f.CaratMax = *v
	}

	out, err := s.store.ListDiamonds(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeAPIResponse(w, out, map[string]interface{}{
		"count":  len(out),
		"limit":  limit,
		"offset": offset,
	}, nil)
}

func (s *Server) handleGetDiamond(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid diamond id")
		return
	}
	d, err := s.store.GetDiamond(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if d == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "diamond not found")
		return
	}
	writeAPIResponse(w, d, nil, nil)
}

type holdRequest struct {
	CustomerRef string `json:"customer_ref,omitempty"`
}

// handlePlaceHold reserves a stone. Idempotency-Key replays return the
// original hold; an unavailable stone is a 409.
func (s *Server) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid diamond id")
		return
	}
	idemKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	hold, err := s.store.PlaceHold(r.Context(), models.Hold{
		ID:             uuid.NewString(),
		DiamondID:      id,
		CustomerRef:    req.CustomerRef,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if hold == nil {
		writeAPIError(w, http.StatusConflict, "unavailable", "diamond is not available for hold")
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, hold, nil, nil)
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	holdID := mux.Vars(r)["hold_id"]
	ok, err := s.store.ReleaseHold(r.Context(), holdID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "hold not found or already released")
		return
	}
	writeAPIResponse(w, map[string]interface{}{"hold_id": holdID, "released": true}, nil, nil)
}

type purchaseRequest struct {
	DiamondID   int64  `json:"diamond_id,omitempty"`
	HoldID      string `json:"hold_id,omitempty"`
	CustomerRef string `json:"customer_ref,omitempty"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid diamond id")
		return
	}
	idemKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.recordPurchase(w, r, id, req, idemKey)
}

// handlePurchaseByBody is the flat purchase route; the stone is named in the
// body instead of the path.
func (s *Server) handlePurchaseByBody(w http.ResponseWriter, r *http.Request) {
	idemKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DiamondID == 0 {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "diamond_id is required")
		return
	}
	s.recordPurchase(w, r, req.DiamondID, req, idemKey)
}

func (s *Server) recordPurchase(w http.ResponseWriter, r *http.Request, diamondID int64, req purchaseRequest, idemKey string) {
	p, err := s.store.RecordPurchase(r.Context(), models.Purchase{
		ID:             uuid.NewString(),
		DiamondID:      diamondID,
		HoldID:         req.HoldID,
		CustomerRef:    req.CustomerRef,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if p == nil {
		writeAPIError(w, http.StatusConflict, "unavailable", "diamond is not available for purchase")
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeAPIResponse(w, p, nil, nil)
}

// handleCancelHold releases whatever hold is active on the stone. The flat
// release route keys on the hold id instead.
func (s *Server) handleCancelHold(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid diamond id")
		return
	}
	d, err := s.store.GetDiamond(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if d == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "diamond not found")
		return
	}
	if d.HoldID == "" {
		writeAPIError(w, http.StatusConflict, "no_active_hold", "diamond has no active hold")
		return
	}
	ok, err := s.store.ReleaseHold(r.Context(), d.HoldID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "hold not found or already released")
		return
	}
	writeAPIResponse(w, map[string]interface{}{"hold_id": d.HoldID, "released": true}, nil, nil)
}

type availabilityRequest struct {
	Availability string `json:"availability"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid diamond id")
		return
	}
	var req availabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	switch req.Availability {
	case models.AvailabilityAvailable, models.AvailabilityOnHold,
		models.AvailabilitySold, models.AvailabilityUnavailable:
	default:
		writeAPIError(w, http.StatusBadRequest, "bad_request", "unknown availability "+req.Availability)
		return
	}
	ok, err := s.store.SetDiamondAvailability(r.Context(), id, req.Availability)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "diamond not found")
		return
	}
	writeAPIResponse(w, map[string]interface{}{"id": id, "availability": req.Availability}, nil, nil)
}
