package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"gemdesk/internal/repository"
)

type apiEnvelope struct {
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Error interface{}            `json:"error,omitempty"`
}

func writeAPIResponse(w http.ResponseWriter, data interface{}, meta map[string]interface{}, _ map[string]string) {
	json.NewEncoder(w).Encode(apiEnvelope{Meta: meta, Data: data})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{"code": code, "message": message},
	})
}

// writeStoreError maps repository errors onto HTTP statuses. Validation
// failures from the query builder come back as 400s with their code.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *repository.ValidationError
	if errors.As(err, &verr) {
		writeAPIError(w, http.StatusBadRequest, verr.Code, verr.Message)
		return
	}
	if errors.Is(err, repository.ErrReapplyConflict) {
		writeAPIError(w, http.StatusConflict, "reapply_conflict", err.Error())
		return
	}
	writeAPIError(w, http.StatusInternalServerError, "internal", err.Error())
}

// writeQueueUnavailable is the degraded-mode answer when the message bus is
// not configured: the request is refused with the shell command an operator
// can run instead.
func writeQueueUnavailable(w http.ResponseWriter, manualCommand string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{
			"code":           "queue_unavailable",
			"message":        "message queue is not configured",
			"manual_command": manualCommand,
		},
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseLimitOffset(r *http.Request) (int, int) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseFloatQuery(r *http.Request, key string) *float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
