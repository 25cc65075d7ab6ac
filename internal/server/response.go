package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskbroker/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondAccepted writes a 202 response: the request is fine but the work is not done.
func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondErr maps a domain error onto a status code and envelope.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	var ite *model.InvalidTransitionError
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case model.ErrValidation:
			status = http.StatusBadRequest
		case model.ErrNotFound:
			status = http.StatusNotFound
		case model.ErrConflict:
			status = http.StatusConflict
		case model.ErrUnavailable:
			status = http.StatusServiceUnavailable
		}
		respondError(w, reqID, status, apiErr)
	case errors.Is(err, model.ErrItemNotFound):
		respondError(w, reqID, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()})
	case errors.As(err, &ite):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()})
	case errors.Is(err, model.ErrQueueClosed):
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{Code: model.ErrUnavailable, Message: err.Error()})
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		respondError(w, reqID, http.StatusRequestTimeout, &model.APIError{Code: model.ErrUnavailable, Message: err.Error()})
	default:
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()})
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
