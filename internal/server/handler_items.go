package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/taskbroker/pkg/model"
)

func (s *Server) handleSubmitItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	item, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, model.SubmitResponse{ID: item.ID, State: item.State, Queue: item.Queue()})
}

// listOptions reads pagination and filters from the query string.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	q := r.URL.Query()
	opts := model.DefaultListOptions()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid limit", model.FieldError{Field: "limit", Message: "must be an integer"})
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid offset", model.FieldError{Field: "offset", Message: "must be an integer"})
		}
		opts.Offset = n
	}
	if v := q.Get("state"); v != "" {
		st := model.WorkState(v)
		if _, known := model.ValidWorkTransitions[st]; !known && !st.IsTerminal() {
			return opts, model.NewValidationError("invalid state", model.FieldError{Field: "state", Message: "unknown state " + v})
		}
		opts.State = st
	}
	if v := q.Get("queue"); v != "" {
		qn := model.QueueName(v)
		if qn != model.QueueInteractive && qn != model.QueueBackground {
			return opts, model.NewValidationError("invalid queue", model.FieldError{Field: "queue", Message: "must be interactive or background"})
		}
		opts.Queue = qn
	}
	opts.OwnerID = q.Get("owner")
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	items, total, err := s.supervisor.List(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, items, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(items) < total,
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	item, err := s.supervisor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, item)
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	item, err := s.supervisor.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if item.State == model.WorkStateCancelled {
		respondOK(w, reqID, item)
		return
	}
	// Claimed items stop at the worker's next checkpoint.
	respondAccepted(w, reqID, item)
}

// pendingResult is returned by the result endpoint while the item is still in flight.
type pendingResult struct {
	ItemID string          `json:"item_id"`
	State  model.WorkState `json:"state"`
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid wait", model.FieldError{Field: "wait", Message: "must be a duration such as 5s"}))
			return
		}
		wait = min(d, s.maxWait)
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		res, err := s.supervisor.Wait(ctx, id)
		if err == nil {
			respondOK(w, reqID, res)
			return
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			respondErr(w, reqID, err)
			return
		}
	}

	item, err := s.supervisor.Get(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if res, ok := model.ResultFor(item); ok {
		respondOK(w, reqID, res)
		return
	}
	respondAccepted(w, reqID, pendingResult{ItemID: item.ID, State: item.State})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := s.supervisor.Get(r.Context(), id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	attempts, err := s.supervisor.Attempts(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	respondOK(w, reqID, attempts)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	letters, total, err := s.supervisor.DeadLetters(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, letters, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(letters) < total,
	})
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	item, err := s.supervisor.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, item)
}
