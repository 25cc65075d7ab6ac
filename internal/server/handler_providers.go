package server

import (
	"net/http"

	"github.com/me/taskbroker/pkg/model"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.providers == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "provider registry not configured"})
		return
	}
	providers := s.providers.List()
	respondList(w, reqID, providers, &model.Pagination{Total: len(providers), Limit: len(providers)})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.budget == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "cost tracking not configured"})
		return
	}
	respondOK(w, reqID, s.budget.Summary(r.URL.Query().Get("owner")))
}
