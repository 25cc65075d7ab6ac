package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

type queueHealth struct {
	Depth    int                     `json:"depth"`
	InFlight int                     `json:"in_flight"`
	Workers  int                     `json:"workers"`
	Counts   map[model.WorkState]int `json:"counts"`
}

type healthResponse struct {
	Status       string                          `json:"status"`
	Version      string                          `json:"version"`
	GoVersion    string                          `json:"go_version"`
	Uptime       string                          `json:"uptime"`
	QueueEnabled bool                            `json:"queue_enabled"`
	Store        string                          `json:"store"`
	Queues       map[model.QueueName]queueHealth `json:"queues"`
	Providers    map[model.Health]int            `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:       "healthy",
		Version:      "0.1.0",
		GoVersion:    runtime.Version(),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		QueueEnabled: s.config.QueueEnabled,
		Store:        s.config.DBDriver,
		Queues:       make(map[model.QueueName]queueHealth),
		Providers:    make(map[model.Health]int),
	}

	stats, err := s.supervisor.Stats(r.Context())
	if err != nil {
		s.logger.Error("health stats", "error", err)
		resp.Status = "degraded"
	}
	var workers map[model.QueueName]int
	if s.workers != nil {
		workers = s.workers()
	}
	for _, qs := range stats {
		resp.Queues[qs.Queue] = queueHealth{
			Depth:    qs.Counts[model.WorkStateQueued],
			InFlight: qs.Counts[model.WorkStateClaimed] + qs.Counts[model.WorkStateProcessing],
			Workers:  workers[qs.Queue],
			Counts:   qs.Counts,
		}
	}

	if s.providers != nil {
		for _, p := range s.providers.List() {
			resp.Providers[p.Health]++
		}
	}
	respondOK(w, reqID, resp)
}
