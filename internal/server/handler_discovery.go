package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "taskbroker API",
		Version:     "v1",
		Description: "Priority queues, provider routing and cost control for inference work items",
		Endpoints: []endpointInfo{
			{"/api/v1/items", []string{"GET", "POST"}, "Submit work items; list with state, owner and queue filters"},
			{"/api/v1/items/{id}", []string{"GET", "DELETE"}, "Work item detail; DELETE cancels"},
			{"/api/v1/items/{id}/result", []string{"GET"}, "Final result. ?wait=5s blocks until the item is terminal"},
			{"/api/v1/items/{id}/attempts", []string{"GET"}, "Attempt history"},
			{"/api/v1/items/{id}/events", []string{"GET"}, "Server-Sent Events stream of state changes"},
			{"/api/v1/dead-letters", []string{"GET"}, "Dead-lettered items with attempt history"},
			{"/api/v1/dead-letters/{id}/replay", []string{"POST"}, "Requeue a dead-lettered item with a fresh attempt budget"},
			{"/api/v1/providers", []string{"GET"}, "Provider catalog and live health"},
			{"/api/v1/budget", []string{"GET"}, "Spend, limits and budget level. ?owner= adds the owner scope"},
			{"/api/v1/health", []string{"GET"}, "Queue depths, worker counts and uptime"},
		},
	})
}
