package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/taskbroker/internal/config"
	"github.com/me/taskbroker/internal/cost"
	"github.com/me/taskbroker/internal/scheduler"
	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/pkg/model"
)

type staticProviders []model.Provider

func (p staticProviders) List() []model.Provider { return p }

type fixedBudget struct{ sum cost.Summary }

func (b fixedBudget) Summary(ownerID string) cost.Summary {
	s := b.sum
	s.Status.OwnerID = ownerID
	return s
}

func testServer(t *testing.T, opts ...Option) (*Server, *scheduler.Supervisor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	sup := scheduler.New(store.NewMemoryStore(logger), scheduler.DefaultConfig(), logger)
	srv := New(config.DefaultServerConfig(), sup, logger, opts...)
	srv.sseInterval = 10 * time.Millisecond
	return srv, sup
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func submitItem(t *testing.T, srv *Server, band string) string {
	t.Helper()
	body := `{"task_type":"simple_query","payload":{"prompt":"hi"},"owner_id":"alice","priority_band":"` + band + `"}`
	env := do(t, srv, "POST", "/api/v1/items/", body, http.StatusCreated)
	var data model.SubmitResponse
	json.Unmarshal(env.Data, &data)
	return data.ID
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" || env.RequestID == "" {
		t.Errorf("envelope = %+v", env)
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Endpoints) < 8 {
		t.Errorf("endpoints count = %d, want >= 8", len(data.Endpoints))
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest("GET", "/api/v1/", nil)
	req.Header.Set("X-Request-ID", "req_from_gateway")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req_from_gateway" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestSubmitItem(t *testing.T) {
	srv, sup := testServer(t)
	body := `{"task_type":"summarization","payload":"some text","owner_id":"bob","priority_band":"P3","max_attempts":5}`
	env := do(t, srv, "POST", "/api/v1/items/", body, http.StatusCreated)

	var data model.SubmitResponse
	json.Unmarshal(env.Data, &data)
	if !strings.HasPrefix(data.ID, "wi_") || data.State != model.WorkStateQueued || data.Queue != model.QueueBackground {
		t.Errorf("response = %+v", data)
	}
	item, err := sup.Get(context.Background(), data.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(item.Payload) != `"some text"` || item.MaxAttempts != 5 || item.OwnerID != "bob" {
		t.Errorf("stored item = %+v", item)
	}
}

func TestSubmitItem_Invalid(t *testing.T) {
	srv, _ := testServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad json", "not json"},
		{"unknown task type", `{"task_type":"poetry","owner_id":"a","priority_band":"P0"}`},
		{"missing owner", `{"task_type":"simple_query","priority_band":"P0"}`},
		{"bad band", `{"task_type":"simple_query","owner_id":"a","priority_band":"P9"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, srv, "POST", "/api/v1/items/", tt.body, http.StatusBadRequest)
			if env.Status != "error" || env.Error == nil || env.Error.Code != model.ErrValidation {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

func TestSubmitItem_Closed(t *testing.T) {
	srv, sup := testServer(t)
	sup.Close()
	body := `{"task_type":"simple_query","owner_id":"a","priority_band":"P0"}`
	env := do(t, srv, "POST", "/api/v1/items/", body, http.StatusServiceUnavailable)
	if env.Error.Code != model.ErrUnavailable {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestListAndGetItems(t *testing.T) {
	srv, _ := testServer(t)
	id := submitItem(t, srv, "P0")
	submitItem(t, srv, "P2")
	submitItem(t, srv, "P3")

	env := do(t, srv, "GET", "/api/v1/items/?queue=background&limit=1", "", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 2 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = do(t, srv, "GET", "/api/v1/items/"+id, "", http.StatusOK)
	var item model.WorkItem
	json.Unmarshal(env.Data, &item)
	if item.ID != id || item.Band != model.BandInteractive {
		t.Errorf("item = %+v", item)
	}

	do(t, srv, "GET", "/api/v1/items/wi_nope", "", http.StatusNotFound)
	do(t, srv, "GET", "/api/v1/items/?state=BOGUS", "", http.StatusBadRequest)
	do(t, srv, "GET", "/api/v1/items/?limit=x", "", http.StatusBadRequest)
}

func TestCancelItem(t *testing.T) {
	srv, sup := testServer(t)
	ctx := context.Background()

	queued := submitItem(t, srv, "P0")
	env := do(t, srv, "DELETE", "/api/v1/items/"+queued, "", http.StatusOK)
	var item model.WorkItem
	json.Unmarshal(env.Data, &item)
	if item.State != model.WorkStateCancelled {
		t.Errorf("state = %s, want CANCELLED", item.State)
	}
	do(t, srv, "DELETE", "/api/v1/items/"+queued, "", http.StatusConflict)

	claimedID := submitItem(t, srv, "P0")
	if _, err := sup.Claim(ctx, model.QueueInteractive, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	env = do(t, srv, "DELETE", "/api/v1/items/"+claimedID, "", http.StatusAccepted)
	json.Unmarshal(env.Data, &item)
	if !item.CancelRequested {
		t.Error("cancel_requested not set on claimed item")
	}
	do(t, srv, "DELETE", "/api/v1/items/wi_nope", "", http.StatusNotFound)
}

func TestGetResult(t *testing.T) {
	srv, sup := testServer(t)
	ctx := context.Background()
	id := submitItem(t, srv, "P1")

	env := do(t, srv, "GET", "/api/v1/items/"+id+"/result", "", http.StatusAccepted)
	var pending pendingResult
	json.Unmarshal(env.Data, &pending)
	if pending.State != model.WorkStateQueued {
		t.Errorf("pending = %+v", pending)
	}
	do(t, srv, "GET", "/api/v1/items/"+id+"/result?wait=bogus", "", http.StatusBadRequest)

	go func() {
		time.Sleep(20 * time.Millisecond)
		item, _ := sup.Claim(ctx, model.QueueInteractive, "w1")
		item, _ = sup.Begin(ctx, item)
		sup.Succeed(ctx, item, scheduler.Report{Provider: "p1", Output: []byte(`{"text":"ok"}`)})
	}()

	env = do(t, srv, "GET", "/api/v1/items/"+id+"/result?wait=3s", "", http.StatusOK)
	var res model.Result
	json.Unmarshal(env.Data, &res)
	if res.Status != model.ResultSucceeded || res.Provider != "p1" || string(res.Output) != `{"text":"ok"}` {
		t.Errorf("result = %+v", res)
	}
}

func TestDeadLettersAndReplay(t *testing.T) {
	srv, sup := testServer(t)
	ctx := context.Background()
	id := submitItem(t, srv, "P0")

	item, _ := sup.Claim(ctx, model.QueueInteractive, "w1")
	item, _ = sup.Begin(ctx, item)
	if _, err := sup.DeadLetter(ctx, item, model.FailureExhausted, scheduler.Report{Providers: []string{"a", "b"}}); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	env := do(t, srv, "GET", "/api/v1/dead-letters/", "", http.StatusOK)
	var letters []model.DeadLetter
	json.Unmarshal(env.Data, &letters)
	if len(letters) != 1 || letters[0].Item.ID != id || len(letters[0].Attempts) != 1 {
		t.Fatalf("dead letters = %+v", letters)
	}

	env = do(t, srv, "GET", "/api/v1/items/"+id+"/attempts", "", http.StatusOK)
	var attempts []model.Attempt
	json.Unmarshal(env.Data, &attempts)
	if len(attempts) != 1 || len(attempts[0].Providers) != 2 {
		t.Errorf("attempts = %+v", attempts)
	}

	env = do(t, srv, "POST", "/api/v1/dead-letters/"+id+"/replay", "", http.StatusOK)
	var replayed model.WorkItem
	json.Unmarshal(env.Data, &replayed)
	if replayed.State != model.WorkStateQueued || replayed.AttemptCount != 0 {
		t.Errorf("replayed = %+v", replayed)
	}
	do(t, srv, "POST", "/api/v1/dead-letters/"+id+"/replay", "", http.StatusConflict)
}

func TestProvidersAndBudget(t *testing.T) {
	providers := staticProviders{
		{Name: "local-llm", Health: model.HealthHealthy, Locality: model.LocalityLocal},
		{Name: "cloud", Health: model.HealthDegraded, Locality: model.LocalityNetworked},
	}
	budget := fixedBudget{sum: cost.Summary{Status: model.BudgetStatus{Level: model.BudgetWarning}}}
	srv, _ := testServer(t, WithProviders(providers), WithBudget(budget))

	env := do(t, srv, "GET", "/api/v1/providers", "", http.StatusOK)
	var got []model.Provider
	json.Unmarshal(env.Data, &got)
	if len(got) != 2 || got[1].Health != model.HealthDegraded {
		t.Errorf("providers = %+v", got)
	}

	env = do(t, srv, "GET", "/api/v1/budget?owner=alice", "", http.StatusOK)
	var sum cost.Summary
	json.Unmarshal(env.Data, &sum)
	if sum.Status.Level != model.BudgetWarning || sum.Status.OwnerID != "alice" {
		t.Errorf("budget = %+v", sum)
	}

	bare, _ := testServer(t)
	do(t, bare, "GET", "/api/v1/providers", "", http.StatusServiceUnavailable)
	do(t, bare, "GET", "/api/v1/budget", "", http.StatusServiceUnavailable)
}

func TestHealth(t *testing.T) {
	workers := func() map[model.QueueName]int {
		return map[model.QueueName]int{model.QueueInteractive: 4, model.QueueBackground: 2}
	}
	srv, _ := testServer(t, WithWorkers(workers), WithProviders(staticProviders{{Name: "a", Health: model.HealthHealthy}}))
	submitItem(t, srv, "P0")
	submitItem(t, srv, "P0")

	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != "0.1.0" {
		t.Errorf("health = %+v", data)
	}
	q := data.Queues[model.QueueInteractive]
	if q.Depth != 2 || q.Workers != 4 || data.Queues[model.QueueBackground].Workers != 2 {
		t.Errorf("queues = %+v", data.Queues)
	}
	if data.Providers[model.HealthHealthy] != 1 {
		t.Errorf("providers = %+v", data.Providers)
	}
}

func TestSSEItem(t *testing.T) {
	srv, sup := testServer(t)
	ctx := context.Background()
	id := submitItem(t, srv, "P0")

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/items/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		sup.Cancel(ctx, id)
	}()

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) < 2 || events[0] != "init" || events[len(events)-1] != "complete" {
		t.Errorf("events = %v", events)
	}
}
