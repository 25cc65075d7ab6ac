package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/taskbroker/internal/config"
	"github.com/me/taskbroker/internal/cost"
	"github.com/me/taskbroker/internal/provider"
	"github.com/me/taskbroker/internal/scheduler"
	"github.com/me/taskbroker/internal/server"
	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/internal/telemetry"
	"github.com/me/taskbroker/pkg/model"
)

// startTestServer starts a server over an in-memory SQLite store and returns
// its URL and supervisor.
func startTestServer(t *testing.T) (string, *scheduler.Supervisor) {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sup := scheduler.New(st, scheduler.DefaultConfig(), srvLogger)
	reg := provider.NewRegistry(provider.DefaultHealthPolicy(), []model.TaskType{model.TaskPrivacySensitive}, srvLogger)
	reg.Register(model.ProviderSpec{
		Name:      "local-llm",
		Kind:      model.ProviderKindCommand,
		Command:   "cat",
		TaskTypes: []model.TaskType{model.TaskSimpleQuery},
		Locality:  model.LocalityLocal,
		CostTier:  model.CostTierFree,
		Source:    "config",
	})
	tracker := cost.NewTracker(st, cost.Config{WarningPct: 80}, telemetry.Nop{}, srvLogger)

	srv := server.New(config.DefaultServerConfig(), sup, srvLogger,
		server.WithProviders(reg), server.WithBudget(tracker))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, sup
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// submitItem submits through the CLI and returns the new item ID.
func submitItem(t *testing.T, url string, extra ...string) string {
	t.Helper()
	args := append([]string{"--server", url, "submit", "--owner", "alice"}, extra...)
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(line, "Item submitted: "); ok {
			return strings.TrimSpace(id)
		}
	}
	t.Fatalf("no item id in output: %s", out)
	return ""
}

func TestSubmitCommand(t *testing.T) {
	url, sup := startTestServer(t)
	id := submitItem(t, url, "--payload", `{"prompt":"hello"}`, "--band", "P3")

	item, err := sup.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Band != model.BandBulk || item.Queue() != model.QueueBackground {
		t.Errorf("band = %s, queue = %s", item.Band, item.Queue())
	}
	if string(item.Payload) != `{"prompt":"hello"}` {
		t.Errorf("payload = %s", item.Payload)
	}
}

func TestSubmitCommand_PayloadFile(t *testing.T) {
	url, sup := startTestServer(t)
	path := filepath.Join(t.TempDir(), "payload.yaml")
	os.WriteFile(path, []byte("prompt: summarize this\nmax_tokens: 64\n"), 0o644)

	id := submitItem(t, url, "-f", path)
	item, _ := sup.Get(context.Background(), id)
	if !strings.Contains(string(item.Payload), `"max_tokens":64`) {
		t.Errorf("payload = %s", item.Payload)
	}
}

func TestSubmitCommand_Invalid(t *testing.T) {
	url, _ := startTestServer(t)
	_, err := runCLI(t, "--server", url, "submit", "--owner", "a", "--task-type", "poetry")
	if err == nil || !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name   string
		inline string
		want   string
	}{
		{"empty", "", ""},
		{"json object", `{"a":1}`, `{"a":1}`},
		{"plain text", "what is 2+2?", `"what is 2+2?"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPayload(tt.inline, "")
			if err != nil {
				t.Fatalf("buildPayload: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusCommand(t *testing.T) {
	url, _ := startTestServer(t)
	id := submitItem(t, url, "--payload", "hi")

	out, err := runCLI(t, "--server", url, "status", id, "--attempts")
	if err != nil {
		t.Fatalf("status error: %v\noutput: %s", err, out)
	}
	for _, want := range []string{id, "QUEUED", "alice", "No attempts yet."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := runCLI(t, "--server", url, "status", "wi_missing"); err == nil {
		t.Error("expected error for missing item")
	}
}

func TestListCommand(t *testing.T) {
	url, _ := startTestServer(t)

	out, err := runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, "No work items found.") {
		t.Errorf("empty list output = %q", out)
	}

	id := submitItem(t, url)
	out, err = runCLI(t, "--server", url, "list", "--queue", "interactive")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Errorf("output missing %s:\n%s", id, out)
	}
}

func TestCancelCommand(t *testing.T) {
	url, _ := startTestServer(t)
	id := submitItem(t, url)

	out, err := runCLI(t, "--server", url, "cancel", id)
	if err != nil {
		t.Fatalf("cancel error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "CANCELLED") {
		t.Errorf("output = %q", out)
	}
}

func TestWaitCommand(t *testing.T) {
	url, sup := startTestServer(t)
	id := submitItem(t, url)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		item, err := sup.Claim(ctx, model.QueueInteractive, "w1")
		if err != nil || item == nil {
			return
		}
		item, _ = sup.Begin(ctx, item)
		sup.Succeed(ctx, item, scheduler.Report{Provider: "local-llm", Output: []byte("four")})
	}()

	out, err := runCLI(t, "--server", url, "wait", id, "--timeout", "5s")
	if err != nil {
		t.Fatalf("wait error: %v\noutput: %s", err, out)
	}
	for _, want := range []string{"Result: succeeded", "local-llm", "four"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDeadLettersCommand(t *testing.T) {
	url, sup := startTestServer(t)
	id := submitItem(t, url)
	ctx := context.Background()

	item, _ := sup.Claim(ctx, model.QueueInteractive, "w1")
	item, _ = sup.Begin(ctx, item)
	if _, err := sup.DeadLetter(ctx, item, model.FailureExhausted, scheduler.Report{Err: model.ErrAllCandidatesExhausted}); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	out, err := runCLI(t, "--server", url, "dead-letters")
	if err != nil {
		t.Fatalf("dead-letters error: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "attempts_exhausted") {
		t.Errorf("output = %s", out)
	}

	out, err = runCLI(t, "--server", url, "dlq", "replay", id)
	if err != nil {
		t.Fatalf("replay error: %v\noutput: %s", err, out)
	}
	got, _ := sup.Get(ctx, id)
	if got.State != model.WorkStateQueued {
		t.Errorf("state after replay = %s", got.State)
	}
}

func TestProvidersAndBudgetCommands(t *testing.T) {
	url, _ := startTestServer(t)

	out, err := runCLI(t, "--server", url, "providers")
	if err != nil {
		t.Fatalf("providers error: %v", err)
	}
	if !strings.Contains(out, "local-llm") || !strings.Contains(out, "HEALTHY") {
		t.Errorf("providers output = %s", out)
	}

	out, err = runCLI(t, "--server", url, "budget", "--owner", "alice")
	if err != nil {
		t.Fatalf("budget error: %v", err)
	}
	if !strings.Contains(out, "Budget level: ok") || !strings.Contains(out, "owner:alice") {
		t.Errorf("budget output = %s", out)
	}
}
