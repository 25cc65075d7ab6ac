package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

func TestDiscoverer_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"nomic-embed-text"}]}`))
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Now()}
	r := testRegistry(t, clock)
	d := NewDiscoverer(r, DiscoveryConfig{Interval: time.Minute, OllamaURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	chat, ok := r.Get("ollama/llama3:8b")
	if !ok || chat.Locality != model.LocalityLocal || chat.CostTier != model.CostTierFree || chat.Source != SourceOllama {
		t.Fatalf("chat model = %+v", chat)
	}
	if !chat.Supports(model.TaskPrivacySensitive) || chat.Supports(model.TaskEmbedding) {
		t.Errorf("chat task types = %v", chat.TaskTypes)
	}
	embed, ok := r.Get("ollama/nomic-embed-text")
	if !ok || !embed.Supports(model.TaskEmbedding) || len(embed.TaskTypes) != 1 {
		t.Errorf("embed model = %+v", embed)
	}
}

func TestDiscoverer_ProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write providers: %v", err)
		}
	}
	write(`providers:
  - name: a
    kind: command
    command: cat
    task_types: [simple_query]
    locality: local
    cost_tier: free
  - name: b
    kind: http
    endpoint: http://b.example
    task_types: [simple_query]
    locality: networked
    cost_tier: low
`)

	clock := &fakeClock{t: time.Now()}
	r := testRegistry(t, clock)
	d := NewDiscoverer(r, DiscoveryConfig{Interval: time.Minute, ProvidersFile: path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(r.List()) != 2 {
		t.Fatalf("providers = %v", r.List())
	}

	write(`providers:
  - name: b
    kind: http
    endpoint: http://b.example
    task_types: [simple_query]
    locality: networked
    cost_tier: low
`)
	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Error("provider a should have been removed")
	}

	write("providers: [")
	if err := d.Tick(context.Background()); err == nil {
		t.Error("broken file should report an error")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("a broken file must keep the previous providers")
	}
}
