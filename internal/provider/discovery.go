package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/me/taskbroker/internal/config"
	"github.com/me/taskbroker/pkg/model"
)

// Provider sources managed by the Discoverer.
const (
	SourceFile   = "file"
	SourceOllama = "ollama"
)

// DiscoveryConfig holds discoverer configuration.
type DiscoveryConfig struct {
	Interval      time.Duration
	ProvidersFile string // reloaded every tick when set
	OllamaURL     string // base URL of an Ollama-compatible server
}

// Discoverer keeps the registry in sync with the providers file and with the
// models served by a local Ollama-compatible endpoint.
type Discoverer struct {
	registry *Registry
	config   DiscoveryConfig
	client   *http.Client
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDiscoverer creates a new discovery loop.
func NewDiscoverer(reg *Registry, cfg DiscoveryConfig, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		registry: reg,
		config:   cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "discovery"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop. Blocks until ctx is cancelled or Stop is called.
func (d *Discoverer) Start(ctx context.Context) error {
	d.logger.Info("discovery started", "interval", d.config.Interval)
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(d.doneCh)
			return ctx.Err()
		case <-d.stopCh:
			close(d.doneCh)
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("discovery tick error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for the current tick to finish.
func (d *Discoverer) Stop() error {
	close(d.stopCh)
	<-d.doneCh
	return nil
}

// Tick runs a single refresh. A failing source keeps its previous providers.
func (d *Discoverer) Tick(ctx context.Context) error {
	var errs []string
	if d.config.ProvidersFile != "" {
		specs, err := config.LoadProviders(d.config.ProvidersFile)
		if err == nil {
			_, _, err = d.registry.Sync(SourceFile, specs)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if d.config.OllamaURL != "" {
		specs, err := d.listOllama(ctx)
		if err == nil {
			_, _, err = d.registry.Sync(SourceOllama, specs)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ollamaTags is the response of GET /api/tags.
type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ollamaPriority keeps discovered models behind configured providers.
const ollamaPriority = 100

func (d *Discoverer) listOllama(ctx context.Context) ([]model.ProviderSpec, error) {
	base := strings.TrimRight(d.config.OllamaURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list ollama models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list ollama models: HTTP %d", resp.StatusCode)
	}
	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}

	specs := make([]model.ProviderSpec, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == "" {
			continue
		}
		specs = append(specs, ollamaSpec(base, m.Name))
	}
	return specs, nil
}

// ollamaSpec describes one locally served model as a free local provider.
// Embedding models only take embedding work; others take everything else.
func ollamaSpec(base, name string) model.ProviderSpec {
	spec := model.ProviderSpec{
		Name:     "ollama/" + name,
		Kind:     model.ProviderKindHTTP,
		Locality: model.LocalityLocal,
		CostTier: model.CostTierFree,
		Priority: ollamaPriority,
		Model:    name,
		Source:   SourceOllama,
	}
	if strings.Contains(strings.ToLower(name), "embed") {
		spec.Endpoint = base + "/api/embed"
		spec.TaskTypes = []model.TaskType{model.TaskEmbedding}
		return spec
	}
	spec.Endpoint = base + "/api/generate"
	for _, tt := range model.KnownTaskTypes {
		if tt != model.TaskEmbedding {
			spec.TaskTypes = append(spec.TaskTypes, tt)
		}
	}
	return spec
}
