package model

import "time"

// Health is the live health of a provider, updated from call outcomes.
type Health string

const (
	HealthHealthy     Health = "HEALTHY"
	HealthDegraded    Health = "DEGRADED"
	HealthUnavailable Health = "UNAVAILABLE"
)

// Rank orders health values for candidate sorting; lower is better.
func (h Health) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	}
	return 2
}

// Locality says whether a provider runs on this host or across the network.
type Locality string

const (
	LocalityLocal     Locality = "local"
	LocalityNetworked Locality = "networked"
)

// CostTier is a coarse price class used to break ties under budget pressure.
type CostTier string

const (
	CostTierFree     CostTier = "free"
	CostTierLow      CostTier = "low"
	CostTierStandard CostTier = "standard"
	CostTierPremium  CostTier = "premium"
)

// Rank orders cost tiers ascending.
func (c CostTier) Rank() int {
	switch c {
	case CostTierFree:
		return 0
	case CostTierLow:
		return 1
	case CostTierStandard:
		return 2
	case CostTierPremium:
		return 3
	}
	return 4
}

// Provider is the catalog entry of a computation provider plus its live health.
type Provider struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	TaskTypes []TaskType `json:"task_types"`
	Locality  Locality   `json:"locality"`
	CostTier  CostTier   `json:"cost_tier"`
	Priority  int        `json:"priority"`
	Timeout   Duration   `json:"timeout"`
	Source    string     `json:"source"`

	Health               Health     `json:"health"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	UnavailableUntil     *time.Time `json:"unavailable_until,omitempty"`
	ThrottledUntil       *time.Time `json:"throttled_until,omitempty"`
}

// Supports reports whether the provider declares affinity for the task type.
func (p *Provider) Supports(t TaskType) bool {
	for _, tt := range p.TaskTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// FreeOrLocal reports whether using the provider costs nothing against budgets.
func (p *Provider) FreeOrLocal() bool {
	return p.CostTier == CostTierFree || p.Locality == LocalityLocal
}

// Provider kinds understood by the registry.
const (
	ProviderKindHTTP    = "http"
	ProviderKindCommand = "command"
)

// ProviderSpec is the static (config file) or discovered description of a provider.
type ProviderSpec struct {
	Name      string     `yaml:"name" json:"name"`
	Kind      string     `yaml:"kind" json:"kind"`
	TaskTypes []TaskType `yaml:"task_types" json:"task_types"`
	Locality  Locality   `yaml:"locality" json:"locality"`
	CostTier  CostTier   `yaml:"cost_tier" json:"cost_tier"`
	Priority  int        `yaml:"priority" json:"priority"`
	Timeout   Duration   `yaml:"timeout" json:"timeout"`

	// http
	Endpoint  string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Model is added to JSON object payloads that do not name one.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// command
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// CostPerCall is charged per successful invocation unless Pricing is set.
	CostPerCall float64 `yaml:"cost_per_call,omitempty" json:"cost_per_call,omitempty"`
	// Pricing is a formula over usage variables, e.g. "prompt_tokens * 0.000002".
	Pricing string `yaml:"pricing,omitempty" json:"pricing,omitempty"`

	Source string `yaml:"-" json:"source,omitempty"`
}

// Validate checks a provider spec and returns field-level problems.
func (s *ProviderSpec) Validate() []FieldError {
	var errs []FieldError
	if s.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "required"})
	}
	switch s.Kind {
	case ProviderKindHTTP:
		if s.Endpoint == "" {
			errs = append(errs, FieldError{Field: "endpoint", Message: "required for http providers"})
		}
	case ProviderKindCommand:
		if s.Command == "" {
			errs = append(errs, FieldError{Field: "command", Message: "required for command providers"})
		}
	default:
		errs = append(errs, FieldError{Field: "kind", Message: "must be http or command"})
	}
	if len(s.TaskTypes) == 0 {
		errs = append(errs, FieldError{Field: "task_types", Message: "at least one task type required"})
	}
	for _, tt := range s.TaskTypes {
		if !tt.Valid() {
			errs = append(errs, FieldError{Field: "task_types", Message: "unknown task type " + string(tt)})
		}
	}
	if s.Locality != LocalityLocal && s.Locality != LocalityNetworked {
		errs = append(errs, FieldError{Field: "locality", Message: "must be local or networked"})
	}
	if s.CostTier.Rank() > CostTierPremium.Rank() {
		errs = append(errs, FieldError{Field: "cost_tier", Message: "must be free, low, standard or premium"})
	}
	if s.Timeout < 0 {
		errs = append(errs, FieldError{Field: "timeout", Message: "must not be negative"})
	}
	return errs
}
