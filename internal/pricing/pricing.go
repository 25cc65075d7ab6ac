// Package pricing computes the cost of a successful provider invocation.
// Providers either charge a flat cost_per_call or declare a JavaScript
// formula (evaluated with goja) over the invocation's usage figures.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/me/taskbroker/pkg/model"
)

// Usage holds the figures a formula can refer to.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	PayloadBytes     int
	ResultBytes      int
	Latency          time.Duration
}

// EvalTimeout bounds one formula evaluation.
const EvalTimeout = 100 * time.Millisecond

// ErrEvalTimeout is returned when a formula runs past its time limit.
var ErrEvalTimeout = errors.New("pricing formula timed out")

// Formula is a compiled pricing expression. It is safe for concurrent use;
// every evaluation gets its own runtime.
type Formula struct {
	src     string
	prog    *goja.Program
	timeout time.Duration
}

// Compile parses a pricing formula. Two forms are accepted:
//   - an expression: prompt_tokens * 0.000003 + completion_tokens * 0.000015
//   - a code block:  ${ if (prompt_tokens > 1000) return 0.01; return 0.002; }
func Compile(src string) (*Formula, error) {
	code := strings.TrimSpace(src)
	if code == "" {
		return nil, fmt.Errorf("empty pricing formula")
	}
	if strings.HasPrefix(code, "${") && strings.HasSuffix(code, "}") {
		body := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(code, "${"), "}"))
		code = fmt.Sprintf("(function() { %s })()", body)
	} else {
		code = "(" + code + ")"
	}
	prog, err := goja.Compile("pricing", code, true)
	if err != nil {
		return nil, fmt.Errorf("compile pricing %q: %w", src, err)
	}
	return &Formula{src: src, prog: prog, timeout: EvalTimeout}, nil
}

// Evaluate runs the formula against u. The result must be a finite,
// non-negative number.
func (f *Formula) Evaluate(u Usage) (float64, error) {
	vm := goja.New()
	vars := map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"payload_bytes":     u.PayloadBytes,
		"result_bytes":      u.ResultBytes,
		"latency_ms":        u.Latency.Milliseconds(),
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return 0, fmt.Errorf("set %s: %w", k, err)
		}
	}
	timer := time.AfterFunc(f.timeout, func() { vm.Interrupt(ErrEvalTimeout) })
	val, err := vm.RunProgram(f.prog)
	timer.Stop()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return 0, fmt.Errorf("pricing %q: %w", f.src, ErrEvalTimeout)
		}
		return 0, fmt.Errorf("JavaScript error: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return 0, fmt.Errorf("pricing %q returned no value", f.src)
	}
	cost := val.ToFloat()
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0, fmt.Errorf("pricing %q returned invalid cost %v", f.src, val.Export())
	}
	return cost, nil
}

// Pricer caches compiled formulas by source text.
type Pricer struct {
	mu       sync.Mutex
	formulas map[string]*Formula
}

// NewPricer returns an empty Pricer.
func NewPricer() *Pricer {
	return &Pricer{formulas: make(map[string]*Formula)}
}

func (p *Pricer) formula(src string) (*Formula, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.formulas[src]; ok {
		return f, nil
	}
	f, err := Compile(src)
	if err != nil {
		return nil, err
	}
	p.formulas[src] = f
	return f, nil
}

// Check compiles the formula of every spec so errors surface at startup.
func (p *Pricer) Check(specs []model.ProviderSpec) error {
	for _, s := range specs {
		if s.Pricing == "" {
			continue
		}
		if _, err := p.formula(s.Pricing); err != nil {
			return fmt.Errorf("provider %s: %w", s.Name, err)
		}
	}
	return nil
}

// Cost prices one successful invocation of the provider described by spec.
// Free-tier providers always cost 0.
func (p *Pricer) Cost(spec model.ProviderSpec, u Usage) (float64, error) {
	if spec.CostTier == model.CostTierFree {
		return 0, nil
	}
	if spec.Pricing == "" {
		return spec.CostPerCall, nil
	}
	f, err := p.formula(spec.Pricing)
	if err != nil {
		return 0, err
	}
	return f.Evaluate(u)
}
