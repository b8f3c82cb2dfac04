// Package tools is the agent-facing tool surface. Every tool returns plain
// text: failures are reported with an "Error:" prefix or a "FAIL" marker so
// the model can read them, never as Go errors.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/metrics"
)

// Param describes one named tool argument.
type Param struct {
	Name        string
	Type        string // string, integer, boolean
	Description string
	Required    bool
	Default     any
}

// Args are the decoded arguments of one call.
type Args map[string]any

// String returns the named argument as a trimmed string, or def when absent.
func (a Args) String(name, def string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Int accepts JSON numbers and numeric strings.
func (a Args) Int(name string, def int) int {
	switch v := a[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (a Args) Bool(name string, def bool) bool {
	switch v := a[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	case float64:
		return v != 0
	}
	return def
}

// Tool is a named function the agents can call.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Run         func(ctx context.Context, args Args) string
}

// Outcome classifies a tool result for metrics: error, fail or ok. Only
// the first line counts, so a report that recovered from a failed attempt
// is still ok.
func Outcome(out string) string {
	first, _, _ := strings.Cut(out, "\n")
	switch {
	case strings.HasPrefix(out, "Error:"):
		return "error"
	case strings.Contains(first, "FAIL"), strings.Contains(first, " failed:"), strings.Contains(first, " error:"):
		return "fail"
	}
	return "ok"
}

// Registry holds tools in registration order.
type Registry struct {
	tools   map[string]*Tool
	order   []string
	metrics *metrics.Recorder
	log     *zap.Logger
}

func NewRegistry(rec *metrics.Recorder, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{tools: map[string]*Tool{}, metrics: rec, log: log}
}

// Register adds t; names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("tool needs a name and a run function")
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
	return nil
}

func (r *Registry) mustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Subset returns a registry restricted to names, sharing metrics and logger.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	sub := NewRegistry(r.metrics, r.log)
	var missing []string
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		if err := sub.Register(*t); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown tools: %s", strings.Join(missing, ", "))
	}
	return sub, nil
}

// Call runs the named tool and records its outcome. Unknown tools and
// missing required arguments are reported as text like any other failure.
func (r *Registry) Call(ctx context.Context, name string, args Args) string {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q. Available tools: %s", name, strings.Join(r.order, ", "))
	}
	if args == nil {
		args = Args{}
	}
	for _, p := range t.Params {
		if p.Required && args.String(p.Name, "") == "" {
			return fmt.Sprintf("Error: %s requires %s", name, p.Name)
		}
	}

	start := time.Now()
	out := t.Run(ctx, args)
	d := time.Since(start)
	outcome := Outcome(out)
	r.metrics.ObserveTool(name, outcome, d)
	r.log.Debug("tool call",
		zap.String("tool", name),
		zap.String("outcome", outcome),
		zap.Duration("duration", d),
		zap.Int("output_bytes", len(out)),
	)
	return out
}
