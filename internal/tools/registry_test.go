package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/stackcrew/internal/metrics"
)

func TestArgs(t *testing.T) {
	a := Args{
		"name":    "  web  ",
		"blank":   " ",
		"float":   float64(42),
		"numstr":  "7",
		"bad":     "x",
		"flag":    "true",
		"flagnum": float64(0),
	}

	assert.Equal(t, "web", a.String("name", "d"))
	assert.Equal(t, "d", a.String("blank", "d"))
	assert.Equal(t, "d", a.String("missing", "d"))
	assert.Equal(t, "42", a.String("float", ""))

	assert.Equal(t, 42, a.Int("float", 0))
	assert.Equal(t, 7, a.Int("numstr", 0))
	assert.Equal(t, 3, a.Int("bad", 3))

	assert.True(t, a.Bool("flag", false))
	assert.False(t, a.Bool("flagnum", true))
	assert.True(t, a.Bool("missing", true))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"terraform init in infra/bootstrap: OK", "ok"},
		{"Error: terraform not found in PATH.", "error"},
		{"terraform apply in infra/envs/dev: FAIL\nstderr: boom", "fail"},
		{"docker push failed: denied", "fail"},
		{"SSM /shop/prod/image_tag error: ParameterNotFound", "fail"},
		{"run_full_infra_pipeline: OK\nattempt 1/3: terraform apply in infra/envs/dev: FAIL", "ok"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.out); got != tt.want {
			t.Errorf("Outcome(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func echoTool(name string, required bool) Tool {
	return Tool{
		Name:   name,
		Params: []Param{{Name: "msg", Type: "string", Required: required}},
		Run: func(_ context.Context, a Args) string {
			return name + ": " + a.String("msg", "none")
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool("a", false)))
	require.NoError(t, r.Register(echoTool("b", false)))

	assert.Error(t, r.Register(echoTool("a", false)), "duplicate name")
	assert.Error(t, r.Register(Tool{Name: "c"}), "missing run func")
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, ok := r.Get("b")
	assert.True(t, ok)
	_, ok = r.Get("c")
	assert.False(t, ok)
}

func TestRegistryCall(t *testing.T) {
	rec := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(rec, nil)
	require.NoError(t, r.Register(echoTool("echo", true)))

	ctx := context.Background()
	assert.Equal(t, "echo: hi", r.Call(ctx, "echo", Args{"msg": "hi"}))
	assert.Equal(t, "Error: echo requires msg", r.Call(ctx, "echo", nil))

	out := r.Call(ctx, "nope", nil)
	assert.True(t, strings.HasPrefix(out, `Error: unknown tool "nope".`), out)
	assert.Contains(t, out, "Available tools: echo")
}

func TestRegistryCallRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(metrics.New(reg), nil)
	require.NoError(t, r.Register(Tool{Name: "flaky", Run: func(context.Context, Args) string { return "thing: FAIL" }}))

	r.Call(context.Background(), "flaky", nil)
	r.Call(context.Background(), "flaky", nil)

	n, err := testutil.GatherAndCount(reg, "stackcrew_tool_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expected := `
# HELP stackcrew_tool_calls_total Tool invocations by tool and outcome (ok, fail, error)
# TYPE stackcrew_tool_calls_total counter
stackcrew_tool_calls_total{outcome="fail",tool="flaky"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "stackcrew_tool_calls_total"))
}

func TestRegistrySubset(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(echoTool(n, false)))
	}

	sub, err := r.Subset("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, sub.Names())

	_, err = r.Subset("a", "z", "y")
	require.Error(t, err)
	assert.Equal(t, "unknown tools: y, z", err.Error())
}

func TestAllCoversStageToolSets(t *testing.T) {
	r := All(newTestEnv(t, &fakeAWS{}))

	seen := map[string]bool{}
	for _, set := range [][]string{GenerateTools, InfraTools, BuildTools, DeployTools, VerifyTools} {
		_, err := r.Subset(set...)
		require.NoError(t, err)
		for _, n := range set {
			seen[n] = true
		}
	}
	for _, n := range r.Names() {
		assert.True(t, seen[n], "tool %s is not used by any stage", n)
	}
	for _, tool := range r.Tools() {
		assert.NotEmpty(t, tool.Description, tool.Name)
	}
}
