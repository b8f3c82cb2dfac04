// Package crew defines the pipeline stages (Generate, Infra, Build,
// Deploy, Verify) and assembles them into agent crews.
package crew

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/agent"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/metrics"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

// Stage names, in pipeline order.
const (
	StageGenerate = "Generate"
	StageInfra    = "Infra"
	StageBuild    = "Build"
	StageDeploy   = "Deploy"
	StageVerify   = "Verify"
)

// Options wires a crew to a run.
type Options struct {
	Settings *config.Settings
	// Tools is the full registry; each stage gets its own subset.
	Tools   *tools.Registry
	LLM     agent.LLM
	Out     io.Writer
	Log     *zap.Logger
	Metrics *metrics.Recorder
	Verbose bool
	// Now stamps the image tag the Build stage is told to use.
	Now func() time.Time
}

func (o Options) validate() error {
	if o.Settings == nil {
		return errors.New("crew: settings are required")
	}
	if o.Tools == nil {
		return errors.New("crew: tool registry is required")
	}
	if o.LLM == nil {
		return errors.New("crew: LLM is required")
	}
	return nil
}

func (o Options) imageTag() string {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return "build-" + now().UTC().Format("20060102T150405Z")
}

// NewCombined builds the five-stage crew that generates a project and then
// takes it all the way to a verified deployment.
func NewCombined(o Options) (*agent.Crew, error) {
	return build(o, []stageFunc{generateStage, infraStage, buildStage, deployStage, verifyStage})
}

// NewPipeline builds the four-stage crew for a project that is already
// generated under Settings.RepoRoot.
func NewPipeline(o Options) (*agent.Crew, error) {
	return build(o, []stageFunc{infraStage, buildStage, deployStage, verifyStage})
}

type stageFunc func(o Options) stage

// stage is an agent definition together with its single task.
type stage struct {
	name           string
	role           string
	goal           string
	backstory      string
	tools          []string
	description    string
	expectedOutput string
}

func build(o Options, stages []stageFunc) (*agent.Crew, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	c := &agent.Crew{
		LLM:      o.LLM,
		MaxSteps: o.Settings.LLM.MaxSteps,
		Out:      o.Out,
		Log:      o.Log,
		Metrics:  o.Metrics,
		Verbose:  o.Verbose,
	}
	var prev *agent.Task
	for _, fn := range stages {
		st := fn(o)
		reg, err := o.Tools.Subset(st.tools...)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.name, err)
		}
		a := &agent.Agent{Role: st.role, Goal: st.goal, Backstory: st.backstory, Tools: reg}
		t := &agent.Task{
			Name:           st.name,
			Description:    st.description,
			ExpectedOutput: st.expectedOutput,
			Agent:          a,
		}
		if prev != nil {
			t.Context = []*agent.Task{prev}
		}
		c.Agents = append(c.Agents, a)
		c.Tasks = append(c.Tasks, t)
		prev = t
	}
	return c, nil
}

// HealthURL is {prodURL}/health, or "" when no production URL is known.
func HealthURL(prodURL string) string {
	u := strings.TrimRight(strings.TrimSpace(prodURL), "/")
	if u == "" {
		return ""
	}
	return u + "/health"
}

func applyGate(s *config.Settings) string {
	if s.AllowApply {
		return "ALLOW_TERRAFORM_APPLY=1: apply is enabled."
	}
	return "ALLOW_TERRAFORM_APPLY is not set: run init and plan only. terraform_apply will refuse; say that apply was skipped and that setting ALLOW_TERRAFORM_APPLY=1 enables it."
}
