// Package agent runs LLM-driven agents over a tool registry. A Crew works
// its tasks in order; each task is a bounded loop in which the model picks
// one tool per step until it returns a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bgdnvk/stackcrew/internal/agent/model"
	"github.com/bgdnvk/stackcrew/internal/metrics"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

type (
	Decision       = model.Decision
	ChainOfThought = model.ChainOfThought
	ToolCall       = model.ToolCall
	TaskContext    = model.TaskContext
)

// DefaultMaxSteps bounds the decision loop when the crew sets none.
const DefaultMaxSteps = 12

// LLM is the model behind every agent. *ai.Client implements it.
type LLM interface {
	AskPrompt(ctx context.Context, system, prompt string) (string, error)
}

// Agent is a role bound to a fixed toolset.
type Agent struct {
	Role      string
	Goal      string
	Backstory string
	Tools     *tools.Registry
}

// Task is one unit of work for an agent. Context lists earlier tasks whose
// output is shown to the agent; when empty the previous task's output is
// used.
type Task struct {
	Name           string
	Description    string
	ExpectedOutput string
	Agent          *Agent
	Context        []*Task
}

// Crew runs its tasks sequentially.
type Crew struct {
	Agents   []*Agent
	Tasks    []*Task
	LLM      LLM
	MaxSteps int
	Out      io.Writer
	Log      *zap.Logger
	Metrics  *metrics.Recorder
	Verbose  bool
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Task     *Task
	Output   string
	Context  *TaskContext
	Duration time.Duration
}

// Result is the outcome of a kickoff. Output is the last task's output.
type Result struct {
	Tasks  []TaskResult
	Output string
}

func (c *Crew) validate() error {
	if c.LLM == nil {
		return errors.New("crew has no LLM")
	}
	if len(c.Tasks) == 0 {
		return errors.New("crew has no tasks")
	}
	for i, t := range c.Tasks {
		if t.Agent == nil {
			return fmt.Errorf("task %d (%s) has no agent", i+1, t.Name)
		}
		if t.Agent.Tools == nil {
			return fmt.Errorf("agent %q has no tools", t.Agent.Role)
		}
	}
	return nil
}

func (c *Crew) out() io.Writer {
	if c.Out == nil {
		return io.Discard
	}
	return c.Out
}

func (c *Crew) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// Kickoff runs every task in order. It stops at the first task whose model
// calls fail outright or when ctx is cancelled; tool failures do not stop
// the crew since they are fed back to the model as text.
func (c *Crew) Kickoff(ctx context.Context) (*Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	w := c.out()
	title := cases.Title(language.English)
	outputs := make(map[*Task]string, len(c.Tasks))
	res := &Result{}

	var prev *Task
	for i, task := range c.Tasks {
		name := task.Name
		if name == "" {
			name = fmt.Sprintf("task %d", i+1)
		}
		fmt.Fprintf(w, "\n[%s] %s (%d/%d)\n", name, title.String(task.Agent.Role), i+1, len(c.Tasks))

		contextTasks := task.Context
		if len(contextTasks) == 0 && prev != nil {
			contextTasks = []*Task{prev}
		}
		var priors []string
		for _, ct := range contextTasks {
			if out, ok := outputs[ct]; ok && strings.TrimSpace(out) != "" {
				priors = append(priors, fmt.Sprintf("## %s\n%s", ct.Name, out))
			}
		}

		start := time.Now()
		tc, err := c.runTask(ctx, task, name, strings.Join(priors, "\n\n"))
		d := time.Since(start)
		c.Metrics.ObserveStage(name, err == nil && tc.Complete, d)
		c.logger().Info("task finished",
			zap.String("task", name),
			zap.String("agent", task.Agent.Role),
			zap.Int("steps", tc.CurrentStep),
			zap.Int("tool_calls", len(tc.Calls)),
			zap.Bool("complete", tc.Complete),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		res.Tasks = append(res.Tasks, TaskResult{Task: task, Output: tc.Output, Context: tc, Duration: d})
		if err != nil {
			fmt.Fprintf(w, "[%s] FAIL: %v\n", name, err)
			return res, fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(w, "[%s] done in %s\n", name, d.Round(time.Second))
		outputs[task] = tc.Output
		res.Output = tc.Output
		prev = task
	}
	return res, nil
}
