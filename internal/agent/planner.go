package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/agent/model"
	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

const (
	// llmAttempts bounds retries of a failed model call within one step.
	llmAttempts = 3
	// recentCalls are shown with their full (clipped) result; older calls
	// keep only a short prefix so long runs fit the prompt.
	recentCalls       = 6
	recentResultLimit = 4000
	olderResultLimit  = 300
)

// retryDelay is swapped out in tests.
var retryDelay = 2 * time.Second

func (c *Crew) maxSteps() int {
	if c.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return c.MaxSteps
}

func (c *Crew) runTask(ctx context.Context, task *Task, name, priors string) (*TaskContext, error) {
	tc := &TaskContext{
		Task:      name,
		Agent:     task.Agent.Role,
		MaxSteps:  c.maxSteps(),
		StartedAt: time.Now(),
	}
	defer func() { tc.FinishedAt = time.Now() }()

	system := SystemPrompt(task.Agent)
	addThought(tc, "Starting "+name, "start", fmt.Sprintf("%d tools available", len(task.Agent.Tools.Names())))

	for tc.CurrentStep < tc.MaxSteps {
		if err := ctx.Err(); err != nil {
			addThought(tc, "Cancelled", "error", err.Error())
			return tc, err
		}
		tc.CurrentStep++

		decision, err := c.makeDecision(ctx, tc, system, BuildDecisionPrompt(task, priors, tc, false))
		if err != nil {
			addThought(tc, fmt.Sprintf("Model call failed: %v", err), "error", "Stopping task")
			return tc, fmt.Errorf("step %d: %w", tc.CurrentStep, err)
		}
		if decision == nil {
			continue
		}
		tc.Decisions = append(tc.Decisions, *decision)

		if decision.Action == model.ActionFinal {
			addThought(tc, decision.Reasoning, "final", "Task complete")
			tc.Output = decision.Output
			tc.Complete = true
			c.displayChainOfThought(tc)
			return tc, nil
		}
		c.executeDecision(ctx, task, tc, decision)
		c.displayChainOfThought(tc)
	}

	// Out of steps: one last request that may only finish.
	decision, err := c.makeDecision(ctx, tc, system, BuildDecisionPrompt(task, priors, tc, true))
	if err != nil {
		return tc, fmt.Errorf("final answer: %w", err)
	}
	if decision != nil && decision.Action == model.ActionFinal && strings.TrimSpace(decision.Output) != "" {
		tc.Decisions = append(tc.Decisions, *decision)
		tc.Output = decision.Output
		tc.Complete = true
		addThought(tc, decision.Reasoning, "final", "Task complete after step limit")
		return tc, nil
	}
	tc.Output = fallbackOutput(tc)
	addThought(tc, "Step limit reached without a final answer", "final", "Using the tool results as output")
	return tc, nil
}

// makeDecision asks the model for the next step. A reply that cannot be
// used yields (nil, nil) and a note in tc.Feedback for the next prompt;
// only a model call that keeps failing is an error.
func (c *Crew) makeDecision(ctx context.Context, tc *TaskContext, system, prompt string) (*Decision, error) {
	var (
		reply string
		err   error
	)
	for attempt := 1; attempt <= llmAttempts; attempt++ {
		reply, err = c.LLM.AskPrompt(ctx, system, prompt)
		if err == nil {
			break
		}
		c.logger().Warn("llm call failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == llmAttempts || ctx.Err() != nil {
			return nil, err
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	tc.Feedback = ""
	d, perr := ParseDecision(reply)
	if perr != nil {
		tc.Feedback = fmt.Sprintf("Your previous reply could not be used (%v). Reply with ONLY one JSON object in the format below.", perr)
		addThought(tc, "Unusable reply: "+clip(reply, 200), "error", perr.Error())
		if c.Verbose {
			fmt.Fprintf(c.out(), "[%s] step %d/%d: unusable reply (%v)\n", tc.Task, tc.CurrentStep, tc.MaxSteps, perr)
		}
		return nil, nil
	}
	return d, nil
}

// ParseDecision decodes a model reply. It accepts fenced or prose-wrapped
// JSON, a few spellings of the final action, and a non-string output.
func ParseDecision(reply string) (*Decision, error) {
	cleaned := ai.CleanJSONResponse(reply)
	if cleaned == "" {
		return nil, errors.New("empty reply")
	}
	var raw struct {
		Action    string          `json:"action"`
		Tool      string          `json:"tool"`
		Args      map[string]any  `json:"args"`
		Reasoning string          `json:"reasoning"`
		Output    json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	d := &Decision{
		Action:    strings.ToLower(strings.TrimSpace(raw.Action)),
		Tool:      strings.TrimSpace(raw.Tool),
		Args:      raw.Args,
		Reasoning: strings.TrimSpace(raw.Reasoning),
	}
	if len(raw.Output) > 0 && string(raw.Output) != "null" {
		var s string
		if err := json.Unmarshal(raw.Output, &s); err == nil {
			d.Output = s
		} else {
			d.Output = string(raw.Output)
		}
	}

	switch d.Action {
	case model.ActionFinal, "complete", "final_answer", "finish", "done":
		d.Action = model.ActionFinal
	case model.ActionTool, "tool_call", "call":
		d.Action = model.ActionTool
	case "":
		switch {
		case d.Tool != "":
			d.Action = model.ActionTool
		case d.Output != "":
			d.Action = model.ActionFinal
		}
	}
	switch d.Action {
	case model.ActionTool:
		if d.Tool == "" {
			return nil, errors.New(`action "tool" needs a "tool" name`)
		}
	case model.ActionFinal:
	default:
		return nil, fmt.Errorf(`unknown action %q (use "tool" or "final")`, raw.Action)
	}
	return d, nil
}

func (c *Crew) executeDecision(ctx context.Context, task *Task, tc *TaskContext, d *Decision) {
	w := c.out()
	fmt.Fprintf(w, "[%s] step %d/%d: %s(%s)\n", tc.Task, tc.CurrentStep, tc.MaxSteps, d.Tool, formatArgs(d.Args))

	start := time.Now()
	result := task.Agent.Tools.Call(ctx, d.Tool, tools.Args(d.Args))
	call := ToolCall{
		Step:     tc.CurrentStep,
		Tool:     d.Tool,
		Args:     d.Args,
		Result:   result,
		Duration: time.Since(start),
	}
	tc.Calls = append(tc.Calls, call)

	outcome := tools.Outcome(result)
	addThought(tc, d.Reasoning, "tool:"+d.Tool, outcome+": "+firstLine(result))
	if c.Verbose {
		fmt.Fprintf(w, "%s\n", indent(clip(result, recentResultLimit)))
	} else {
		fmt.Fprintf(w, "  -> %s\n", clip(firstLine(result), 200))
	}
}

// SystemPrompt introduces the agent's persona.
func SystemPrompt(a *Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s\n", a.Role, strings.TrimSpace(a.Backstory))
	fmt.Fprintf(&b, "Your personal goal is: %s\n", strings.TrimSpace(a.Goal))
	b.WriteString("You work by calling tools. Tool results are plain text; a result starting with \"Error:\" or containing \"FAIL\" means the step did not succeed and you should decide how to recover.")
	return b.String()
}

// BuildDecisionPrompt renders the task, the tools, the prior stage outputs
// and the calls made so far. With final set the model may only finish.
func BuildDecisionPrompt(task *Task, priors string, tc *TaskContext, final bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Task: %s\n\n", strings.TrimSpace(task.Description))
	if eo := strings.TrimSpace(task.ExpectedOutput); eo != "" {
		fmt.Fprintf(&b, "This is the expected criteria for your final answer: %s\n\n", eo)
	}
	if strings.TrimSpace(priors) != "" {
		fmt.Fprintf(&b, "Context from earlier stages:\n%s\n\n", priors)
	}

	b.WriteString("Tools you can use (one per reply):\n")
	for _, t := range task.Agent.Tools.Tools() {
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, formatParams(t.Params), t.Description)
	}

	if len(tc.Calls) > 0 {
		fmt.Fprintf(&b, "\nTool calls so far (step %d of %d):\n", tc.CurrentStep, tc.MaxSteps)
		for i, call := range tc.Calls {
			limit := olderResultLimit
			if i >= len(tc.Calls)-recentCalls {
				limit = recentResultLimit
			}
			fmt.Fprintf(&b, "%d. %s(%s) ->\n%s\n", i+1, call.Tool, formatArgs(call.Args), clip(call.Result, limit))
		}
	}
	if tc.Feedback != "" {
		fmt.Fprintf(&b, "\nNote: %s\n", tc.Feedback)
	}

	if final {
		fmt.Fprintf(&b, "\nYou have used all %d steps. Do not call another tool. Respond with ONLY this JSON object:\n", tc.MaxSteps)
		b.WriteString(`{"action": "final", "output": "<your final answer, reporting what succeeded and what failed>", "reasoning": "<short>"}`)
		return b.String()
	}
	b.WriteString("\nRespond with ONLY a JSON object, no prose. To call a tool:\n")
	b.WriteString(`{"action": "tool", "tool": "<tool name>", "args": {"<param>": "<value>"}, "reasoning": "<why this tool now>"}`)
	b.WriteString("\nWhen the task is done (or cannot be completed), finish with:\n")
	b.WriteString(`{"action": "final", "output": "<your final answer>", "reasoning": "<short>"}`)
	return b.String()
}

// fallbackOutput summarises the calls of a task that never finished.
func fallbackOutput(tc *TaskContext) string {
	if len(tc.Calls) == 0 {
		return fmt.Sprintf("No final answer after %d steps and no tool was called.", tc.MaxSteps)
	}
	lines := []string{fmt.Sprintf("No final answer after %d steps. Tool results:", tc.MaxSteps)}
	for _, call := range tc.Calls {
		lines = append(lines, fmt.Sprintf("- %s: %s", call.Tool, clip(firstLine(call.Result), 200)))
	}
	return strings.Join(lines, "\n")
}
