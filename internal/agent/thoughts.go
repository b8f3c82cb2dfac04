package agent

import (
	"fmt"
	"time"
)

// addThought appends a timestamped reasoning step to the task's chain of
// thought.
func addThought(tc *TaskContext, thought, action, outcome string) {
	tc.ChainOfThought = append(tc.ChainOfThought, ChainOfThought{
		Step:      len(tc.ChainOfThought) + 1,
		Thought:   thought,
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})
}

// displayChainOfThought prints the latest reasoning entries when verbose.
func (c *Crew) displayChainOfThought(tc *TaskContext) {
	if !c.Verbose || len(tc.ChainOfThought) == 0 {
		return
	}
	w := c.out()
	fmt.Fprintf(w, "[%s] reasoning:\n", tc.Task)
	for i, t := range tc.ChainOfThought {
		if i < len(tc.ChainOfThought)-3 {
			continue
		}
		fmt.Fprintf(w, "   [%s] %s: %s\n", t.Timestamp.Format("15:04:05"), t.Action, t.Thought)
		if t.Outcome != "" {
			fmt.Fprintf(w, "   -> %s\n", t.Outcome)
		}
	}
}
