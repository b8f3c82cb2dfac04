package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/tools"
)

// formatArgs renders call arguments as k=v pairs in key order.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, clip(fmt.Sprint(args[k]), 80)))
	}
	return strings.Join(parts, ", ")
}

func formatParams(params []tools.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := p.Name + ": " + p.Type
		switch {
		case p.Required:
			s += ", required"
		case p.Default != nil:
			s += fmt.Sprintf(", default %v", p.Default)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func firstLine(s string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return first
}

// clip trims s and cuts it to n bytes, marking the cut.
func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
