// Package promptcache marks reusable prompt prefixes with cache breakpoints.
//
// Invariants:
// - Annotate never mutates its input slice or any message in it.
// - The output always starts with a system message carrying a breakpoint.
// - At most one non-system message carries a breakpoint: the last user or tool message.
package promptcache

import "github.com/harun/ranya-core/pkg/llm"

// Annotate returns a new message list with the system prompt prepended and
// the most recent user or tool message marked as a cache breakpoint.
func Annotate(system string, messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{
		Role:            llm.RoleSystem,
		Content:         system,
		CacheBreakpoint: true,
	})
	out = append(out, messages...)

	for i := len(out) - 1; i > 0; i-- {
		if out[i].Role == llm.RoleUser || out[i].Role == llm.RoleTool {
			marked := out[i]
			marked.CacheBreakpoint = true
			out[i] = marked
			break
		}
	}

	return out
}
