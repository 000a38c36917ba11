package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Static routes by keyword lookup over the flattened input. It is the
// default classifier and needs no external dependency.
type Static struct {
	// keywords maps a lowercase token to the handler it selects.
	keywords map[string]string
}

// NewStatic creates a keyword classifier. keywords maps token to handler
// name; a nil map classifies nothing and always falls through to the
// error path, which the router turns into the default handler.
func NewStatic(keywords map[string]string) *Static {
	lowered := make(map[string]string, len(keywords))
	for k, v := range keywords {
		lowered[strings.ToLower(k)] = v
	}
	return &Static{keywords: lowered}
}

func (s *Static) Classify(ctx context.Context, input map[string]any, candidates []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c] = true
	}

	text := strings.ToLower(flatten(input))
	// Deterministic order so ties resolve the same way every run.
	tokens := make([]string, 0, len(s.keywords))
	for token := range s.keywords {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		handler := s.keywords[token]
		if strings.Contains(text, token) && allowed[handler] {
			return handler, nil
		}
	}
	return "", fmt.Errorf("no keyword matched input")
}

// flatten renders input values as a single searchable string.
func flatten(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, input[k])
	}
	return b.String()
}
