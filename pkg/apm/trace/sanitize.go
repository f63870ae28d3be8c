package trace

import (
	"regexp"
	"unicode/utf8"
)

// MaxQueryLength is the number of characters kept from captured query text.
const MaxQueryLength = 1000

const ellipsis = "..."

// secretPattern matches password- and token-shaped assignments in SQL text,
// connection strings, query strings and JSON documents. Group 3 is the value;
// a quoted value with no closing quote runs to the end of the text, which is
// what truncated captures look like.
var secretPattern = regexp.MustCompile(
	`(?i)([a-z_]*(?:password|passwd|pwd|token|secret)[a-z_]*)(["']?\s*[=:]\s*)("[^"]*"?|'[^']*'?|[^\s&,;'"})\]]+)`,
)

// Sanitize scrubs secret values from query text and bounds its length.
// Scrubbing happens before truncation so a cut can never expose a value.
func Sanitize(query string) string {
	if query == "" {
		return ""
	}

	out := secretPattern.ReplaceAllStringFunc(query, func(m string) string {
		g := secretPattern.FindStringSubmatch(m)
		value := g[3]
		masked := "***"
		if q := value[0]; q == '"' || q == '\'' {
			masked = string(q) + masked
			if len(value) >= 2 && value[len(value)-1] == q {
				masked += string(q)
			}
		}
		return g[1] + g[2] + masked
	})

	if utf8.RuneCountInString(out) <= MaxQueryLength {
		return out
	}

	n := 0
	for i := range out {
		if n == MaxQueryLength {
			return out[:i] + ellipsis
		}
		n++
	}
	return out
}
