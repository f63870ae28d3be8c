package pgapm

import (
	"regexp"
	"strings"
)

const unknown = "unknown"

var tablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bFROM\s+([^\s,;()]+)`),
	regexp.MustCompile(`(?i)\bINTO\s+([^\s(,;]+)`),
	regexp.MustCompile(`(?i)\bUPDATE\s+([^\s,;]+)`),
}

// ParseSQL extracts the statement kind and the first table it names. It is a
// heuristic over the text, not a parser: CTEs, subqueries and quoted
// identifiers may yield a best guess or "unknown".
func ParseSQL(query string) (operation, table string) {
	q := strings.TrimSpace(query)
	operation = unknown
	upper := strings.ToUpper(q)
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(upper, op) {
			operation = op
			break
		}
	}

	table = unknown
	for _, re := range tablePatterns {
		if m := re.FindStringSubmatch(q); m != nil {
			table = strings.Trim(m[1], `"`)
			break
		}
	}
	return operation, table
}
