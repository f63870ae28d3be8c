package httpserver

import (
	"regexp"
	"strings"
)

var (
	uuidSegment     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	objectIDSegment = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	numericSegment  = regexp.MustCompile(`^\d+$`)
)

// NormalizePath collapses identifier-like path segments (UUIDs, numeric ids,
// 24-hex document ids) to ":id" so one route maps to one endpoint. The query
// string is dropped.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if uuidSegment.MatchString(seg) || objectIDSegment.MatchString(seg) || numericSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// patternPath strips the optional method and host from a ServeMux pattern.
func patternPath(pattern string) string {
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = strings.TrimSpace(pattern[i+1:])
	}
	if i := strings.IndexByte(pattern, '/'); i > 0 {
		pattern = pattern[i:]
	}
	return pattern
}
