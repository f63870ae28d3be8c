package trace

import "time"

// SpanType identifies what a span measured.
type SpanType string

const (
	SpanHTTP     SpanType = "http"
	SpanExternal SpanType = "external"
	SpanDB       SpanType = "db"
)

// Span is one measured operation. Spans are built closed, with both start
// and end time, and are never modified after construction.
type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Type         SpanType       `json:"type"`
	Name         string         `json:"name"`
	DurationMS   float64        `json:"duration_ms"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Metadata     map[string]any `json:"metadata"`
}

// IsRoot reports whether the span has no parent in this process.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// IsError reports whether the span's error flag is set.
func (s Span) IsError() bool {
	v, _ := s.Metadata[MetaError].(bool)
	return v
}

// Trace is the export record of one completed request flow.
type Trace struct {
	TraceID     string         `json:"trace_id"`
	ServiceName string         `json:"service_name"`
	ServiceID   string         `json:"service_id"`
	Endpoint    string         `json:"endpoint"`
	DurationMS  float64        `json:"duration_ms"`
	StatusCode  int            `json:"status_code"`
	Error       bool           `json:"error"`
	Timestamp   time.Time      `json:"timestamp"`
	Spans       []Span         `json:"spans"`
	Metadata    map[string]any `json:"metadata"`
}

// Children returns the spans that are not the root.
func (t *Trace) Children() []Span {
	out := make([]Span, 0, len(t.Spans))
	for _, s := range t.Spans {
		if !s.IsRoot() {
			out = append(out, s)
		}
	}
	return out
}

// Metadata keys written by the span constructors.
const (
	MetaError        = "error"
	MetaErrorMessage = "error_message"

	MetaHTTPMethod     = "http_method"
	MetaHTTPURL        = "http_url"
	MetaHTTPStatusCode = "http_status_code"

	MetaExternalHost       = "external_host"
	MetaExternalMethod     = "external_method"
	MetaExternalURL        = "external_url"
	MetaExternalStatusCode = "external_status_code"

	MetaDBType       = "db_type"
	MetaDBOperation  = "db_operation"
	MetaDBCollection = "db_collection"
	MetaDBTable      = "db_table"
	MetaDBQuery      = "db_query"
	MetaDBErrorCode  = "db_error_code"

	MetaEndpoint     = "endpoint"
	MetaAgentID      = "agent_id"
	MetaRemoteParent = "remote_parent_span_id"
)
