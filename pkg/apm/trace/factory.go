package trace

import (
	"strings"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/shared/id"
)

// NewTraceID returns a new 128-bit trace identifier as 32 lowercase hex chars.
func NewTraceID() string { return id.NewTraceID() }

// NewSpanID returns a new 128-bit span identifier as 32 lowercase hex chars.
func NewSpanID() string { return id.NewSpanID() }

// HTTPSpanParams describes an inbound request.
type HTTPSpanParams struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	Method       string
	URL          string
	StatusCode   int
	Err          error
	Start        time.Time
	End          time.Time
}

// NewHTTPSpan builds the span for an inbound request.
func NewHTTPSpan(p HTTPSpanParams) Span {
	failed := p.StatusCode >= 400 || p.Err != nil
	meta := map[string]any{
		MetaHTTPMethod:     p.Method,
		MetaHTTPURL:        p.URL,
		MetaHTTPStatusCode: p.StatusCode,
		MetaError:          failed,
	}
	if p.Err != nil {
		meta[MetaErrorMessage] = p.Err.Error()
	}

	return Span{
		SpanID:       orNewSpanID(p.SpanID),
		TraceID:      p.TraceID,
		ParentSpanID: p.ParentSpanID,
		Type:         SpanHTTP,
		Name:         p.Method + " " + p.URL,
		DurationMS:   DurationMS(p.Start, p.End),
		StartTime:    p.Start,
		EndTime:      p.End,
		Metadata:     meta,
	}
}

// ExternalSpanParams describes an outbound HTTP call.
type ExternalSpanParams struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	Host         string
	Method       string
	URL          string
	StatusCode   int // 0 when no response was received
	Err          error
	Start        time.Time
	End          time.Time
}

// NewExternalSpan builds the span for an outbound HTTP call.
func NewExternalSpan(p ExternalSpanParams) Span {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = "GET"
	}

	failed := p.StatusCode >= 400 || p.Err != nil
	meta := map[string]any{
		MetaExternalHost:       p.Host,
		MetaExternalMethod:     method,
		MetaExternalURL:        p.URL,
		MetaExternalStatusCode: p.StatusCode,
		MetaError:              failed,
	}
	if p.Err != nil {
		meta[MetaErrorMessage] = p.Err.Error()
	}

	return Span{
		SpanID:       orNewSpanID(p.SpanID),
		TraceID:      p.TraceID,
		ParentSpanID: p.ParentSpanID,
		Type:         SpanExternal,
		Name:         method + " " + p.Host,
		DurationMS:   DurationMS(p.Start, p.End),
		StartTime:    p.Start,
		EndTime:      p.End,
		Metadata:     meta,
	}
}

// DBSpanParams describes a datastore call. Collection is used by document
// stores and Table by SQL stores; the query text is sanitised here.
type DBSpanParams struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	DBType       string
	Operation    string
	Collection   string
	Table        string
	Query        string
	Err          error
	ErrorCode    string
	Start        time.Time
	End          time.Time
}

// NewDBSpan builds the span for a datastore call.
func NewDBSpan(p DBSpanParams) Span {
	target := p.Collection
	if target == "" {
		target = p.Table
	}

	meta := map[string]any{
		MetaDBType:      p.DBType,
		MetaDBOperation: p.Operation,
		MetaDBQuery:     Sanitize(p.Query),
		MetaError:       p.Err != nil,
	}
	if p.Collection != "" {
		meta[MetaDBCollection] = p.Collection
	}
	if p.Table != "" {
		meta[MetaDBTable] = p.Table
	}
	if p.Err != nil {
		meta[MetaErrorMessage] = p.Err.Error()
		if p.ErrorCode != "" {
			meta[MetaDBErrorCode] = p.ErrorCode
		}
	}

	return Span{
		SpanID:       orNewSpanID(p.SpanID),
		TraceID:      p.TraceID,
		ParentSpanID: p.ParentSpanID,
		Type:         SpanDB,
		Name:         p.DBType + ": " + p.Operation + " " + target,
		DurationMS:   DurationMS(p.Start, p.End),
		StartTime:    p.Start,
		EndTime:      p.End,
		Metadata:     meta,
	}
}

// TraceParams carries everything NewTrace needs.
type TraceParams struct {
	TraceID     string
	ServiceName string
	ServiceID   string
	Endpoint    string
	DurationMS  float64
	StatusCode  int
	Error       bool
	Timestamp   time.Time
	Spans       []Span
	Metadata    map[string]any
}

// NewTrace builds the export record.
func NewTrace(p TraceParams) *Trace {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = "unknown"
	}
	spans := p.Spans
	if spans == nil {
		spans = []Span{}
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	return &Trace{
		TraceID:     p.TraceID,
		ServiceName: p.ServiceName,
		ServiceID:   p.ServiceID,
		Endpoint:    endpoint,
		DurationMS:  p.DurationMS,
		StatusCode:  p.StatusCode,
		Error:       p.Error || p.StatusCode >= 400,
		Timestamp:   p.Timestamp,
		Spans:       spans,
		Metadata:    meta,
	}
}

// DurationMS returns end-start in fractional milliseconds, never negative.
func DurationMS(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func orNewSpanID(s string) string {
	if s == "" {
		return NewSpanID()
	}
	return s
}
