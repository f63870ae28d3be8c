// Package mongoapm instruments the MongoDB Go driver. NewMonitor hooks the
// driver's command monitoring, which every CRUD call goes through, and Saver
// records the whole-document save path as a single span.
package mongoapm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
)

const (
	integration = "mongodb"
	dbType      = "mongodb"
)

// Commands that are driver housekeeping rather than application work.
var skipped = map[string]struct{}{
	"hello":        {},
	"isMaster":     {},
	"ismaster":     {},
	"ping":         {},
	"saslStart":    {},
	"saslContinue": {},
	"authenticate": {},
	"getnonce":     {},
	"endSessions":  {},
	"buildInfo":    {},
	"killCursors":  {},
}

type pending struct {
	tc         *trace.TraceContext
	spanID     string
	start      time.Time
	operation  string
	collection string
	query      string
}

type monitor struct {
	next     *event.CommandMonitor
	inflight sync.Map // connection id + request id -> *pending
	opts     instrument.Options
}

// NewMonitor returns a CommandMonitor recording a db span per command issued
// under an active trace. Events are forwarded to next when it is non-nil.
func NewMonitor(next *event.CommandMonitor, opts ...instrument.Option) *event.CommandMonitor {
	m := &monitor{next: next, opts: instrument.Apply(opts...)}
	return &event.CommandMonitor{
		Started:   m.started,
		Succeeded: m.succeeded,
		Failed:    m.failed,
	}
}

func requestKey(connID string, requestID int64) string {
	return connID + "/" + strconv.FormatInt(requestID, 10)
}

func (m *monitor) started(ctx context.Context, evt *event.CommandStartedEvent) {
	if m.next != nil && m.next.Started != nil {
		m.next.Started(ctx, evt)
	}
	instrument.Guard(m.opts.Logger.Named(integration), integration, func() {
		if suppressed(ctx) {
			return
		}
		if _, skip := skipped[evt.CommandName]; skip {
			return
		}
		tc := trace.Active(ctx)
		if tc == nil {
			return
		}
		m.inflight.Store(requestKey(evt.ConnectionID, evt.RequestID), &pending{
			tc:         tc,
			spanID:     trace.NewSpanID(),
			start:      tc.Now(),
			operation:  evt.CommandName,
			collection: collectionOf(evt.CommandName, evt.Command),
			query:      evt.Command.String(),
		})
	})
}

func (m *monitor) succeeded(ctx context.Context, evt *event.CommandSucceededEvent) {
	if m.next != nil && m.next.Succeeded != nil {
		m.next.Succeeded(ctx, evt)
	}
	m.finish(evt.ConnectionID, evt.RequestID, nil)
}

func (m *monitor) failed(ctx context.Context, evt *event.CommandFailedEvent) {
	if m.next != nil && m.next.Failed != nil {
		m.next.Failed(ctx, evt)
	}
	m.finish(evt.ConnectionID, evt.RequestID, commandError(evt.Failure))
}

func (m *monitor) finish(connID string, requestID int64, err error) {
	v, ok := m.inflight.LoadAndDelete(requestKey(connID, requestID))
	if !ok {
		return
	}
	instrument.Guard(m.opts.Logger.Named(integration), integration, func() {
		p := v.(*pending)
		p.tc.Append(trace.NewDBSpan(trace.DBSpanParams{
			SpanID:       p.spanID,
			TraceID:      p.tc.TraceID(),
			ParentSpanID: p.tc.ActiveSpanID(),
			DBType:       dbType,
			Operation:    p.operation,
			Collection:   p.collection,
			Query:        p.query,
			Err:          err,
			Start:        p.start,
			End:          p.tc.Now(),
		}))
	})
}

// collectionOf reads the collection from a command document, where the
// first element is conventionally {<command>: <collection>}.
func collectionOf(name string, cmd bson.Raw) string {
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	first := elems[0]
	if first.Key() != name {
		return ""
	}
	if s, ok := first.Value().StringValueOK(); ok {
		return s
	}
	return ""
}

type commandError string

func (e commandError) Error() string { return string(e) }
