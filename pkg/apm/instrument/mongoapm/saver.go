package mongoapm

import (
	"context"
	"errors"
	"strconv"

	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Replacer is the part of *mongo.Collection the Saver needs.
type Replacer interface {
	Name() string
	ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Saver persists whole documents by upserting on their _id and records each
// save as one db span with operation "save".
type Saver struct {
	coll Replacer
	opts instrument.Options
}

// NewSaver wraps coll.
func NewSaver(coll Replacer, opts ...instrument.Option) *Saver {
	return &Saver{coll: coll, opts: instrument.Apply(opts...)}
}

type suppressKey struct{}

// suppressed reports whether the command monitor should stay quiet because
// a Saver is already measuring the call.
func suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// Save replaces the document matching id, inserting it when absent.
func (s *Saver) Save(ctx context.Context, id, doc interface{}) (*mongo.UpdateResult, error) {
	filter := bson.D{{Key: "_id", Value: id}}
	opts := options.Replace().SetUpsert(true)

	var tc *trace.TraceContext
	if !s.opts.Disabled {
		tc = trace.Active(ctx)
	}
	if tc == nil {
		return s.coll.ReplaceOne(ctx, filter, doc, opts)
	}

	start := tc.Now()
	res, err := s.coll.ReplaceOne(context.WithValue(ctx, suppressKey{}, true), filter, doc, opts)

	instrument.Guard(s.opts.Logger.Named(integration), integration, func() {
		query := ""
		if raw, merr := bson.MarshalExtJSON(bson.D{{Key: "filter", Value: filter}, {Key: "document", Value: doc}}, false, false); merr == nil {
			query = string(raw)
		}
		tc.Append(trace.NewDBSpan(trace.DBSpanParams{
			TraceID:      tc.TraceID(),
			ParentSpanID: tc.ActiveSpanID(),
			DBType:       dbType,
			Operation:    "save",
			Collection:   s.coll.Name(),
			Query:        query,
			Err:          err,
			ErrorCode:    errorCode(err),
			Start:        start,
			End:          tc.Now(),
		}))
	})
	return res, err
}

// errorCode extracts the server error code from driver errors.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code != 0 {
		return strconv.Itoa(int(cmdErr.Code))
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) && len(writeErr.WriteErrors) > 0 {
		return strconv.Itoa(writeErr.WriteErrors[0].Code)
	}
	return ""
}
