// Package grpcapm instruments unary and streaming gRPC calls on both sides
// of the wire.
// Trace identifiers travel in request metadata using the same keys as the
// HTTP integrations.
package grpcapm

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const integration = "grpc"

// rpcMethod is the HTTP method gRPC uses on the wire; span names follow the
// "METHOD target" shape of the HTTP spans.
const rpcMethod = http.MethodPost

// UnaryServerInterceptor opens a root trace context for every unary RPC.
func UnaryServerInterceptor(mgr *trace.Manager, opts ...instrument.Option) grpc.UnaryServerInterceptor {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integration)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if mgr == nil {
			return handler(ctx, req)
		}

		traced, tc := open(ctx, mgr, info.FullMethod, o, log, func(md metadata.MD) error {
			return grpc.SetHeader(ctx, md)
		})
		if tc == nil {
			return handler(ctx, req)
		}

		var (
			resp any
			err  error
		)
		defer func() {
			if p := recover(); p != nil {
				complete(mgr, tc, info.FullMethod, http.StatusInternalServerError, status.Errorf(codes.Internal, "panic: %v", p), o)
				panic(p)
			}
			complete(mgr, tc, info.FullMethod, HTTPStatus(status.Code(err)), err, o)
		}()

		resp, err = handler(traced, req)
		return resp, err
	}
}

// StreamServerInterceptor opens a root trace context for every streaming
// RPC. The trace completes when the handler returns.
func StreamServerInterceptor(mgr *trace.Manager, opts ...instrument.Option) grpc.StreamServerInterceptor {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integration)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if mgr == nil {
			return handler(srv, ss)
		}

		traced, tc := open(ss.Context(), mgr, info.FullMethod, o, log, ss.SetHeader)
		if tc == nil {
			return handler(srv, ss)
		}

		var err error
		defer func() {
			if p := recover(); p != nil {
				complete(mgr, tc, info.FullMethod, http.StatusInternalServerError, status.Errorf(codes.Internal, "panic: %v", p), o)
				panic(p)
			}
			complete(mgr, tc, info.FullMethod, HTTPStatus(status.Code(err)), err, o)
		}()

		err = handler(srv, &serverStream{ServerStream: ss, ctx: traced})
		return err
	}
}

// serverStream hands the traced context to stream handlers.
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

// open starts the server-side trace for method. setHeader echoes the ids
// back to the caller; it fails outside a real transport stream and the
// response headers are a convenience only.
func open(ctx context.Context, mgr *trace.Manager, method string, o instrument.Options, log *zap.Logger, setHeader func(metadata.MD) error) (context.Context, *trace.TraceContext) {
	var tc *trace.TraceContext
	traced := ctx
	instrument.Guard(log, integration, func() {
		var traceID, parent string
		if o.PropagateHeaders {
			traceID, parent = tracing.FromIncomingContext(ctx)
		}
		traced, tc = mgr.Open(ctx, traceID, "",
			map[string]any{trace.MetaEndpoint: method},
			trace.WithRemoteParent(parent),
		)
		if o.PropagateHeaders {
			_ = setHeader(metadata.Pairs(
				tracing.HeaderTraceID, tc.TraceID(),
				tracing.HeaderSpanID, tc.ActiveSpanID(),
			))
		}
	})
	return traced, tc
}

func complete(mgr *trace.Manager, tc *trace.TraceContext, method string, code int, err error, o instrument.Options) {
	instrument.Guard(o.Logger.Named(integration), integration, func() {
		tc.SetRoot(trace.NewHTTPSpan(trace.HTTPSpanParams{
			SpanID:     tc.ActiveSpanID(),
			TraceID:    tc.TraceID(),
			Method:     rpcMethod,
			URL:        method,
			StatusCode: code,
			Err:        err,
			Start:      tc.StartTime(),
			End:        tc.Now(),
		}))
		mgr.CompleteContext(tc)
	})
}

// UnaryClientInterceptor records an external span for every outgoing unary
// call made under an active trace and propagates the trace in metadata.
func UnaryClientInterceptor(opts ...instrument.Option) grpc.UnaryClientInterceptor {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integration)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		tc := trace.Active(ctx)
		if tc == nil {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		spanID := trace.NewSpanID()
		start := tc.Now()
		out := ctx
		if o.PropagateHeaders {
			instrument.Guard(log, integration, func() {
				out = tracing.AppendToOutgoingContext(ctx, tc.TraceID(), spanID)
			})
		}

		err := invoker(out, method, req, reply, cc, callOpts...)
		instrument.Guard(log, integration, func() { appendSpan(tc, spanID, cc, method, start, err) })
		return err
	}
}

// StreamClientInterceptor records an external span for every outgoing
// stream opened under an active trace. The span ends when the stream does:
// at io.EOF or an error from RecvMsg, or at the single response of a
// stream without server streaming. Streams the caller abandons unread are
// not recorded.
func StreamClientInterceptor(opts ...instrument.Option) grpc.StreamClientInterceptor {
	o := instrument.Apply(opts...)
	log := o.Logger.Named(integration)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		tc := trace.Active(ctx)
		if tc == nil {
			return streamer(ctx, desc, cc, method, callOpts...)
		}

		spanID := trace.NewSpanID()
		start := tc.Now()
		out := ctx
		if o.PropagateHeaders {
			instrument.Guard(log, integration, func() {
				out = tracing.AppendToOutgoingContext(ctx, tc.TraceID(), spanID)
			})
		}

		var once sync.Once
		finish := func(err error) {
			once.Do(func() {
				instrument.Guard(log, integration, func() { appendSpan(tc, spanID, cc, method, start, err) })
			})
		}

		cs, err := streamer(out, desc, cc, method, callOpts...)
		if err != nil {
			finish(err)
			return cs, err
		}
		return &clientStream{ClientStream: cs, serverStreams: desc != nil && desc.ServerStreams, finish: finish}, nil
	}
}

type clientStream struct {
	grpc.ClientStream
	serverStreams bool
	finish        func(error)
}

func (s *clientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err == io.EOF:
		s.finish(nil)
	case err != nil:
		s.finish(err)
	case !s.serverStreams:
		s.finish(nil)
	}
	return err
}

func appendSpan(tc *trace.TraceContext, spanID string, cc *grpc.ClientConn, method string, start time.Time, err error) {
	host := ""
	if cc != nil {
		host = cc.Target()
	}
	tc.Append(trace.NewExternalSpan(trace.ExternalSpanParams{
		SpanID:       spanID,
		TraceID:      tc.TraceID(),
		ParentSpanID: tc.ActiveSpanID(),
		Host:         host,
		Method:       rpcMethod,
		URL:          method,
		StatusCode:   HTTPStatus(status.Code(err)),
		Err:          err,
		Start:        start,
		End:          tc.Now(),
	}))
}

// HTTPStatus maps a gRPC status code to the closest HTTP status so gRPC
// traces share the error semantics of HTTP ones.
func HTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
