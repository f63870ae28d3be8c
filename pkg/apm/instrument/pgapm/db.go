// Package pgapm instruments PostgreSQL access through database/sql. Wrap any
// querier (*sql.DB, *sql.Tx, *sql.Conn) and call it as usual; every statement
// issued under an active trace becomes a db span.
package pgapm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/trace"
	"github.com/lib/pq"
)

const (
	integration = "postgresql"
	dbType      = "postgresql"
	driverName  = "postgres"
)

// Queryer is the statement surface shared by *sql.DB, *sql.Tx and *sql.Conn.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an instrumented Queryer.
type DB struct {
	q    Queryer
	opts instrument.Options
}

// Wrap instruments q.
func Wrap(q Queryer, opts ...instrument.Option) *DB {
	return &DB{q: q, opts: instrument.Apply(opts...)}
}

// Open opens a PostgreSQL pool with lib/pq and wraps it. The returned *sql.DB
// is the caller's to close.
func Open(dsn string, opts ...instrument.Option) (*DB, *sql.DB, error) {
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return Wrap(sqlDB, opts...), sqlDB, nil
}

// Unwrap returns the wrapped querier.
func (db *DB) Unwrap() Queryer { return db.q }

// ExecContext runs a statement that returns no rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start, tc := db.begin(ctx)
	res, err := db.q.ExecContext(ctx, query, args...)
	db.record(tc, query, start, err)
	return res, err
}

// QueryContext runs a query returning rows. The span covers the round trip
// to the first row, not iteration.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start, tc := db.begin(ctx)
	rows, err := db.q.QueryContext(ctx, query, args...)
	db.record(tc, query, start, err)
	return rows, err
}

// QueryRowContext runs a query expected to return at most one row. Errors
// surfaced by the driver before Scan are recorded; sql.ErrNoRows is not.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start, tc := db.begin(ctx)
	row := db.q.QueryRowContext(ctx, query, args...)
	var err error
	if row != nil {
		if err = row.Err(); errors.Is(err, sql.ErrNoRows) {
			err = nil
		}
	}
	db.record(tc, query, start, err)
	return row
}

func (db *DB) begin(ctx context.Context) (time.Time, *trace.TraceContext) {
	if db.opts.Disabled {
		return time.Time{}, nil
	}
	tc := trace.Active(ctx)
	if tc == nil {
		return time.Time{}, nil
	}
	return tc.Now(), tc
}

func (db *DB) record(tc *trace.TraceContext, query string, start time.Time, err error) {
	if tc == nil {
		return
	}
	instrument.Guard(db.opts.Logger.Named(integration), integration, func() {
		op, table := ParseSQL(query)
		tc.Append(trace.NewDBSpan(trace.DBSpanParams{
			TraceID:      tc.TraceID(),
			ParentSpanID: tc.ActiveSpanID(),
			DBType:       dbType,
			Operation:    op,
			Table:        table,
			Query:        query,
			Err:          err,
			ErrorCode:    errorCode(err),
			Start:        start,
			End:          tc.Now(),
		}))
	})
}

// errorCode returns the SQLSTATE of a PostgreSQL error.
func errorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
