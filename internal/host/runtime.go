// Package host runs escrow operations as atomic units.
//
// A unit locks every account it may write, then runs the operation with a
// context that carries an undo journal and, when a database is configured,
// a SQL transaction. Stores and ledgers register compensations through
// OnAbort and join the transaction through Querier. If the operation
// returns an error or panics, the transaction is rolled back and the
// journal is unwound in reverse order, so no partial effect survives.
// AfterCommit hooks run only once the unit has committed. Readers that go
// through View wait out any unit holding their keys.
package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/stakehold/internal/syncutil"
)

// ErrNestedUnit is returned when Execute is called from inside a unit.
var ErrNestedUnit = errors.New("host: nested unit of work")

// Runtime executes units of work.
type Runtime struct {
	locks  *syncutil.ContextShardedMutex
	db     *sql.DB
	logger *slog.Logger
}

// NewRuntime creates a runtime. db may be nil for in-memory deployments.
func NewRuntime(db *sql.DB) *Runtime {
	return &Runtime{
		locks:  syncutil.NewContextShardedMutex(),
		db:     db,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for rollback diagnostics.
func (r *Runtime) WithLogger(l *slog.Logger) *Runtime {
	r.logger = l
	return r
}

type unit struct {
	tx    *sql.Tx
	undo  []func()
	after []func()
}

type unitKey struct{}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// Execute locks keys and runs fn as a single all-or-nothing unit.
func (r *Runtime) Execute(ctx context.Context, keys []string, fn func(ctx context.Context) error) (err error) {
	if unitFrom(ctx) != nil {
		return ErrNestedUnit
	}

	unlock, err := r.locks.LockMany(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire account locks: %w", err)
	}
	defer unlock()

	u := &unit{}
	if r.db != nil {
		u.tx, err = r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin unit: %w", err)
		}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rec := recover()
		r.abort(u)
		if rec != nil {
			panic(rec)
		}
	}()

	if err = fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}

	if u.tx != nil {
		if err = u.tx.Commit(); err != nil {
			return fmt.Errorf("commit unit: %w", err)
		}
	}
	committed = true

	for _, hook := range u.after {
		hook()
	}
	return nil
}

// View locks keys and runs fn outside any unit. It waits for every unit
// holding one of the keys to commit or abort, so fn never observes a
// partial effect. fn must not write.
func (r *Runtime) View(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if unitFrom(ctx) != nil {
		return ErrNestedUnit
	}
	unlock, err := r.locks.LockMany(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire account locks: %w", err)
	}
	defer unlock()
	return fn(ctx)
}

func (r *Runtime) abort(u *unit) {
	start := time.Now()
	if u.tx != nil {
		if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Error("unit rollback failed", "error", err)
		}
	}
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	r.logger.Debug("unit aborted", "compensations", len(u.undo), "duration", time.Since(start))
}

// OnAbort registers fn to run if the enclosing unit aborts. Outside a unit
// the effect is already final and fn is dropped.
func OnAbort(ctx context.Context, fn func()) {
	if u := unitFrom(ctx); u != nil {
		u.undo = append(u.undo, fn)
	}
}

// AfterCommit registers fn to run once the enclosing unit commits. Outside
// a unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if u := unitFrom(ctx); u != nil {
		u.after = append(u.after, fn)
		return
	}
	fn()
}

// InUnit reports whether ctx belongs to a running unit.
func InUnit(ctx context.Context) bool {
	return unitFrom(ctx) != nil
}

// Tx returns the unit's transaction, or nil.
func Tx(ctx context.Context) *sql.Tx {
	if u := unitFrom(ctx); u != nil {
		return u.tx
	}
	return nil
}

// Querier is the query surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn against the unit's transaction when there is one, or
// inside a fresh transaction on db otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(q Querier) error) error {
	if tx := Tx(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// QuerierFor returns the unit's transaction when there is one, or db.
func QuerierFor(ctx context.Context, db *sql.DB) Querier {
	if tx := Tx(ctx); tx != nil {
		return tx
	}
	return db
}
