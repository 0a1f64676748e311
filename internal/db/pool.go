package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/bibcluster/internal/config"
	"horse.fit/bibcluster/internal/globaltime"
	"horse.fit/bibcluster/internal/txn"
)

var ErrNoRows = sql.ErrNoRows

type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

type Row struct {
	row *sql.Row
}

func (r *Row) Scan(dest ...any) error {
	if r == nil || r.row == nil {
		return ErrNoRows
	}
	return r.row.Scan(dest...)
}

type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool {
	if r == nil || r.rows == nil {
		return false
	}
	return r.rows.Next()
}

func (r *Rows) Scan(dest ...any) error {
	if r == nil || r.rows == nil {
		return ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func (r *Rows) Err() error {
	if r == nil || r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

func (r *Rows) Close() {
	if r == nil || r.rows == nil {
		return
	}
	_ = r.rows.Close()
}

// unitOfWork is the txn handle of one gorm transaction or savepoint.
type unitOfWork struct {
	parent     *unitOfWork
	done       chan struct{}
	once       sync.Once
	rolledBack atomic.Bool
}

func newUnitOfWork(parent *unitOfWork) *unitOfWork {
	return &unitOfWork{parent: parent, done: make(chan struct{})}
}

func (u *unitOfWork) Done() <-chan struct{} { return u.done }
func (u *unitOfWork) RollbackOnly() bool    { return u.rolledBack.Load() }

func (u *unitOfWork) Parent() txn.UnitOfWork {
	if u.parent == nil {
		return nil
	}
	return u.parent
}

func (u *unitOfWork) resolve(rolledBack bool) {
	u.once.Do(func() {
		u.rolledBack.Store(rolledBack)
		close(u.done)
	})
}

type txState struct {
	db  *gorm.DB
	uow *unitOfWork
}

type txContextKey struct{}

type Pool struct {
	gdb   *gorm.DB
	sqlDB *sql.DB
}

// NewPool opens the database, sizes the connection pool and converges the
// schema. Gorm's own logging is routed into log.
func NewPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gormLogger := logger.New(gormLogWriter{log: log.With().Str("component", "gorm").Logger()}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  resolveGormLogLevel(cfg.LogLevel, cfg.Environment),
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: globaltime.UTC,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := int(cfg.DBMaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{
		gdb:   gdb,
		sqlDB: sqlDB,
	}
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	return pool, nil
}

// Transact runs fn inside a transaction. When ctx already carries a
// transaction from an enclosing Transact, fn runs inside a savepoint of it
// instead, so a failure rolls back only fn's writes. The transaction is
// published on the context passed to fn as a txn.UnitOfWork.
func (p *Pool) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if fn == nil {
		return fmt.Errorf("transaction fn is nil")
	}

	base := p.gdb.WithContext(ctx)
	var parent *unitOfWork
	if state, ok := ctx.Value(txContextKey{}).(*txState); ok && state != nil {
		base = state.db.WithContext(ctx)
		parent = state.uow
	}

	uow := newUnitOfWork(parent)
	committed := false
	defer func() { uow.resolve(!committed) }()

	err := base.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txContextKey{}, &txState{db: tx, uow: uow})
		return fn(txn.WithUnitOfWork(txCtx, uow))
	})
	committed = err == nil
	return err
}

// conn returns the transaction on ctx, or the pool when there is none.
func (p *Pool) conn(ctx context.Context) *gorm.DB {
	if state, ok := ctx.Value(txContextKey{}).(*txState); ok && state != nil {
		return state.db.WithContext(ctx)
	}
	return p.gdb.WithContext(ctx)
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if p == nil || p.gdb == nil {
		return &Row{row: nil}
	}
	return &Row{row: p.conn(ctx).Raw(query, args...).Row()}
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	rows, err := p.conn(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if p == nil || p.gdb == nil {
		return CommandTag{}, fmt.Errorf("database pool is not initialized")
	}
	res := p.conn(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

// Ping checks connectivity for health reporting.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

type gormLogWriter struct {
	log zerolog.Logger
}

func (w gormLogWriter) Printf(format string, args ...any) {
	w.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	level := strings.ToLower(strings.TrimSpace(appLogLevel))
	switch level {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
