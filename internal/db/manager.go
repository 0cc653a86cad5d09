// Package db owns source database connections: one live handle per
// Manager, age-based reconnection, and retryable-error classification.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sqlpull/sqlpull/internal/logging"
)

// Rows is the subset of *sql.Rows the extraction engine consumes.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Conn is a single live database connection.
type Conn interface {
	Query(ctx context.Context, query string) (Rows, error)
	Close() error
}

// Dialer opens a new connection. Injectable so tests can supply fakes.
type Dialer func(ctx context.Context) (Conn, error)

// State describes a Manager's connection lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateConnected
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Manager owns at most one live connection at a time. Construct one
// per table (and per partition worker) so each gets the timeout
// appropriate to that table's size class; the timeout is fixed for
// the manager's lifetime.
type Manager struct {
	mu      sync.Mutex
	dial    Dialer
	timeout time.Duration

	conn      Conn
	createdAt time.Time
	state     State
}

// NewManager returns a Manager that reconnects once a connection's
// age exceeds timeout.
func NewManager(dial Dialer, timeout time.Duration) *Manager {
	return &Manager{dial: dial, timeout: timeout}
}

// WithConn runs fn with the live connection under an exclusive lock,
// connecting or reconnecting first if the handle is missing or
// expired. Any error from fn closes the connection so the next
// acquisition starts clean; deadlock and timeout matches are returned
// as their classified types, everything else is logged at highest
// severity and returned unchanged.
func (m *Manager) WithConn(ctx context.Context, fn func(Conn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return err
	}

	err := fn(m.conn)
	if err == nil {
		return nil
	}

	m.closeLocked(StateFailed)

	classified := Classify(err)
	var de *DeadlockError
	var te *ConnectionTimeoutError
	switch {
	case errors.As(classified, &de):
		logging.Warn("Deadlock detected, connection closed: %v", err)
	case errors.As(classified, &te):
		logging.Warn("Connection timeout detected, connection closed: %v", err)
	default:
		logging.Error("Unclassified database error, connection closed: %v", err)
	}
	return classified
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	if m.state == StateConnected && time.Since(m.createdAt) > m.timeout {
		logging.Info("Connection expired after %s (timeout %s), reconnecting",
			time.Since(m.createdAt).Round(time.Second), m.timeout)
		m.closeLocked(StateExpired)
	}

	if m.conn != nil {
		return nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		m.state = StateFailed
		return Classify(fmt.Errorf("connecting: %w", err))
	}
	m.conn = conn
	m.createdAt = time.Now()
	m.state = StateConnected
	return nil
}

func (m *Manager) closeLocked(next State) {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			logging.Debug("Closing connection: %v", err)
		}
		m.conn = nil
	}
	m.state = next
}

// Close releases the live connection, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(StateUninitialized)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CreatedAt returns the live connection's creation time (zero when no
// connection is held).
func (m *Manager) CreatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return time.Time{}
	}
	return m.createdAt
}

// sqlConn adapts a dedicated database/sql handle to Conn. MaxOpenConns
// is pinned to 1 so the handle maps to a single server session.
type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Query(ctx context.Context, query string) (Rows, error) {
	return c.db.QueryContext(ctx, query)
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

// MSSQLDialer returns a Dialer that opens single-session SQL Server
// connections for the given DSN.
func MSSQLDialer(dsn string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		sdb, err := sql.Open("sqlserver", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening connection: %w", err)
		}
		sdb.SetMaxOpenConns(1)
		sdb.SetMaxIdleConns(1)
		if err := sdb.PingContext(ctx); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		return &sqlConn{db: sdb}, nil
	}
}
