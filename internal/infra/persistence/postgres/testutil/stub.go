// Package testutil provides a stub database/sql driver for postgres store
// tests. It models the repository_state table only: upserts keyed by
// repository name, selects filtered by repository, and transactions whose
// writes become visible on commit.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stepcore/pkg/sdai"
)

var stubSeq atomic.Int64

// StateRow is one repository_state row.
type StateRow struct {
	Repository string
	Payload    []byte
	SavedAt    time.Time
}

// StubConn records statements and holds the committed repository rows.
type StubConn struct {
	mu      sync.Mutex
	Execs   []string
	Rows    map[string]StateRow
	pending map[string]StateRow
	inTx    bool

	FailPing   bool
	FailExec   bool
	FailCommit bool
}

// NewStubDB registers a fresh driver and returns a sql.DB bound to it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Rows: make(map[string]StateRow)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Opener returns a function usable with postgres.OverrideSQLOpen.
func Opener(db *sql.DB) func(string, string) (*sql.DB, error) {
	return func(string, string) (*sql.DB, error) { return db, nil }
}

// Seed stores snap as if a previous process had saved it.
func (c *StubConn) Seed(snap sdai.RepositorySnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rows[snap.Name] = StateRow{Repository: snap.Name, Payload: payload, SavedAt: snap.SavedAt}
	return nil
}

// Snapshot decodes the committed row of repository.
func (c *StubConn) Snapshot(repository string) (sdai.RepositorySnapshot, bool, error) {
	c.mu.Lock()
	row, ok := c.Rows[repository]
	c.mu.Unlock()
	if !ok {
		return sdai.RepositorySnapshot{}, false, nil
	}
	var snap sdai.RepositorySnapshot
	if err := json.Unmarshal(row.Payload, &snap); err != nil {
		return sdai.RepositorySnapshot{}, true, err
	}
	return snap, true, nil
}

// Repositories lists the committed repository names in order.
func (c *StubConn) Repositories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.Rows))
	for name := range c.Rows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type stubDriver struct{ conn *StubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. Writes are staged until Commit.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return nil, errors.New("transaction already open")
	}
	c.inTx = true
	c.pending = make(map[string]StateRow)
	return stubTx{conn: c}, nil
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("ping fail")
	}
	return nil
}

// ExecContext implements driver.ExecerContext. DDL is recorded only; an
// INSERT into repository_state replaces the row of its repository.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errors.New("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(upper, "INSERT INTO REPOSITORY_STATE") {
		return driver.RowsAffected(0), nil
	}
	row, err := stateRow(args)
	if err != nil {
		return nil, err
	}
	if _, exists := c.visible(row.Repository); exists && !strings.Contains(upper, "ON CONFLICT") {
		return nil, fmt.Errorf("duplicate key repository=%s", row.Repository)
	}
	if c.inTx {
		c.pending[row.Repository] = row
	} else {
		c.Rows[row.Repository] = row
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext for selects of repository
// and payload, optionally filtered by the first argument.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	lower := strings.ToLower(query)
	if !strings.HasPrefix(strings.TrimSpace(lower), "select") || !strings.Contains(lower, "from repository_state") {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := &stubRows{cols: []string{"repository", "payload"}}
	if strings.Contains(lower, "where repository") {
		if len(args) == 0 {
			return nil, errors.New("repository filter without argument")
		}
		name, _ := args[0].Value.(string)
		if row, ok := c.visible(name); ok {
			rows.rows = append(rows.rows, []driver.Value{row.Repository, row.Payload})
		}
		return rows, nil
	}
	names := make([]string, 0, len(c.Rows))
	for name := range c.Rows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := c.Rows[name]
		rows.rows = append(rows.rows, []driver.Value{row.Repository, row.Payload})
	}
	return rows, nil
}

// visible returns the row a statement on this connection would see.
func (c *StubConn) visible(repository string) (StateRow, bool) {
	if c.inTx {
		if row, ok := c.pending[repository]; ok {
			return row, true
		}
	}
	row, ok := c.Rows[repository]
	return row, ok
}

func stateRow(args []driver.NamedValue) (StateRow, error) {
	if len(args) != 3 {
		return StateRow{}, fmt.Errorf("repository_state insert wants 3 arguments, got %d", len(args))
	}
	name, ok := args[0].Value.(string)
	if !ok || name == "" {
		return StateRow{}, fmt.Errorf("repository_state insert: bad repository %v", args[0].Value)
	}
	payload, ok := args[1].Value.([]byte)
	if !ok || !json.Valid(payload) {
		return StateRow{}, fmt.Errorf("repository_state insert: payload for %s is not JSON", name)
	}
	savedAt, _ := args[2].Value.(time.Time)
	return StateRow{Repository: name, Payload: append([]byte(nil), payload...), SavedAt: savedAt}, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.inTx, c.pending = false, nil
	if c.FailCommit {
		return errors.New("commit fail")
	}
	for name, row := range pending {
		c.Rows[name] = row
	}
	return nil
}

func (t stubTx) Rollback() error {
	c := t.conn
	c.mu.Lock()
	c.inTx, c.pending = false, nil
	c.mu.Unlock()
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
