package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// fakeDB is an in-memory database/sql driver that understands the handful of
// statements Postgres issues, so the query paths run without a server.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]*fakeRow
	failing error
}

type fakeRow struct {
	content   string
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]*fakeRow)}
}

// open returns a *sql.DB backed by f.
func (f *fakeDB) open() *sql.DB {
	return sql.OpenDB(fakeConnector{f})
}

func (f *fakeDB) fail(err error) {
	f.mu.Lock()
	f.failing = err
	f.mu.Unlock()
}

func (f *fakeDB) row(docID string) (fakeRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[docID]
	if !ok {
		return fakeRow{}, false
	}
	return *r, true
}

func (f *fakeDB) exec(query string, args []driver.Value) (driver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return nil, f.failing
	}
	docID, _ := args[0].(string)
	switch {
	case strings.Contains(query, "INSERT INTO documents"):
		content, _ := args[1].(string)
		now := time.Now()
		if r, ok := f.rows[docID]; ok {
			r.content = content
			r.version++
			r.updatedAt = now
			return driver.RowsAffected(1), nil
		}
		f.rows[docID] = &fakeRow{content: content, version: 1, createdAt: now, updatedAt: now}
		return driver.RowsAffected(1), nil
	case strings.Contains(query, "DELETE FROM documents"):
		if _, ok := f.rows[docID]; !ok {
			return driver.RowsAffected(0), nil
		}
		delete(f.rows, docID)
		return driver.RowsAffected(1), nil
	}
	return nil, errors.New("fakedb: unsupported exec: " + query)
}

func (f *fakeDB) query(query string, args []driver.Value) (driver.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return nil, f.failing
	}
	docID, _ := args[0].(string)
	r, ok := f.rows[docID]
	switch {
	case strings.Contains(query, "SELECT content, version, created_at, updated_at FROM documents"):
		rows := &fakeRows{cols: []string{"content", "version", "created_at", "updated_at"}}
		if ok {
			rows.data = [][]driver.Value{{r.content, r.version, r.createdAt, r.updatedAt}}
		}
		return rows, nil
	case strings.Contains(query, "SELECT content FROM documents"):
		rows := &fakeRows{cols: []string{"content"}}
		if ok {
			rows.data = [][]driver.Value{{r.content}}
		}
		return rows, nil
	}
	return nil, errors.New("fakedb: unsupported query: " + query)
}

type fakeConnector struct{ db *fakeDB }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return fakeConn{db: c.db}, nil
}

func (c fakeConnector) Driver() driver.Driver {
	return fakeDriver{}
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fakedb: use sql.OpenDB")
}

type fakeConn struct{ db *fakeDB }

func (c fakeConn) Prepare(query string) (driver.Stmt, error) {
	return fakeStmt{db: c.db, query: query}, nil
}

func (c fakeConn) Close() error { return nil }

func (c fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedb: transactions not supported")
}

type fakeStmt struct {
	db    *fakeDB
	query string
}

func (s fakeStmt) Close() error { return nil }

func (s fakeStmt) NumInput() int { return -1 }

func (s fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.db.exec(s.query, args)
}

func (s fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.db.query(s.query, args)
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
