package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"github.com/google/uuid"
)

const (
	// BackendSQLite names the local SQLite store.
	BackendSQLite = "sqlite"

	// createdAtLayout is fixed width so lexical order matches time order.
	createdAtLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLiteContextStore is an implementation of ContextStore that uses a local
// SQLite database with the same table layout as the hosted store.
type SQLiteContextStore struct {
	conn        *sqlite.Conn
	dbPath      string
	lastCreated time.Time
	mu          sync.Mutex
}

// NewSQLiteContextStore creates a new SQLiteContextStore instance.
func NewSQLiteContextStore() *SQLiteContextStore {
	return &SQLiteContextStore{}
}

// Initialize initializes the store with the given database path.
func (s *SQLiteContextStore) Initialize(dbPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dbPath = dbPath

	conn, err := sqlite.OpenConn(dbPath, sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_READWRITE)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}
	s.conn = conn

	if err := s.createTable(); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to create table: %w", err)
	}

	if err := s.loadLastCreated(); err != nil {
		s.conn.Close()
		s.conn = nil
		return err
	}

	return nil
}

// loadLastCreated seeds lastCreated from the newest stored row so a reopened
// database keeps created_at non-decreasing.
func (s *SQLiteContextStore) loadLastCreated() error {
	stmt, err := s.conn.Prepare("SELECT MAX(created_at) FROM " + TableName + ";")
	if err != nil {
		return fmt.Errorf("failed to prepare max created_at statement: %w", err)
	}
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("failed to read max created_at: %w", err)
	}
	newest := stmt.ColumnText(0)
	if !hasRow || newest == "" {
		return nil
	}

	last, err := time.Parse(createdAtLayout, newest)
	if err != nil {
		return fmt.Errorf("failed to parse stored created_at %q: %w", newest, err)
	}
	s.lastCreated = last
	return nil
}

// createTable creates the context_vault table if it doesn't exist.
func (s *SQLiteContextStore) createTable() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_data TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableName + `_created_at ON ` + TableName + ` (created_at);`,
	}

	for _, query := range statements {
		stmt, err := s.conn.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare schema statement: %w", err)
		}
		_, err = stmt.Step()
		stmt.Reset()
		if err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Name returns the backend name.
func (s *SQLiteContextStore) Name() string {
	return BackendSQLite
}

// Close closes the store and releases any resources.
func (s *SQLiteContextStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// Insert stores a new row, assigning a UUID and a created_at that never
// goes backwards within this store.
func (s *SQLiteContextStore) Insert(ctx context.Context, rec NewContextRecord) (*ContextRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	metadata := rec.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastCreated) {
		now = s.lastCreated
	}

	row := &ContextRecord{
		ID:          StringID(uuid.NewString()),
		UserID:      rec.UserID,
		ContextType: rec.ContextType,
		ContextData: append(json.RawMessage(nil), rec.ContextData...),
		Metadata:    append(json.RawMessage(nil), metadata...),
		CreatedAt:   now.Format(createdAtLayout),
	}

	insertSQL := `
	INSERT INTO ` + TableName + ` (id, user_id, context_type, context_data, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?);`

	stmt, err := s.conn.Prepare(insertSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Reset()

	// Bind parameters - indices in sqlite are 1-based
	stmt.BindText(1, row.ID.String())
	stmt.BindText(2, row.UserID)
	stmt.BindText(3, row.ContextType)
	stmt.BindText(4, string(row.ContextData))
	stmt.BindText(5, string(row.Metadata))
	stmt.BindText(6, row.CreatedAt)

	if _, err := stmt.Step(); err != nil {
		return nil, fmt.Errorf("failed to insert context record: %w", err)
	}

	s.lastCreated = now
	return row, nil
}

// Query returns matching rows, newest first, at most filter.EffectiveLimit().
func (s *SQLiteContextStore) Query(ctx context.Context, filter QueryFilter) ([]ContextRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var where []string
	var args []string
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ContextType != "" {
		where = append(where, "context_type = ?")
		args = append(args, filter.ContextType)
	}

	selectSQL := "SELECT id, user_id, context_type, context_data, metadata, created_at FROM " + TableName
	if len(where) > 0 {
		selectSQL += " WHERE " + strings.Join(where, " AND ")
	}
	selectSQL += " ORDER BY created_at DESC, rowid DESC LIMIT ?;"

	stmt, err := s.conn.Prepare(selectSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare select statement: %w", err)
	}
	defer stmt.Reset()

	for i, arg := range args {
		stmt.BindText(i+1, arg)
	}
	stmt.BindInt64(len(args)+1, int64(filter.EffectiveLimit()))

	rows := []ContextRecord{}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to execute select statement: %w", err)
		}
		if !hasRow {
			break
		}

		// Column indices are 0-based
		rows = append(rows, ContextRecord{
			ID:          StringID(stmt.ColumnText(0)),
			UserID:      stmt.ColumnText(1),
			ContextType: stmt.ColumnText(2),
			ContextData: json.RawMessage(stmt.ColumnText(3)),
			Metadata:    json.RawMessage(stmt.ColumnText(4)),
			CreatedAt:   stmt.ColumnText(5),
		})
	}

	return rows, nil
}
