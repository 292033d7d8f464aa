package flash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite keeps pages as rows of a single table
type SQLite struct {
	db     *sql.DB
	pageID int
}

// NewSQLite opens (or creates) the database at path. ":memory:" is allowed.
func NewSQLite(path string, pageID int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection, so ":memory:" stays a single database
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, pageID: pageID}, nil
}

// ReadPage implements Page
func (s *SQLite) ReadPage(ctx context.Context) ([]byte, error) {
	return s.read(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) read(ctx context.Context, q querier) ([]byte, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM pages WHERE id = ?`, s.pageID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErasedPage(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	return data, nil
}

// ErasePage implements Page
func (s *SQLite) ErasePage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		s.pageID, ErasedPage())
	if err != nil {
		return fmt.Errorf("failed to erase page: %w", err)
	}
	return nil
}

// WritePage implements Page
func (s *SQLite) WritePage(ctx context.Context, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := s.read(ctx, tx)
	if err != nil {
		return err
	}
	out, err := program(old, data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pages (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		s.pageID, out); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}
	return tx.Commit()
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
