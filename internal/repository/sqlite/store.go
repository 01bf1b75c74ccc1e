// Package sqliterepository keeps the table set in a local SQLite database
// using the pure-Go modernc driver.
package sqliterepository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"crlogger/internal/repository"
)

const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
    table_name TEXT PRIMARY KEY,
    watermark  TEXT NOT NULL,
    pass_id    TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);`

type Store struct {
	db  *sql.DB
	loc *time.Location
}

// Open opens (creating if needed) the database at dsn.
func Open(ctx context.Context, dsn string, loc *time.Location) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps the whole-set replace serialised.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoints schema: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, loc: loc}, nil
}

func (s *Store) Load(ctx context.Context) (map[string]time.Time, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, watermark FROM checkpoints`)
	if err != nil {
		return nil, false, fmt.Errorf("loading checkpoints: %w", err)
	}
	defer rows.Close()

	raw := map[string]string{}
	for rows.Next() {
		var name, watermark string
		if err := rows.Scan(&name, &watermark); err != nil {
			return nil, false, fmt.Errorf("%w: %v", repository.ErrCorruptState, err)
		}
		raw[name] = watermark
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("loading checkpoints: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	tables, err := repository.DecodeValues(raw, s.loc)
	if err != nil {
		return nil, false, err
	}
	return tables, true, nil
}

func (s *Store) Save(ctx context.Context, tables map[string]time.Time) error {
	values := make(map[string]string, len(tables))
	for name, ts := range tables {
		if name == "" {
			return fmt.Errorf("%w: empty table name", repository.ErrPersistence)
		}
		values[name] = repository.FormatTimestamp(ts)
	}
	passID := repository.PassIDFromContext(ctx)
	now := repository.FormatTimestamp(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO checkpoints(table_name, watermark, pass_id, updated_at) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	defer stmt.Close()
	for name, watermark := range values {
		if _, err := stmt.ExecContext(ctx, name, watermark, passID, now); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
