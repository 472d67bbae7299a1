package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
)

// sqliteBackend translates store operations into parameterized statements
// against one table per entity type plus a shared blobs table.
type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(dataDir string) (*sqliteBackend, error) {
	path := filepath.Join(dataDir, "depot.sqlite")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &sqliteBackend{db: db}
	if err = b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	for _, entity := range knownEntities {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, tableName(entity))
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

// tableName is only ever called with entries of knownEntities, so it cannot
// be used to smuggle SQL in.
func tableName(entity string) string {
	return "cache_" + entity
}

func (b *sqliteBackend) get(ctx context.Context, entity string) ([]datamodel.CachedRecord, error) {
	query := fmt.Sprintf(`SELECT id, data, updated_at FROM %s ORDER BY id ASC`, tableName(entity))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]datamodel.CachedRecord, 0)
	for rows.Next() {
		var rec datamodel.CachedRecord
		var data string
		if err = rows.Scan(&rec.ID, &data, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (b *sqliteBackend) put(ctx context.Context, entity string, recs []datamodel.CachedRecord) error {
	txn, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err = txn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, tableName(entity))); err != nil {
		_ = txn.Rollback()
		return err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)`, tableName(entity))
	now := time.Now()
	for _, rec := range recs {
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if _, err = txn.ExecContext(ctx, stmt, rec.ID, string(rec.Data), updatedAt); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	return txn.Commit()
}

func (b *sqliteBackend) insert(ctx context.Context, entity string, data []byte) (int64, error) {
	stmt := fmt.Sprintf(`INSERT INTO %s (data, updated_at) VALUES (?, ?)`, tableName(entity))
	res, err := b.db.ExecContext(ctx, stmt, string(data), time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *sqliteBackend) update(ctx context.Context, entity string, id int64, patch []byte) error {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, tableName(entity))
	var data string
	err := b.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no %s record with id %d", entity, id)
		}
		return err
	}

	merged, err := mergePatch([]byte(data), patch)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE id = ?`, tableName(entity))
	_, err = b.db.ExecContext(ctx, stmt, string(merged), time.Now(), id)
	return err
}

func (b *sqliteBackend) loadBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *sqliteBackend) saveBlob(ctx context.Context, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, time.Now())
	return err
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
