package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/syncvault/internal/ident"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on items(parent, id) for child listings
const currentSchemaVersion = 1

// SQLiteBacking persists records in a SQLite database.
// Uses WAL mode so hash reads can proceed while a mutation is open.
type SQLiteBacking struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteBacking, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteBacking{db: db}, nil
}

// Close closes the database connection.
func (b *SQLiteBacking) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying sql.DB. Other components that share the file
// (the credential store) create their own tables through it.
func (b *SQLiteBacking) DB() *sql.DB {
	return b.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_items_parent
		ON items(parent, id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLiteBacking) Load(ctx context.Context, p ident.Path) (Record, bool, error) {
	return loadRecord(ctx, b.db, p)
}

func (b *SQLiteBacking) Children(ctx context.Context, p ident.Path) ([]Child, error) {
	return listChildren(ctx, b.db, p)
}

// Update runs fn inside a transaction, committing when fn returns nil.
func (b *SQLiteBacking) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	if err := fn(sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Load(ctx context.Context, p ident.Path) (Record, bool, error) {
	return loadRecord(ctx, t.tx, p)
}

func (t sqliteTx) Children(ctx context.Context, p ident.Path) ([]Child, error) {
	return listChildren(ctx, t.tx, p)
}

// Save upserts the record at p.
func (t sqliteTx) Save(ctx context.Context, p ident.Path, rec Record) error {
	parent, ok := p.Parent()
	if !ok {
		return fmt.Errorf("save record: the root folder has no record")
	}
	id, _ := p.Last()

	metaJSON, err := marshalMetadata(rec.Meta)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO items (path, parent, id, kind, deleted, data, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			kind = excluded.kind,
			deleted = excluded.deleted,
			data = excluded.data,
			meta = excluded.meta
	`,
		p.String(),
		parent.String(),
		string(id),
		string(rec.Kind),
		rec.Deleted,
		rec.Data,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// DeleteDescendants removes every row whose path lies below p. The prefix
// test uses substr rather than LIKE because ids may contain % and _.
func (t sqliteTx) DeleteDescendants(ctx context.Context, p ident.Path) error {
	prefix := p.String() + "/"
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM items
		WHERE substr(path, 1, length(?)) = ?
	`, prefix, prefix)
	if err != nil {
		return fmt.Errorf("delete descendants: %w", err)
	}
	return nil
}

func loadRecord(ctx context.Context, q queryer, p ident.Path) (Record, bool, error) {
	var (
		rec      Record
		kind     string
		data     []byte
		metaJSON string
	)
	err := q.QueryRowContext(ctx, `
		SELECT kind, deleted, data, meta
		FROM items
		WHERE path = ?
	`, p.String()).Scan(&kind, &rec.Deleted, &data, &metaJSON)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load record: %w", err)
	}

	rec.Kind = ident.Kind(kind)
	rec.Data = data
	if rec.Meta, err = unmarshalMetadata(metaJSON); err != nil {
		return Record{}, false, fmt.Errorf("load record: %w", err)
	}
	return rec, true, nil
}

// listChildren returns direct children ordered by id.
// ORDER BY id COLLATE BINARY matches the byte order used for container hashes.
func listChildren(ctx context.Context, q queryer, p ident.Path) ([]Child, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, deleted
		FROM items
		WHERE parent = ?
		ORDER BY id COLLATE BINARY ASC
	`, p.String())
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	children := []Child{}
	for rows.Next() {
		var (
			id string
			c  Child
		)
		if err := rows.Scan(&id, &c.Deleted); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		c.ID = ident.SyncableID(id)
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return children, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (b *SQLiteBacking) verifyPragma(name, expected string) error {
	var value string
	if err := b.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
