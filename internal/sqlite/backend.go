// Package sqlite implements the SQLite storage backend for metafield.
//
// All entities live in one database file. Schema changes are applied with
// golang-migrate from embedded migrations on Attach. Writers use IMMEDIATE
// transactions with a busy timeout so concurrent writers queue on the
// database lock instead of failing.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// DBFileName is the database file created inside Config.DataDir.
const DBFileName = "metafield.db"

var _ types.Store = (*Backend)(nil)

// Backend implements types.Store on a SQLite database.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend() *Backend {
	return &Backend{}
}

// Attach opens the database in config.DataDir, creating the directory if
// needed, and migrates the schema to the latest version.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite", dsn(dbPath, config.GetBusyTimeout()))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("opening database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.config = config
	b.attached = true
	log.Info(log.CatDB, "Attached", "path", dbPath)
	return nil
}

// Detach closes the database. After Detach, all operations return
// ErrDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.attached = false
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	log.Debug(log.CatDB, "Detached")
	return nil
}

// SchemaVersion returns the applied migration version.
func (b *Backend) SchemaVersion() (uint, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return 0, false, types.ErrDetached
	}
	return schemaVersion(b.db)
}

// Atomic runs fn in one IMMEDIATE transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (b *Backend) Atomic(ctx context.Context, fn func(types.Repositories) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(repos{conn: func() (querier, error) { return tx, nil }}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (b *Backend) Fields() types.FieldRepository          { return b.repos().Fields() }
func (b *Backend) Values() types.ValueRepository          { return b.repos().Values() }
func (b *Backend) Changes() types.ChangeRepository        { return b.repos().Changes() }
func (b *Backend) Compliance() types.ComplianceRepository { return b.repos().Compliance() }
func (b *Backend) Audit() types.AuditRepository           { return b.repos().Audit() }

// repos returns repositories that resolve the connection on every call, so
// that a repository obtained before Detach fails cleanly afterwards.
func (b *Backend) repos() repos {
	return repos{conn: b.conn}
}

func (b *Backend) conn() (querier, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}
	return b.db, nil
}

// querier is the subset of *sql.DB and *sql.Tx the tables use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type connFunc func() (querier, error)

// repos binds the table accessors to one connection or transaction.
type repos struct {
	conn connFunc
}

func (r repos) Fields() types.FieldRepository          { return &fieldsTable{conn: r.conn} }
func (r repos) Values() types.ValueRepository          { return &valuesTable{conn: r.conn} }
func (r repos) Changes() types.ChangeRepository        { return &changesTable{conn: r.conn} }
func (r repos) Compliance() types.ComplianceRepository { return &complianceTable{conn: r.conn} }
func (r repos) Audit() types.AuditRepository           { return &auditTable{conn: r.conn} }

// dsn builds the modernc.org/sqlite connection string.
func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// generateUUID generates a new UUID v7 for entity IDs.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}

// NewID returns a new time-ordered entity ID.
func NewID() string {
	return generateUUID()
}
