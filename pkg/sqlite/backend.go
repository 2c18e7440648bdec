// Package sqlite exposes the SQLite store to programs embedding the engine
// while keeping the table implementations internal.
package sqlite

import (
	"github.com/mesh-intelligence/metafield/internal/sqlite"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Backend is the SQLite implementation of types.Store.
type Backend = sqlite.Backend

// NewBackend creates a detached backend. Call Attach before use.
func NewBackend() *Backend {
	return sqlite.NewBackend()
}

// Open creates a backend and attaches it with cfg. A zero Backend name
// selects SQLite.
//
//	store, err := sqlite.Open(types.Config{DataDir: "/var/lib/metafield"})
//	if err != nil {
//		return err
//	}
//	defer store.Detach()
func Open(cfg types.Config) (*Backend, error) {
	if cfg.Backend == "" {
		cfg.Backend = types.BackendSQLite
	}
	b := sqlite.NewBackend()
	if err := b.Attach(cfg); err != nil {
		return nil, err
	}
	return b, nil
}
