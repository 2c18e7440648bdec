package engine

import (
	"context"
	"time"

	"github.com/mesh-intelligence/metafield/internal/cachemanager"
	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

type fieldKey string

// Registry resolves field definitions. Definitions change only through
// administrative imports, so lookups are served from a read-through cache.
// Entries stay cached while they are read at least once per ttl.
type Registry struct {
	repo  types.FieldRepository
	cache *cachemanager.ReadThroughCache[fieldKey, *types.FieldDefinition, string]
	ttl   time.Duration
}

// NewRegistry creates a registry over repo. A ttl of zero uses the cache
// default; a negative ttl disables caching.
func NewRegistry(repo types.FieldRepository, ttl time.Duration) *Registry {
	r := &Registry{repo: repo, ttl: ttl}
	manager := cachemanager.NewInMemoryCacheManager[fieldKey, *types.FieldDefinition](
		"fields", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	r.cache = cachemanager.NewReadThroughCache[fieldKey, *types.FieldDefinition, string](
		manager, r.load, cachemanager.ReadThroughOptions{Bypass: ttl < 0, Sliding: true})
	return r
}

func (r *Registry) load(ctx context.Context, fieldID string) (*types.FieldDefinition, error) {
	return r.repo.Get(ctx, fieldID)
}

// Definition returns the definition of fieldID or a *types.NotFoundError.
func (r *Registry) Definition(ctx context.Context, fieldID string) (*types.FieldDefinition, error) {
	return r.cache.Get(ctx, fieldKey(fieldID), fieldID, r.ttl)
}

// Definitions lists definitions in insertion order. Listing always reads
// the store.
func (r *Registry) Definitions(ctx context.Context, filter types.FieldFilter) ([]*types.FieldDefinition, error) {
	return r.repo.List(ctx, filter)
}

// Save stores a definition and evicts its cached copy.
func (r *Registry) Save(ctx context.Context, def *types.FieldDefinition) error {
	if err := r.repo.Save(ctx, def); err != nil {
		return err
	}
	if err := r.cache.Forget(ctx, fieldKey(def.FieldID)); err != nil {
		log.ErrorErr(log.CatCache, "Evicting field failed", err, "field", def.FieldID)
	}
	return nil
}
