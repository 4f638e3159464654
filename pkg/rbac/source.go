package rbac

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

// PermissionSource answers role-level questions. found is false when the
// source has no opinion, in which case the next source in the chain is asked.
// An error also passes the question on.
type PermissionSource interface {
	Name() string
	Lookup(ctx context.Context, role models.Role, resource Resource, action Action) (allowed, found bool, err error)
	OrderTypes(ctx context.Context, role models.Role) (types []string, found bool, err error)
}

// MatrixReader loads the configured role permission matrix.
// *sysconfig.Store implements it.
type MatrixReader interface {
	RolePermissions(ctx context.Context) (sysconfig.RoleMatrix, error)
}

const matrixCacheKey = "role_matrix"

// ConfigSource answers from the admin-configured role matrix. The normalized
// matrix is cached for the configured TTL and dropped by Invalidate.
type ConfigSource struct {
	reader  MatrixReader
	cache   *expirable.LRU[string, map[models.Role]grants]
	gen     atomic.Uint64
	metrics *observability.Metrics
}

// NewConfigSource creates a cached config-backed source
func NewConfigSource(reader MatrixReader, ttl time.Duration, metrics *observability.Metrics) *ConfigSource {
	return &ConfigSource{
		reader:  reader,
		cache:   expirable.NewLRU[string, map[models.Role]grants](1, nil, ttl),
		metrics: metrics,
	}
}

func (s *ConfigSource) Name() string { return SourceConfig }

func (s *ConfigSource) Lookup(ctx context.Context, role models.Role, resource Resource, action Action) (bool, bool, error) {
	m, err := s.matrix(ctx)
	if err != nil {
		return false, false, err
	}
	v, ok := m[role].flag(resource, action)
	return v, ok, nil
}

func (s *ConfigSource) OrderTypes(ctx context.Context, role models.Role) ([]string, bool, error) {
	m, err := s.matrix(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[role].list(ResourceOrders, ActionAllowedOrderTypes)
	return v, ok, nil
}

// Invalidate drops the cached matrix. A load already in flight will not
// repopulate the cache.
func (s *ConfigSource) Invalidate() {
	s.gen.Add(1)
	s.cache.Purge()
}

func (s *ConfigSource) matrix(ctx context.Context) (map[models.Role]grants, error) {
	if m, ok := s.cache.Get(matrixCacheKey); ok {
		s.metrics.RecordCacheLookup(matrixCacheKey, true)
		return m, nil
	}
	s.metrics.RecordCacheLookup(matrixCacheKey, false)

	gen := s.gen.Load()
	raw, err := s.reader.RolePermissions(ctx)
	if err != nil && !errors.Is(err, sysconfig.ErrConfigNotFound) {
		return nil, err
	}

	m := make(map[models.Role]grants, len(raw))
	for role, doc := range raw {
		m[models.Role(role)] = normalizeGrants(doc)
	}
	if s.gen.Load() == gen {
		s.cache.Add(matrixCacheKey, m)
	}
	return m, nil
}
