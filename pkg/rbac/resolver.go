package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/orderdesk/pkg/events"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

// UserReader loads a user with its overrides. *users.Store implements it.
type UserReader interface {
	Get(ctx context.Context, id int64) (*models.User, error)
}

// Options configures a Resolver
type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// userGrants is the cached, normalized view of one user
type userGrants struct {
	user      *models.User
	overrides grants
}

// Resolver computes effective permissions. Resolution order, first
// definitive answer wins:
//
//  1. admin, or customer_service on an aliased resource: allowed
//  2. the acting user's own override
//  3. the configured role matrix
//  4. DefaultPermissions
//
// Lookup errors never fail a check; they fall through to the next tier.
type Resolver struct {
	sources []PermissionSource
	config  *ConfigSource
	users   UserReader

	userCache *expirable.LRU[int64, *userGrants]
	userGen   atomic.Uint64

	logger      *observability.Logger
	metrics     *observability.Metrics
	unsubscribe []func()
}

// NewResolver creates a resolver over the config matrix and user directory.
// When bus is non-nil the caches are invalidated on config and user changes.
func NewResolver(matrix MatrixReader, users UserReader, bus events.Bus, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}

	config := NewConfigSource(matrix, opts.CacheTTL, opts.Metrics)
	r := &Resolver{
		sources:   []PermissionSource{config, DefaultSource{}},
		config:    config,
		users:     users,
		userCache: expirable.NewLRU[int64, *userGrants](opts.CacheSize, nil, opts.CacheTTL),
		logger:    opts.Logger.WithField("component", "rbac"),
		metrics:   opts.Metrics,
	}

	if bus != nil {
		r.unsubscribe = append(r.unsubscribe,
			bus.Subscribe(events.TopicConfigChanged, r.onConfigChanged),
			bus.Subscribe(events.TopicUserPermissionsChanged, r.onUserChanged),
		)
	}
	return r
}

// Close detaches the resolver from the event bus
func (r *Resolver) Close() {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.unsubscribe = nil
}

func (r *Resolver) onConfigChanged(_ context.Context, e events.Event) {
	if e.Key == "" || e.Key == sysconfig.KeyRolePermissions {
		r.config.Invalidate()
	}
}

func (r *Resolver) onUserChanged(_ context.Context, e events.Event) {
	r.userGen.Add(1)
	id, err := strconv.ParseInt(e.Key, 10, 64)
	if err != nil {
		r.userCache.Purge()
		return
	}
	r.userCache.Remove(id)
}

// Invalidate drops every cached entry
func (r *Resolver) Invalidate() {
	r.config.Invalidate()
	r.userGen.Add(1)
	r.userCache.Purge()
}

func isAdminFor(role models.Role, resource Resource) bool {
	return role == models.RoleAdmin || adminAliases[role][resource]
}

// Resolve answers a role-level question, ignoring per-user overrides
func (r *Resolver) Resolve(ctx context.Context, role models.Role, resource Resource, action Action) bool {
	allowed, source, _ := r.resolveRole(ctx, role, resource, action)
	r.metrics.RecordPermissionCheck(source, allowed)
	return allowed
}

func (r *Resolver) resolveRole(ctx context.Context, role models.Role, resource Resource, action Action) (bool, string, bool) {
	if !role.Valid() {
		return false, SourceNone, true
	}
	if isAdminFor(role, resource) {
		return true, SourceAdmin, true
	}

	for _, source := range r.sources {
		allowed, found, err := source.Lookup(ctx, role, resource, action)
		if err != nil {
			r.metrics.RecordPermissionFallback()
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"source":   source.Name(),
				"role":     role,
				"resource": resource,
				"action":   action,
			}).Warn("Permission source failed, falling back")
			continue
		}
		if found {
			return allowed, source.Name(), true
		}
	}
	return false, SourceNone, false
}

// Allowed reports whether actor may perform action on resource
func (r *Resolver) Allowed(ctx context.Context, actor models.Actor, resource Resource, action Action) bool {
	allowed, source, _ := r.decide(ctx, actor, resource, action)
	r.metrics.RecordPermissionCheck(source, allowed)
	return allowed
}

// Require returns a DeniedError unless actor may perform action on resource.
// An actor whose role is not recognised gets ErrUnknownRole.
func (r *Resolver) Require(ctx context.Context, actor models.Actor, resource Resource, action Action) error {
	if !actor.Role.Valid() {
		r.metrics.RecordPermissionCheck(SourceNone, false)
		return fmt.Errorf("%w: %q", ErrUnknownRole, actor.Role)
	}
	if r.Allowed(ctx, actor, resource, action) {
		return nil
	}
	return newDenied(resource, action, nil)
}

// CheckFields verifies that actor may edit each of fields. A field with no
// explicit rule anywhere follows the resource's edit permission. The
// returned DeniedError lists every disallowed field.
func (r *Resolver) CheckFields(ctx context.Context, actor models.Actor, resource Resource, fields []string) error {
	var denied []string
	for _, field := range fields {
		allowed, _, found := r.decide(ctx, actor, resource, FieldAction(field))
		if !found {
			allowed, _, _ = r.decide(ctx, actor, resource, ActionEdit)
		}
		if !allowed {
			denied = append(denied, field)
		}
	}
	if len(denied) > 0 {
		r.metrics.RecordPermissionCheck(SourceNone, false)
		return newDenied(resource, ActionEdit, denied)
	}
	return nil
}

func (r *Resolver) decide(ctx context.Context, actor models.Actor, resource Resource, action Action) (bool, string, bool) {
	if !actor.Role.Valid() {
		return false, SourceNone, true
	}
	if isAdminFor(actor.Role, resource) {
		return true, SourceAdmin, true
	}

	if actor.UserID > 0 {
		ug, err := r.userEntry(ctx, actor.UserID)
		switch {
		case err != nil:
			r.metrics.RecordPermissionFallback()
			r.logger.WithError(err).WithField("user_id", actor.UserID).Warn("User override lookup failed, using role permissions")
		case !ug.user.IsActive:
			return false, SourceNone, true
		default:
			if v, ok := ug.overrides.flag(resource, action); ok {
				return v, SourceOverride, true
			}
		}
	}

	return r.resolveRole(ctx, actor.Role, resource, action)
}

func (r *Resolver) userEntry(ctx context.Context, userID int64) (*userGrants, error) {
	if ug, ok := r.userCache.Get(userID); ok {
		r.metrics.RecordCacheLookup("user", true)
		return ug, nil
	}
	r.metrics.RecordCacheLookup("user", false)

	gen := r.userGen.Load()
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	ug := &userGrants{user: u, overrides: normalizeGrants(u.PermissionOverrides)}
	if r.userGen.Load() == gen {
		r.userCache.Add(userID, ug)
	}
	return ug, nil
}
