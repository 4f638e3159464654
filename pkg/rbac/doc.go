// Package rbac resolves what an actor may see or change.
//
// # Resolution
//
// A check names a resource and an action. The first definitive answer wins:
//
//  1. admin always passes; customer_service passes on the resources it is
//     aliased to (orders, activities, notifications)
//  2. the acting user's permission_overrides[resource][action]
//  3. the role matrix stored in the config store under "role_permissions"
//  4. DefaultPermissions
//
// Tiers 3 and 4 are PermissionSource implementations chained in that order.
// Stored values may be booleans, 0/1 or "true"/"false"; NormalizeBool is the
// one place they are interpreted.
//
//	resolver := rbac.NewResolver(configStore, userStore, bus, rbac.Options{CacheTTL: time.Minute})
//	if err := resolver.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionAssign); err != nil {
//	    return err // *rbac.DeniedError
//	}
//
// # Order type scope
//
// Production managers are scoped to order types. ResolveOrderTypeScope
// returns the override list, else the user's assigned list, else the role
// allow-list. An empty result means every order type.
//
// # Caching
//
// The role matrix and per-user entries are cached in expiring LRUs and
// dropped when events.TopicConfigChanged or events.TopicUserPermissionsChanged
// arrive on the bus. The TTL bounds staleness when an event is missed.
//
// # Failure
//
// Lookup errors are logged and skipped. A role outside the known set is
// denied everything and its visibility predicate is "1 = 0".
package rbac
