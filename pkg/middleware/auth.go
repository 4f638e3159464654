package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/orderdesk/pkg/contextkeys"
	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/users"
)

// Headers set by the upstream auth gateway
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// UserLookup loads the user behind an actor header. *users.Store implements it.
type UserLookup interface {
	Get(ctx context.Context, id int64) (*models.User, error)
}

// ActorMiddleware turns the gateway's identity headers into a models.Actor
// on the request context
type ActorMiddleware struct {
	users    UserLookup
	optional bool // If true, requests without headers pass through anonymously
	logger   *observability.Logger
}

// NewActorMiddleware creates the actor middleware. When users is non-nil the
// role is taken from the directory and inactive users are rejected;
// otherwise the role header is trusted as sent.
func NewActorMiddleware(users UserLookup, optional bool, logger *observability.Logger) *ActorMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ActorMiddleware{
		users:    users,
		optional: optional,
		logger:   logger.WithField("component", "actor_middleware"),
	}
}

// Handler wraps an HTTP handler with actor resolution
func (m *ActorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if rawID == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing actor")
			return
		}

		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			httputil.WriteUnauthorized(w, "invalid actor id")
			return
		}

		actor, err := m.resolve(r.Context(), id, models.Role(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
		if err != nil {
			if !errors.Is(err, errUnknownActor) {
				m.logger.WithError(err).WithField("user_id", id).Error("Failed to resolve actor")
				httputil.WriteInternalError(w)
				return
			}
			httputil.WriteUnauthorized(w, "unknown or inactive actor")
			return
		}

		ctx := contextkeys.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var errUnknownActor = errors.New("unknown actor")

func (m *ActorMiddleware) resolve(ctx context.Context, id int64, role models.Role) (models.Actor, error) {
	if m.users == nil {
		if !role.Valid() {
			return models.Actor{}, errUnknownActor
		}
		return models.Actor{UserID: id, Role: role}, nil
	}

	u, err := m.users.Get(ctx, id)
	if errors.Is(err, users.ErrUserNotFound) {
		return models.Actor{}, errUnknownActor
	}
	if err != nil {
		return models.Actor{}, err
	}
	if !u.IsActive || !u.Role.Valid() {
		return models.Actor{}, errUnknownActor
	}
	if role != "" && role != u.Role {
		m.logger.WithFields(map[string]interface{}{
			"user_id":     id,
			"header_role": role,
			"role":        u.Role,
		}).Warn("Actor role header disagrees with directory, using directory role")
	}
	return u.Actor(), nil
}

// GetActor extracts the actor from the request
func GetActor(r *http.Request) (models.Actor, bool) {
	return contextkeys.GetActor(r.Context())
}

// RequireActor rejects requests that reached it without an actor
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetActor(r); !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole creates middleware that admits only the given roles
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActor(r)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteErrorMessage(w, http.StatusForbidden, "insufficient role")
		})
	}
}
