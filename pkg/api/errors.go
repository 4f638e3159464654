package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/platinummonkey/orderdesk/pkg/assignment"
	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/orders"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
	"github.com/platinummonkey/orderdesk/pkg/users"
)

// Error codes returned in ErrorResponse.Code
const (
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeThrottled        = "reminder_throttled"
	CodeInvariant        = "assignment_invalid"
	CodeValidation       = "validation_failed"
)

// writeError maps a service error to its HTTP response. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		denied    *rbac.DeniedError
		throttled *notify.ThrottledError
		invariant *assignment.InvariantError
		invalid   *orders.ValidationError
		badConfig *sysconfig.ValidationError
	)

	switch {
	case errors.As(err, &denied):
		details := map[string]interface{}{"permission": denied.Permission.String()}
		if len(denied.Fields) > 0 {
			details["fields"] = denied.Fields
		}
		httputil.WriteDetailedError(w, http.StatusForbidden, CodePermissionDenied, err.Error(), details)

	case errors.As(err, &throttled):
		retryAfter := int(math.Ceil(throttled.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
		httputil.WriteDetailedError(w, http.StatusTooManyRequests, CodeThrottled, err.Error(), map[string]interface{}{
			"interval_hours":     throttled.IntervalHours,
			"last_reminder_time": throttled.LastReminderAt,
			"next_reminder_time": throttled.NextReminderTime,
		})

	case errors.As(err, &invariant):
		details := map[string]interface{}{"reason": invariant.Reason}
		if len(invariant.CoordinatorIDs) > 0 {
			details["coordinator_ids"] = invariant.CoordinatorIDs
		}
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, CodeInvariant, err.Error(), details)

	case errors.As(err, &invalid):
		httputil.WriteDetailedError(w, http.StatusBadRequest, CodeValidation, err.Error(),
			map[string]interface{}{"field": invalid.Field})

	case errors.As(err, &badConfig):
		httputil.WriteDetailedError(w, http.StatusBadRequest, CodeValidation, err.Error(),
			map[string]interface{}{"config_key": badConfig.Key})

	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, notify.ErrNotFoundOrNotOwned),
		errors.Is(err, sysconfig.ErrConfigNotFound),
		errors.Is(err, sysconfig.ErrVersionNotFound),
		errors.Is(err, users.ErrUserNotFound):
		httputil.WriteDetailedError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)

	case errors.Is(err, users.ErrInvalidRole):
		httputil.WriteDetailedError(w, http.StatusBadRequest, CodeValidation, err.Error(),
			map[string]interface{}{"field": "role"})

	case errors.Is(err, rbac.ErrUnknownRole):
		httputil.WriteErrorMessage(w, http.StatusForbidden, err.Error())

	default:
		observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
