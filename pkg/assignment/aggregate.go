// Package assignment owns the many-to-many order ↔ production manager
// assignment set and the legacy orders.assigned_to column that mirrors one
// member of it. No other package writes either.
//
// Synchronization runs inside the caller's transaction after Lock has taken
// a row lock on the order:
//
//	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
//	    agg, err := sync.Lock(ctx, tx, orderID)
//	    if err != nil {
//	        return err
//	    }
//	    result, err = sync.Sync(ctx, tx, agg, desired, nil, actor.UserID)
//	    return err
//	})
package assignment

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/orderdesk/pkg/models"
)

// ErrOrderNotFound is returned when the order row does not exist
var ErrOrderNotFound = errors.New("order not found")

// InvariantError reports a request that would break an assignment invariant.
// It is raised before anything is written.
type InvariantError struct {
	Reason         string
	CoordinatorIDs []int64
}

func (e *InvariantError) Error() string {
	if len(e.CoordinatorIDs) > 0 {
		return fmt.Sprintf("assignment invariant violated: %s %v", e.Reason, e.CoordinatorIDs)
	}
	return "assignment invariant violated: " + e.Reason
}

// IsInvariantError checks if an error is an InvariantError
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// Aggregate is the assignment state of one order: the coordinator set, the
// primary mirrored into orders.assigned_to and the order status the set
// drives. Only the set is exposed for reading.
type Aggregate struct {
	OrderID   int64
	OrderType string
	Status    models.OrderStatus

	members []int64
	primary *int64
	locked  bool
}

// Members returns the coordinator IDs in assignment order
func (a *Aggregate) Members() []int64 {
	out := make([]int64, len(a.members))
	copy(out, a.members)
	return out
}

// Contains reports whether id is assigned
func (a *Aggregate) Contains(id int64) bool {
	for _, m := range a.members {
		if m == id {
			return true
		}
	}
	return false
}

// Empty reports whether no coordinator is assigned
func (a *Aggregate) Empty() bool {
	return len(a.members) == 0
}

// plan is the pure outcome of reconciling desired against the current set
type plan struct {
	desired []int64
	added   []int64
	removed []int64
	primary *int64
	status  models.OrderStatus
}

func (p *plan) primaryChanged(old *int64) bool {
	switch {
	case p.primary == nil && old == nil:
		return false
	case p.primary == nil || old == nil:
		return true
	}
	return *p.primary != *old
}

// reconcile computes the set difference by coordinator ID. desired is
// deduplicated keeping first occurrence. primary, when given, must be a
// member of desired. Without one the current primary is kept while it stays
// assigned, and the first desired ID is used otherwise.
func (a *Aggregate) reconcile(desired []int64, primary *int64) (*plan, error) {
	seen := make(map[int64]bool, len(desired))
	p := &plan{desired: make([]int64, 0, len(desired))}
	var invalid []int64
	for _, id := range desired {
		if id <= 0 {
			invalid = append(invalid, id)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		p.desired = append(p.desired, id)
	}
	if len(invalid) > 0 {
		return nil, &InvariantError{Reason: "invalid coordinator ids", CoordinatorIDs: invalid}
	}

	if primary != nil {
		if !seen[*primary] {
			return nil, &InvariantError{Reason: "primary coordinator is not in the assignment set", CoordinatorIDs: []int64{*primary}}
		}
		id := *primary
		p.primary = &id
	} else if a.primary != nil && seen[*a.primary] {
		id := *a.primary
		p.primary = &id
	} else if len(p.desired) > 0 {
		id := p.desired[0]
		p.primary = &id
	}

	existing := make(map[int64]bool, len(a.members))
	for _, id := range a.members {
		existing[id] = true
		if !seen[id] {
			p.removed = append(p.removed, id)
		}
	}
	for _, id := range p.desired {
		if !existing[id] {
			p.added = append(p.added, id)
		}
	}

	p.status = a.Status
	switch {
	case len(p.desired) > 0 && a.Status == models.OrderStatusPending:
		p.status = models.OrderStatusAssigned
	case len(p.desired) == 0 && a.Status == models.OrderStatusAssigned:
		p.status = models.OrderStatusPending
	}
	return p, nil
}

// apply moves the aggregate to the planned state. Members keep their
// existing order with additions appended.
func (a *Aggregate) apply(p *plan) {
	removed := make(map[int64]bool, len(p.removed))
	for _, id := range p.removed {
		removed[id] = true
	}
	members := make([]int64, 0, len(p.desired))
	for _, id := range a.members {
		if !removed[id] {
			members = append(members, id)
		}
	}
	a.members = append(members, p.added...)
	a.primary = p.primary
	a.Status = p.status
}
