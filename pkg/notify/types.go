package notify

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies a notification
type Type string

const (
	TypeOrderCreated       Type = "order_created"
	TypeOrderAssigned      Type = "order_assigned"
	TypeOrderUnassigned    Type = "order_unassigned"
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeOrderTracking      Type = "order_tracking_added"
	TypeOrderNote          Type = "order_note"
	TypeOrderReminder      Type = "order_reminder"
	TypeOrderDeleted       Type = "order_deleted"
)

// RelatedOrder is the related_type of order notifications
const RelatedOrder = "order"

// ErrNotFoundOrNotOwned is returned when a notification does not exist or
// belongs to someone else. The two cases are deliberately indistinguishable.
var ErrNotFoundOrNotOwned = errors.New("notification not found or no permission")

// Event is one logical occurrence to fan out
type Event struct {
	Type        Type
	Title       string
	Content     string
	RelatedID   *int64
	RelatedType string
}

// OrderEvent builds an Event related to an order
func OrderEvent(t Type, orderID int64, title, content string) Event {
	return Event{Type: t, Title: title, Content: content, RelatedID: &orderID, RelatedType: RelatedOrder}
}

// Notification is one recipient's copy of an event
type Notification struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Type        Type       `json:"type"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	RelatedID   *int64     `json:"related_id,omitempty"`
	RelatedType string     `json:"related_type,omitempty"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Summary is the part of a notification that is broadcast. Content is never
// included because every connected client receives every broadcast.
type Summary struct {
	ID          int64  `json:"id"`
	RecipientID int64  `json:"recipient_id"`
	Type        Type   `json:"type"`
	Title       string `json:"title"`
	RelatedID   *int64 `json:"related_id,omitempty"`
	RelatedType string `json:"related_type,omitempty"`
}

// Summary returns the broadcastable view of n
func (n *Notification) Summary() Summary {
	return Summary{
		ID:          n.ID,
		RecipientID: n.UserID,
		Type:        n.Type,
		Title:       n.Title,
		RelatedID:   n.RelatedID,
		RelatedType: n.RelatedType,
	}
}

// ThrottledError rejects a reminder sent before the minimum interval has
// passed since the company's previous reminder on the same order
type ThrottledError struct {
	IntervalHours    int           `json:"interval_hours"`
	LastReminderAt   time.Time     `json:"last_reminder_time"`
	NextReminderTime time.Time     `json:"next_reminder_time"`
	RetryAfter       time.Duration `json:"-"`
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("reminder already sent within the last %d hours, next reminder allowed at %s",
		e.IntervalHours, e.NextReminderTime.Format(time.RFC3339))
}

// IsThrottled checks if an error is a ThrottledError
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}
