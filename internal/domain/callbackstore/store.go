// Package callbackstore defines the admission record for gateway notifications.
package callbackstore

import (
	"context"
	"time"
)

// Event is the first sighting of a distinct notification.
type Event struct {
	EventKey   string         `json:"eventKey"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Tx exposes the admission gate inside a unit of work.
type Tx interface {
	// InsertEvent records event unless its key is already present. It reports
	// false when the key collides.
	InsertEvent(ctx context.Context, event Event) (bool, error)
}
