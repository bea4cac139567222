// Package auditstore defines the operator audit trail.
package auditstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry records one operator action.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Tx appends audit rows inside a unit of work.
type Tx interface {
	AppendAudit(ctx context.Context, entry Entry) error
}

// Reader lists recent audit rows, newest first.
type Reader interface {
	ListAudit(ctx context.Context, limit int) ([]Entry, error)
}
