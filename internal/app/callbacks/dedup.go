// Package callbacks admits gateway notifications once and applies their effect.
package callbacks

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/paybridge/internal/domain/callbackstore"
	"github.com/coachpo/paybridge/internal/domain/fields"
	"github.com/coachpo/paybridge/internal/domain/uow"
)

// EventKey identifies a distinct notification. Deliveries that repeat the
// same merchant order, provider order and state share a key.
func EventKey(merchantOrderNo, providerOrderNo, state string) string {
	return strings.TrimSpace(merchantOrderNo) + ":" + strings.TrimSpace(providerOrderNo) + ":" + strings.TrimSpace(state)
}

// Deduplicator is the admission gate in front of every notification effect.
type Deduplicator struct {
	store uow.Store
	clock func() time.Time
}

// NewDeduplicator returns a gate backed by store.
func NewDeduplicator(store uow.Store) *Deduplicator {
	return &Deduplicator{store: store, clock: time.Now}
}

// Admit records key in its own unit of work and reports whether this is the
// first sighting.
func (d *Deduplicator) Admit(ctx context.Context, key string, payload map[string]any) (bool, error) {
	var admitted bool
	err := d.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		admitted, err = d.AdmitTx(ctx, tx, key, payload)
		return err
	})
	return admitted, err
}

// AdmitTx records key inside the caller's unit of work. A false result means
// the notification was already admitted and nothing else may be done with it.
func (d *Deduplicator) AdmitTx(ctx context.Context, tx callbackstore.Tx, key string, payload map[string]any) (bool, error) {
	return tx.InsertEvent(ctx, callbackstore.Event{
		EventKey:   key,
		Payload:    fields.Clone(payload),
		ReceivedAt: d.clock().UTC(),
	})
}
