package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/coachpo/paybridge/internal/domain/callbackstore"
)

const callbackInsertSQL = `
INSERT INTO callback_events (event_key, payload, received_at)
VALUES (@event_key, @payload::jsonb, NOW())
ON CONFLICT (event_key) DO NOTHING;
`

// InsertEvent relies on the event_key unique constraint: the first
// transaction to insert a key wins and every later one sees zero rows.
func (t *pgTx) InsertEvent(ctx context.Context, event callbackstore.Event) (bool, error) {
	key := strings.TrimSpace(event.EventKey)
	if key == "" {
		return false, fmt.Errorf("callback store: event key required")
	}
	payload, err := encodeJSON(event.Payload, false)
	if err != nil {
		return false, fmt.Errorf("callback store: %w", err)
	}
	tag, err := t.tx.Exec(ctx, callbackInsertSQL, pgx.NamedArgs{
		"event_key": key,
		"payload":   payload,
	})
	if err != nil {
		return false, fmt.Errorf("callback store: insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
