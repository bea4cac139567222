package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coachpo/paybridge/internal/domain/auditstore"
)

const (
	auditInsertSQL = `
INSERT INTO audit_logs (id, actor, action, target, detail, created_at)
VALUES (@id, @actor, @action, @target, @detail::jsonb, NOW());
`

	auditListSQL = `
SELECT id, actor, action, target, detail, created_at
FROM audit_logs
ORDER BY created_at DESC, id
LIMIT @limit;
`
)

func (t *pgTx) AppendAudit(ctx context.Context, entry auditstore.Entry) error {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	detail, err := encodeJSON(entry.Detail, false)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	if _, err := t.tx.Exec(ctx, auditInsertSQL, pgx.NamedArgs{
		"id":     id,
		"actor":  strings.TrimSpace(entry.Actor),
		"action": strings.TrimSpace(entry.Action),
		"target": strings.TrimSpace(entry.Target),
		"detail": detail,
	}); err != nil {
		return fmt.Errorf("audit store: append: %w", err)
	}
	return nil
}

// ListAudit returns audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]auditstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, auditListSQL, pgx.NamedArgs{
		"limit": clampLimit(limit, defaultListLimit, maxListLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: list: %w", err)
	}
	defer rows.Close()

	entries := make([]auditstore.Entry, 0)
	for rows.Next() {
		var (
			entry  auditstore.Entry
			detail []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Target, &detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit store: scan: %w", err)
		}
		if entry.Detail, err = decodeJSON(detail); err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate: %w", err)
	}
	return entries, nil
}
