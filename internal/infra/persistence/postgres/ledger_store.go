package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
)

const (
	userColumns = `
    id,
    available_balance::text,
    held_balance::text,
    created_at,
    updated_at`

	userEnsureSQL = `
INSERT INTO users (id, available_balance, held_balance, created_at, updated_at)
VALUES (@id, 0, 0, NOW(), NOW())
ON CONFLICT (id) DO NOTHING;
`

	userLockSQL = `
SELECT` + userColumns + `
FROM users
WHERE id = @id
FOR UPDATE;
`

	userGetSQL = `
SELECT` + userColumns + `
FROM users
WHERE id = @id;
`

	userSetBalancesSQL = `
UPDATE users
SET available_balance = @available::numeric,
    held_balance = @held::numeric,
    updated_at = NOW()
WHERE id = @id;
`

	entryInsertSQL = `
INSERT INTO ledger_entries (id, user_id, kind, amount, order_id, payout_id, note, created_at)
VALUES (@id, @user_id, @kind, @amount::numeric, @order_id, @payout_id, @note, NOW());
`

	entryExistsSQL = `
SELECT EXISTS (
    SELECT 1 FROM ledger_entries WHERE order_id = @order_id AND kind = @kind
);
`

	entryListSQL = `
SELECT id, user_id, kind, amount::text, order_id, payout_id, COALESCE(note, ''), created_at
FROM ledger_entries
WHERE user_id = @user_id
ORDER BY created_at DESC, id
LIMIT @limit;
`

	payoutColumns = `
    id,
    user_id,
    amount::text,
    network,
    address,
    status,
    COALESCE(admin_note, ''),
    COALESCE(txid, ''),
    created_at,
    updated_at`

	payoutInsertSQL = `
INSERT INTO payout_requests (user_id, amount, network, address, status, created_at, updated_at)
VALUES (@user_id, @amount::numeric, @network, @address, @status, NOW(), NOW())
RETURNING` + payoutColumns + `;
`

	payoutLockSQL = `
SELECT` + payoutColumns + `
FROM payout_requests
WHERE id = @id
FOR UPDATE;
`

	payoutUpdateSQL = `
UPDATE payout_requests
SET status = @status,
    admin_note = COALESCE(@admin_note, admin_note),
    txid = COALESCE(@txid, txid),
    updated_at = NOW()
WHERE id = @id;
`

	payoutSelectBase = `
SELECT` + payoutColumns + `
FROM payout_requests
`
)

func (t *pgTx) EnsureUser(ctx context.Context, userID int64) (ledgerstore.User, error) {
	if _, err := t.tx.Exec(ctx, userEnsureSQL, pgx.NamedArgs{"id": userID}); err != nil {
		return ledgerstore.User{}, fmt.Errorf("ledger store: ensure user: %w", err)
	}
	return getUser(ctx, t.tx, userGetSQL, userID)
}

func (t *pgTx) LockUser(ctx context.Context, userID int64) (ledgerstore.User, error) {
	return getUser(ctx, t.tx, userLockSQL, userID)
}

func (t *pgTx) SetBalances(ctx context.Context, userID int64, available, held decimal.Decimal) error {
	if available.IsNegative() || held.IsNegative() {
		return fmt.Errorf("ledger store: negative balance for user %d", userID)
	}
	tag, err := t.tx.Exec(ctx, userSetBalancesSQL, pgx.NamedArgs{
		"id":        userID,
		"available": numericArg(available),
		"held":      numericArg(held),
	})
	if err != nil {
		return fmt.Errorf("ledger store: set balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledgerstore.ErrUserNotFound
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, entry ledgerstore.Entry) error {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	args := pgx.NamedArgs{
		"id":        id,
		"user_id":   entry.UserID,
		"kind":      string(entry.Kind),
		"amount":    numericArg(entry.Amount),
		"order_id":  nullableInt64(entry.OrderID),
		"payout_id": nullableInt64(entry.PayoutID),
		"note":      nullableString(entry.Note),
	}
	if _, err := t.tx.Exec(ctx, entryInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger store: duplicate %s entry: %w", entry.Kind, err)
		}
		return fmt.Errorf("ledger store: append entry: %w", err)
	}
	return nil
}

func (t *pgTx) HasOrderEntry(ctx context.Context, orderID int64, kind ledgerstore.EntryKind) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, entryExistsSQL, pgx.NamedArgs{
		"order_id": orderID,
		"kind":     string(kind),
	}).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger store: check order entry: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreatePayout(ctx context.Context, payout ledgerstore.Payout) (ledgerstore.Payout, error) {
	status := payout.Status
	if status == "" {
		status = ledgerstore.PayoutPending
	}
	created, err := scanPayout(t.tx.QueryRow(ctx, payoutInsertSQL, pgx.NamedArgs{
		"user_id": payout.UserID,
		"amount":  numericArg(payout.Amount),
		"network": string(payout.Network),
		"address": strings.TrimSpace(payout.Address),
		"status":  string(status),
	}))
	if err != nil {
		return ledgerstore.Payout{}, fmt.Errorf("ledger store: insert payout: %w", err)
	}
	return created, nil
}

func (t *pgTx) LockPayout(ctx context.Context, payoutID int64) (ledgerstore.Payout, error) {
	payout, err := scanPayout(t.tx.QueryRow(ctx, payoutLockSQL, pgx.NamedArgs{"id": payoutID}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.Payout{}, ledgerstore.ErrPayoutNotFound
		}
		return ledgerstore.Payout{}, fmt.Errorf("ledger store: lock payout: %w", err)
	}
	return payout, nil
}

func (t *pgTx) UpdatePayout(ctx context.Context, update ledgerstore.PayoutUpdate) error {
	tag, err := t.tx.Exec(ctx, payoutUpdateSQL, pgx.NamedArgs{
		"id":         update.ID,
		"status":     string(update.Status),
		"admin_note": nullableString(update.AdminNote),
		"txid":       nullableString(update.TxID),
	})
	if err != nil {
		return fmt.Errorf("ledger store: update payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledgerstore.ErrPayoutNotFound
	}
	return nil
}

// GetUser returns the user's balances.
func (s *Store) GetUser(ctx context.Context, userID int64) (ledgerstore.User, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ledgerstore.User{}, err
	}
	return getUser(ctx, pool, userGetSQL, userID)
}

// ListPayouts returns matching payouts, newest first.
func (s *Store) ListPayouts(ctx context.Context, query ledgerstore.PayoutQuery) ([]ledgerstore.Payout, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultListLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(payoutSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1
	if query.UserID != 0 {
		fmt.Fprintf(&builder, " AND user_id = $%d", argPos)
		args = append(args, query.UserID)
		argPos++
	}
	if status := strings.TrimSpace(string(query.Status)); status != "" {
		fmt.Fprintf(&builder, " AND status = $%d", argPos)
		args = append(args, status)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list payouts: %w", err)
	}
	defer rows.Close()

	payouts := make([]ledgerstore.Payout, 0)
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger store: scan payout: %w", err)
		}
		payouts = append(payouts, payout)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate payouts: %w", err)
	}
	return payouts, nil
}

// ListEntries returns the user's ledger entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID int64, limit int) ([]ledgerstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, entryListSQL, pgx.NamedArgs{
		"user_id": userID,
		"limit":   clampLimit(limit, defaultListLimit, maxListLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger store: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ledgerstore.Entry, 0)
	for rows.Next() {
		var (
			entry     ledgerstore.Entry
			kind      string
			amount    string
			createdAt time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &kind, &amount, &entry.OrderID, &entry.PayoutID, &entry.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger store: scan entry: %w", err)
		}
		if entry.Amount, err = decimalFromText(amount); err != nil {
			return nil, fmt.Errorf("ledger store: %w", err)
		}
		entry.Kind = ledgerstore.EntryKind(kind)
		entry.CreatedAt = createdAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate entries: %w", err)
	}
	return entries, nil
}

func getUser(ctx context.Context, q querier, query string, userID int64) (ledgerstore.User, error) {
	var (
		user      ledgerstore.User
		available string
		held      string
	)
	err := q.QueryRow(ctx, query, pgx.NamedArgs{"id": userID}).
		Scan(&user.ID, &available, &held, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.User{}, ledgerstore.ErrUserNotFound
		}
		return ledgerstore.User{}, fmt.Errorf("ledger store: load user: %w", err)
	}
	if user.Available, err = decimalFromText(available); err != nil {
		return ledgerstore.User{}, fmt.Errorf("ledger store: %w", err)
	}
	if user.Held, err = decimalFromText(held); err != nil {
		return ledgerstore.User{}, fmt.Errorf("ledger store: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func scanPayout(row pgx.Row) (ledgerstore.Payout, error) {
	var (
		payout  ledgerstore.Payout
		amount  string
		network string
		status  string
	)
	if err := row.Scan(
		&payout.ID,
		&payout.UserID,
		&amount,
		&network,
		&payout.Address,
		&status,
		&payout.AdminNote,
		&payout.TxID,
		&payout.CreatedAt,
		&payout.UpdatedAt,
	); err != nil {
		return ledgerstore.Payout{}, err
	}
	value, err := decimalFromText(amount)
	if err != nil {
		return ledgerstore.Payout{}, err
	}
	payout.Amount = value
	payout.Network = ledgerstore.Network(network)
	payout.Status = ledgerstore.PayoutStatus(status)
	payout.CreatedAt = payout.CreatedAt.UTC()
	payout.UpdatedAt = payout.UpdatedAt.UTC()
	return payout, nil
}
