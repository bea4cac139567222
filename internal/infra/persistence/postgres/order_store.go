package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coachpo/paybridge/internal/domain/orderstore"
)

const (
	orderColumns = `
    id,
    merchant_order_no,
    COALESCE(provider_order_no, ''),
    user_id,
    way_code,
    package_label,
    amount_minor,
    fee_percent::text,
    final_amount_minor,
    currency,
    status,
    COALESCE(cashier_url, ''),
    COALESCE(failure_reason, ''),
    raw_create,
    raw_notify,
    created_at,
    updated_at`

	orderInsertSQL = `
INSERT INTO orders (
    merchant_order_no,
    provider_order_no,
    user_id,
    way_code,
    package_label,
    amount_minor,
    fee_percent,
    final_amount_minor,
    currency,
    status,
    cashier_url,
    failure_reason,
    raw_create,
    created_at,
    updated_at
)
VALUES (
    @merchant_order_no,
    @provider_order_no,
    @user_id,
    @way_code,
    @package_label,
    @amount_minor,
    @fee_percent::numeric,
    @final_amount_minor,
    @currency,
    @status,
    @cashier_url,
    @failure_reason,
    @raw_create::jsonb,
    NOW(),
    NOW()
)
RETURNING` + orderColumns + `;
`

	orderLockSQL = `
SELECT` + orderColumns + `
FROM orders
WHERE merchant_order_no = @merchant_order_no
FOR UPDATE;
`

	orderUpdateSQL = `
UPDATE orders
SET status = COALESCE(@status, status),
    provider_order_no = COALESCE(@provider_order_no, provider_order_no),
    cashier_url = COALESCE(@cashier_url, cashier_url),
    failure_reason = COALESCE(@failure_reason, failure_reason),
    raw_create = COALESCE(@raw_create::jsonb, raw_create),
    raw_notify = COALESCE(@raw_notify::jsonb, raw_notify),
    updated_at = NOW()
WHERE id = @id;
`

	orderFindSQL = `
SELECT` + orderColumns + `
FROM orders
WHERE merchant_order_no = @ref OR provider_order_no = @ref
ORDER BY (merchant_order_no = @ref) DESC, id DESC
LIMIT 1;
`

	orderSelectBase = `
SELECT` + orderColumns + `
FROM orders
`
)

func (t *pgTx) CreateOrder(ctx context.Context, order orderstore.Order) (orderstore.Order, error) {
	mch := strings.TrimSpace(order.MerchantOrderNo)
	if mch == "" {
		return orderstore.Order{}, fmt.Errorf("order store: merchant order number required")
	}
	status := order.Status
	if status == "" {
		status = orderstore.StatusCreated
	}
	rawCreate, err := encodeJSON(order.RawCreate, true)
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: %w", err)
	}
	args := pgx.NamedArgs{
		"merchant_order_no":  mch,
		"provider_order_no":  nullableString(order.ProviderOrderNo),
		"user_id":            order.UserID,
		"way_code":           strings.TrimSpace(order.WayCode),
		"package_label":      strings.TrimSpace(order.PackageLabel),
		"amount_minor":       order.AmountMinor,
		"fee_percent":        numericArg(order.FeePercent),
		"final_amount_minor": order.FinalAmountMinor,
		"currency":           strings.TrimSpace(order.Currency),
		"status":             string(status),
		"cashier_url":        nullableString(order.CashierURL),
		"failure_reason":     nullableString(order.FailureReason),
		"raw_create":         rawCreate,
	}
	created, err := scanOrder(t.tx.QueryRow(ctx, orderInsertSQL, args))
	if err != nil {
		if isUniqueViolation(err) {
			return orderstore.Order{}, fmt.Errorf("order store: duplicate merchant order number %q: %w", mch, err)
		}
		return orderstore.Order{}, fmt.Errorf("order store: insert order: %w", err)
	}
	return created, nil
}

func (t *pgTx) LockOrder(ctx context.Context, merchantOrderNo string) (orderstore.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, orderLockSQL, pgx.NamedArgs{
		"merchant_order_no": strings.TrimSpace(merchantOrderNo),
	}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, orderstore.ErrNotFound
		}
		return orderstore.Order{}, fmt.Errorf("order store: lock order: %w", err)
	}
	return order, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, update orderstore.OrderUpdate) error {
	rawCreate, err := encodeJSON(update.RawCreate, true)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	rawNotify, err := encodeJSON(update.RawNotify, true)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                update.ID,
		"status":            nullableString(string(update.Status)),
		"provider_order_no": nullableString(update.ProviderOrderNo),
		"cashier_url":       nullableString(update.CashierURL),
		"failure_reason":    nullableString(update.FailureReason),
		"raw_create":        rawCreate,
		"raw_notify":        rawNotify,
	}
	tag, err := t.tx.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

// FindOrder matches ref against the merchant order number first and the
// provider order number second.
func (s *Store) FindOrder(ctx context.Context, ref string) (orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, err
	}
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	order, err := scanOrder(pool.QueryRow(ctx, orderFindSQL, pgx.NamedArgs{"ref": trimmed}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, orderstore.ErrNotFound
		}
		return orderstore.Order{}, fmt.Errorf("order store: find order: %w", err)
	}
	return order, nil
}

// ListOrders retrieves orders matching the query, newest first.
func (s *Store) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return listOrders(ctx, pool, query)
}

func listOrders(ctx context.Context, q querier, query orderstore.OrderQuery) ([]orderstore.Order, error) {
	limit := clampLimit(query.Limit, defaultListLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if query.UserID != 0 {
		fmt.Fprintf(&builder, " AND user_id = $%d", argPos)
		args = append(args, query.UserID)
		argPos++
	}
	if statuses := statusStrings(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if !query.UpdatedBefore.IsZero() {
		fmt.Fprintf(&builder, " AND updated_at < $%d", argPos)
		args = append(args, query.UpdatedBefore)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := q.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]orderstore.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (orderstore.Order, error) {
	var (
		order      orderstore.Order
		feePercent string
		status     string
		rawCreate  []byte
		rawNotify  []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(
		&order.ID,
		&order.MerchantOrderNo,
		&order.ProviderOrderNo,
		&order.UserID,
		&order.WayCode,
		&order.PackageLabel,
		&order.AmountMinor,
		&feePercent,
		&order.FinalAmountMinor,
		&order.Currency,
		&status,
		&order.CashierURL,
		&order.FailureReason,
		&rawCreate,
		&rawNotify,
		&createdAt,
		&updatedAt,
	); err != nil {
		return orderstore.Order{}, err
	}
	fee, err := decimalFromText(feePercent)
	if err != nil {
		return orderstore.Order{}, err
	}
	order.FeePercent = fee
	order.Status = orderstore.Status(status)
	if order.RawCreate, err = decodeJSON(rawCreate); err != nil {
		return orderstore.Order{}, err
	}
	if order.RawNotify, err = decodeJSON(rawNotify); err != nil {
		return orderstore.Order{}, err
	}
	order.CreatedAt = createdAt.UTC()
	order.UpdatedAt = updatedAt.UTC()
	return order, nil
}

func statusStrings(statuses []orderstore.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if trimmed := strings.TrimSpace(string(status)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
