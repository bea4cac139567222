// Package memory provides an in-process unit of work used by tests and local runs.
//
// Units of work are serialized: only one transaction runs at a time and it
// operates on a private copy of the state that replaces the shared state on
// commit. That gives the same isolation the Postgres store gets from row locks.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/paybridge/internal/domain/auditstore"
	"github.com/coachpo/paybridge/internal/domain/callbackstore"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type state struct {
	nextOrderID  int64
	nextPayoutID int64
	orders       map[int64]orderstore.Order
	orderByMch   map[string]int64
	users        map[int64]ledgerstore.User
	entries      []ledgerstore.Entry
	payouts      map[int64]ledgerstore.Payout
	events       map[string]callbackstore.Event
	audit        []auditstore.Entry
}

func newState() *state {
	return &state{
		orders:     make(map[int64]orderstore.Order),
		orderByMch: make(map[string]int64),
		users:      make(map[int64]ledgerstore.User),
		payouts:    make(map[int64]ledgerstore.Payout),
		events:     make(map[string]callbackstore.Event),
	}
}

func (s *state) clone() *state {
	return &state{
		nextOrderID:  s.nextOrderID,
		nextPayoutID: s.nextPayoutID,
		orders:       maps.Clone(s.orders),
		orderByMch:   maps.Clone(s.orderByMch),
		users:        maps.Clone(s.users),
		entries:      slices.Clone(s.entries),
		payouts:      maps.Clone(s.payouts),
		events:       maps.Clone(s.events),
		audit:        slices.Clone(s.audit),
	}
}

// Store is an in-memory uow.Store.
type Store struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	st    *state
	clock func() time.Time
}

var _ uow.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: newState(), clock: time.Now}
}

// WithTransaction runs fn against a private copy of the state and publishes
// the copy only when fn succeeds.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, uow.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("memory store: transaction callback required")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store: begin tx: %w", err)
	}
	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{st: work, now: s.clock}); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// FindOrder matches ref against merchant and provider order numbers.
func (s *Store) FindOrder(_ context.Context, ref string) (orderstore.Order, error) {
	st := s.snapshot()
	trimmed := strings.TrimSpace(ref)
	if id, ok := st.orderByMch[trimmed]; ok {
		return st.orders[id], nil
	}
	for _, order := range st.orders {
		if trimmed != "" && order.ProviderOrderNo == trimmed {
			return order, nil
		}
	}
	return orderstore.Order{}, orderstore.ErrNotFound
}

// ListOrders returns matching orders, newest first.
func (s *Store) ListOrders(_ context.Context, query orderstore.OrderQuery) ([]orderstore.Order, error) {
	st := s.snapshot()
	out := make([]orderstore.Order, 0)
	for _, order := range st.orders {
		if query.UserID != 0 && order.UserID != query.UserID {
			continue
		}
		if len(query.Statuses) > 0 && !slices.Contains(query.Statuses, order.Status) {
			continue
		}
		if !query.UpdatedBefore.IsZero() && !order.UpdatedAt.Before(query.UpdatedBefore) {
			continue
		}
		out = append(out, order)
	}
	slices.SortFunc(out, func(a, b orderstore.Order) int { return cmp.Compare(b.ID, a.ID) })
	return truncate(out, query.Limit), nil
}

// GetUser returns the user's balances.
func (s *Store) GetUser(_ context.Context, userID int64) (ledgerstore.User, error) {
	user, ok := s.snapshot().users[userID]
	if !ok {
		return ledgerstore.User{}, ledgerstore.ErrUserNotFound
	}
	return user, nil
}

// ListPayouts returns matching payouts, newest first.
func (s *Store) ListPayouts(_ context.Context, query ledgerstore.PayoutQuery) ([]ledgerstore.Payout, error) {
	st := s.snapshot()
	out := make([]ledgerstore.Payout, 0)
	for _, payout := range st.payouts {
		if query.UserID != 0 && payout.UserID != query.UserID {
			continue
		}
		if query.Status != "" && payout.Status != query.Status {
			continue
		}
		out = append(out, payout)
	}
	slices.SortFunc(out, func(a, b ledgerstore.Payout) int { return cmp.Compare(b.ID, a.ID) })
	return truncate(out, query.Limit), nil
}

// ListEntries returns the user's ledger entries, newest first.
func (s *Store) ListEntries(_ context.Context, userID int64, limit int) ([]ledgerstore.Entry, error) {
	st := s.snapshot()
	out := make([]ledgerstore.Entry, 0)
	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].UserID == userID {
			out = append(out, st.entries[i])
		}
	}
	return truncate(out, limit), nil
}

// ListAudit returns audit rows, newest first.
func (s *Store) ListAudit(_ context.Context, limit int) ([]auditstore.Entry, error) {
	st := s.snapshot()
	out := append(make([]auditstore.Entry, 0, len(st.audit)), st.audit...)
	slices.Reverse(out)
	return truncate(out, limit), nil
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) CreateOrder(_ context.Context, order orderstore.Order) (orderstore.Order, error) {
	mch := strings.TrimSpace(order.MerchantOrderNo)
	if mch == "" {
		return orderstore.Order{}, fmt.Errorf("memory store: merchant order number required")
	}
	if _, exists := t.st.orderByMch[mch]; exists {
		return orderstore.Order{}, fmt.Errorf("memory store: duplicate merchant order number %q", mch)
	}
	t.st.nextOrderID++
	now := t.now().UTC()
	order.ID = t.st.nextOrderID
	order.MerchantOrderNo = mch
	if order.Status == "" {
		order.Status = orderstore.StatusCreated
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	t.st.orders[order.ID] = order
	t.st.orderByMch[mch] = order.ID
	return order, nil
}

func (t *memTx) LockOrder(_ context.Context, merchantOrderNo string) (orderstore.Order, error) {
	id, ok := t.st.orderByMch[strings.TrimSpace(merchantOrderNo)]
	if !ok {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return t.st.orders[id], nil
}

func (t *memTx) UpdateOrder(_ context.Context, update orderstore.OrderUpdate) error {
	order, ok := t.st.orders[update.ID]
	if !ok {
		return orderstore.ErrNotFound
	}
	if update.Status != "" {
		order.Status = update.Status
	}
	if v := strings.TrimSpace(update.ProviderOrderNo); v != "" {
		order.ProviderOrderNo = v
	}
	if v := strings.TrimSpace(update.CashierURL); v != "" {
		order.CashierURL = v
	}
	if v := strings.TrimSpace(update.FailureReason); v != "" {
		order.FailureReason = v
	}
	if update.RawCreate != nil {
		order.RawCreate = update.RawCreate
	}
	if update.RawNotify != nil {
		order.RawNotify = update.RawNotify
	}
	order.UpdatedAt = t.now().UTC()
	t.st.orders[order.ID] = order
	return nil
}

func (t *memTx) EnsureUser(_ context.Context, userID int64) (ledgerstore.User, error) {
	if user, ok := t.st.users[userID]; ok {
		return user, nil
	}
	now := t.now().UTC()
	user := ledgerstore.User{ID: userID, Available: decimal.Zero, Held: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	t.st.users[userID] = user
	return user, nil
}

func (t *memTx) LockUser(_ context.Context, userID int64) (ledgerstore.User, error) {
	user, ok := t.st.users[userID]
	if !ok {
		return ledgerstore.User{}, ledgerstore.ErrUserNotFound
	}
	return user, nil
}

func (t *memTx) SetBalances(_ context.Context, userID int64, available, held decimal.Decimal) error {
	user, ok := t.st.users[userID]
	if !ok {
		return ledgerstore.ErrUserNotFound
	}
	if available.IsNegative() || held.IsNegative() {
		return fmt.Errorf("memory store: negative balance for user %d", userID)
	}
	user.Available = available
	user.Held = held
	user.UpdatedAt = t.now().UTC()
	t.st.users[userID] = user
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, entry ledgerstore.Entry) error {
	if entry.Kind == ledgerstore.KindDepositCredit && entry.OrderID != nil {
		for _, existing := range t.st.entries {
			if existing.Kind == entry.Kind && existing.OrderID != nil && *existing.OrderID == *entry.OrderID {
				return fmt.Errorf("memory store: duplicate deposit credit for order %d", *entry.OrderID)
			}
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now().UTC()
	}
	t.st.entries = append(t.st.entries, entry)
	return nil
}

func (t *memTx) HasOrderEntry(_ context.Context, orderID int64, kind ledgerstore.EntryKind) (bool, error) {
	for _, entry := range t.st.entries {
		if entry.Kind == kind && entry.OrderID != nil && *entry.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreatePayout(_ context.Context, payout ledgerstore.Payout) (ledgerstore.Payout, error) {
	t.st.nextPayoutID++
	now := t.now().UTC()
	payout.ID = t.st.nextPayoutID
	if payout.Status == "" {
		payout.Status = ledgerstore.PayoutPending
	}
	payout.CreatedAt = now
	payout.UpdatedAt = now
	t.st.payouts[payout.ID] = payout
	return payout, nil
}

func (t *memTx) LockPayout(_ context.Context, payoutID int64) (ledgerstore.Payout, error) {
	payout, ok := t.st.payouts[payoutID]
	if !ok {
		return ledgerstore.Payout{}, ledgerstore.ErrPayoutNotFound
	}
	return payout, nil
}

func (t *memTx) UpdatePayout(_ context.Context, update ledgerstore.PayoutUpdate) error {
	payout, ok := t.st.payouts[update.ID]
	if !ok {
		return ledgerstore.ErrPayoutNotFound
	}
	payout.Status = update.Status
	if update.AdminNote != "" {
		payout.AdminNote = update.AdminNote
	}
	if update.TxID != "" {
		payout.TxID = update.TxID
	}
	payout.UpdatedAt = t.now().UTC()
	t.st.payouts[payout.ID] = payout
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, event callbackstore.Event) (bool, error) {
	if _, exists := t.st.events[event.EventKey]; exists {
		return false, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = t.now().UTC()
	}
	t.st.events[event.EventKey] = event
	return true, nil
}

func (t *memTx) AppendAudit(_ context.Context, entry auditstore.Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now().UTC()
	}
	t.st.audit = append(t.st.audit, entry)
	return nil
}

func truncate[T any](items []T, limit int) []T {
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
