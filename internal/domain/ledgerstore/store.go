// Package ledgerstore defines user balances, the append-only ledger and payout
// requests together with their persistence contract.
package ledgerstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUserNotFound reports a missing user row.
	ErrUserNotFound = errors.New("ledgerstore: user not found")
	// ErrPayoutNotFound reports a missing payout request.
	ErrPayoutNotFound = errors.New("ledgerstore: payout not found")
)

// EntryKind names the reason for a balance mutation.
type EntryKind string

const (
	KindDepositCredit      EntryKind = "deposit_credit"
	KindPayoutHold         EntryKind = "payout_hold"
	KindPayoutApprove      EntryKind = "payout_approve"
	KindPayoutRejectReturn EntryKind = "payout_reject_return"
)

// PayoutStatus is the lifecycle state of a payout request.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutRejected PayoutStatus = "rejected"
)

// Network is the settlement chain of a payout address.
type Network string

const (
	NetworkTRC20 Network = "TRC20"
	NetworkBEP20 Network = "BEP20"
)

// ParseNetwork accepts a network name in any case.
func ParseNetwork(raw string) (Network, bool) {
	switch n := Network(strings.ToUpper(strings.TrimSpace(raw))); n {
	case NetworkTRC20, NetworkBEP20:
		return n, true
	default:
		return "", false
	}
}

// User holds the derived balances. Both are kept at two decimal places.
type User struct {
	ID        int64           `json:"id"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entry is one immutable ledger row.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    int64           `json:"userId"`
	Kind      EntryKind       `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   *int64          `json:"orderId,omitempty"`
	PayoutID  *int64          `json:"payoutId,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Payout is a withdrawal request whose amount is frozen at creation.
type Payout struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Network   Network         `json:"network"`
	Address   string          `json:"address"`
	Status    PayoutStatus    `json:"status"`
	AdminNote string          `json:"adminNote,omitempty"`
	TxID      string          `json:"txid,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PayoutUpdate records a payout decision.
type PayoutUpdate struct {
	ID        int64
	Status    PayoutStatus
	AdminNote string
	TxID      string
}

// PayoutQuery scopes payout listings.
type PayoutQuery struct {
	UserID int64
	Status PayoutStatus
	Limit  int
}

// Tx exposes the ledger mutations available inside a unit of work.
type Tx interface {
	// EnsureUser creates a zero-balance user if none exists.
	EnsureUser(ctx context.Context, userID int64) (User, error)
	// LockUser loads the user and holds its row until commit.
	LockUser(ctx context.Context, userID int64) (User, error)
	SetBalances(ctx context.Context, userID int64, available, held decimal.Decimal) error
	AppendEntry(ctx context.Context, entry Entry) error
	HasOrderEntry(ctx context.Context, orderID int64, kind EntryKind) (bool, error)
	CreatePayout(ctx context.Context, payout Payout) (Payout, error)
	// LockPayout loads the payout and holds its row until commit.
	LockPayout(ctx context.Context, payoutID int64) (Payout, error)
	UpdatePayout(ctx context.Context, update PayoutUpdate) error
}

// Reader exposes read-only ledger lookups.
type Reader interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	ListPayouts(ctx context.Context, query PayoutQuery) ([]Payout, error)
	ListEntries(ctx context.Context, userID int64, limit int) ([]Entry, error)
}
