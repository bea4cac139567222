// Package orderstore defines the payment order state machine and its persistence contract.
package orderstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound reports a missing order.
var ErrNotFound = errors.New("orderstore: order not found")

// Order is one purchase intent and its gateway-assigned payment attempt.
type Order struct {
	ID               int64           `json:"id"`
	MerchantOrderNo  string          `json:"merchantOrderNo"`
	ProviderOrderNo  string          `json:"providerOrderNo,omitempty"`
	UserID           int64           `json:"userId"`
	WayCode          string          `json:"wayCode"`
	PackageLabel     string          `json:"packageLabel,omitempty"`
	AmountMinor      int64           `json:"amountMinor"`
	FeePercent       decimal.Decimal `json:"feePercent"`
	FinalAmountMinor int64           `json:"finalAmountMinor"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	CashierURL       string          `json:"cashierUrl,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	RawCreate        map[string]any  `json:"rawCreate,omitempty"`
	RawNotify        map[string]any  `json:"rawNotify,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// OrderUpdate carries a transition. Blank strings and nil maps keep the stored value.
type OrderUpdate struct {
	ID              int64
	Status          Status
	ProviderOrderNo string
	CashierURL      string
	FailureReason   string
	RawCreate       map[string]any
	RawNotify       map[string]any
}

// OrderQuery scopes order listings.
type OrderQuery struct {
	UserID        int64
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

// Tx exposes the order mutations available inside a unit of work.
type Tx interface {
	CreateOrder(ctx context.Context, order Order) (Order, error)
	// LockOrder loads the order by merchant order number and holds its row until commit.
	LockOrder(ctx context.Context, merchantOrderNo string) (Order, error)
	UpdateOrder(ctx context.Context, update OrderUpdate) error
}

// Reader exposes read-only order lookups.
type Reader interface {
	// FindOrder matches ref against the merchant or the provider order number.
	FindOrder(ctx context.Context, ref string) (Order, error)
	ListOrders(ctx context.Context, query OrderQuery) ([]Order, error)
}
