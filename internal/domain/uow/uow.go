// Package uow ties the per-aggregate contracts into one transactional unit of work.
package uow

import (
	"context"

	"github.com/coachpo/paybridge/internal/domain/auditstore"
	"github.com/coachpo/paybridge/internal/domain/callbackstore"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
)

// Tx is the set of mutations that commit or roll back together.
type Tx interface {
	orderstore.Tx
	ledgerstore.Tx
	callbackstore.Tx
	auditstore.Tx
}

// Store runs units of work and serves read-only lookups.
type Store interface {
	// WithTransaction runs fn in a transaction, committing when fn returns nil.
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	orderstore.Reader
	ledgerstore.Reader
	auditstore.Reader
}
