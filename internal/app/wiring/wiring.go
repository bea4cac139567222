// Package wiring assembles the paybridge services from an application config.
package wiring

import (
	"context"
	"fmt"
	"log"

	"github.com/coachpo/paybridge/internal/app/admin"
	"github.com/coachpo/paybridge/internal/app/callbacks"
	"github.com/coachpo/paybridge/internal/app/ledger"
	"github.com/coachpo/paybridge/internal/app/orders"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/infra/adapters/paygate"
	"github.com/coachpo/paybridge/internal/infra/config"
	"github.com/coachpo/paybridge/internal/infra/persistence"
	"github.com/coachpo/paybridge/internal/infra/persistence/migrations"
	"github.com/coachpo/paybridge/internal/infra/persistence/postgres"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/signing"
)

const poolName = "primary"

// Services is the assembled application graph.
type Services struct {
	DB        *persistence.Store
	Gateway   *paygate.Client
	Ledger    *ledger.Service
	Orders    *orders.Lifecycle
	Callbacks *callbacks.Processor
	Admin     *admin.Service
}

// Open connects to Postgres, applies migrations when configured and builds
// the services on top of the resulting store.
func Open(ctx context.Context, cfg config.AppConfig, logger observability.Logger, migrateLog *log.Logger) (*Services, error) {
	if cfg.Database.RunMigrations {
		var err error
		if cfg.Database.MigrationsPath != "" {
			err = migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsPath, migrateLog)
		} else {
			err = migrations.ApplyEmbedded(ctx, cfg.Database.DSN, migrateLog)
		}
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	db, err := persistence.Open(ctx, cfg.Database.PoolSettings())
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(db.Pool(), poolName)

	services, err := Build(cfg, postgres.New(db.Pool()), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	services.DB = db
	return services, nil
}

// Build wires the services over an existing unit of work.
func Build(cfg config.AppConfig, store uow.Store, logger observability.Logger) (*Services, error) {
	logger = observability.OrNop(logger)

	gateway, err := paygate.New(paygate.Options{Config: cfg.Gateway.Paygate(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("gateway client: %w", err)
	}
	signer, err := signing.New(cfg.Gateway.Key, cfg.Gateway.SignType)
	if err != nil {
		return nil, fmt.Errorf("notification signer: %w", err)
	}
	fee, err := cfg.Orders.Fee()
	if err != nil {
		return nil, err
	}

	ledgerSvc := ledger.NewService(store, logger)
	lifecycle := orders.NewLifecycle(store, gateway, ledgerSvc, orders.Config{
		FeePercent:   fee,
		Policy:       cfg.Orders.Policy(),
		NumberPrefix: cfg.Orders.NumberPrefix,
		Currency:     cfg.Gateway.Currency,
		WayCode:      cfg.Gateway.WayCode,
	}, logger)
	processor := callbacks.NewProcessor(store, signer, lifecycle, logger,
		callbacks.AcceptAltSignature(cfg.Gateway.AcceptsAltSignature()))

	return &Services{
		Gateway:   gateway,
		Ledger:    ledgerSvc,
		Orders:    lifecycle,
		Callbacks: processor,
		Admin:     admin.NewService(store, ledgerSvc, lifecycle, logger),
	}, nil
}

// Close releases the database pool.
func (s *Services) Close() {
	if s != nil && s.DB != nil {
		s.DB.Close()
	}
}
