// Package migrations runs the paybridge schema migrations through golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/paybridge/db/migrations"
	"github.com/coachpo/paybridge/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the newest migration in
// migrationsDir. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	opener, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, opener, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// ApplyEmbedded applies the migrations compiled into the binary.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return run(ctx, dsn, embeddedSource(dbmigrations.Files), logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the last steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	opener, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return run(ctx, dsn, opener, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// sourceOpener builds a migrate instance over an opened database driver and
// names the source for logging.
type sourceOpener struct {
	describe string
	open     func(driver database.Driver) (*migrate.Migrate, error)
}

func dirSource(dir string) (sourceOpener, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return sourceOpener{}, err
	}
	return sourceOpener{
		describe: resolved,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(fileURL(resolved), "pgx5", driver)
		},
	}, nil
}

func embeddedSource(files fs.FS) sourceOpener {
	return sourceOpener{
		describe: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			src, err := iofs.New(files, ".")
			if err != nil {
				return nil, fmt.Errorf("open embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", src, "pgx5", driver)
		},
	}
}

func run(ctx context.Context, dsn string, source sourceOpener, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := source.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: direction=%s source=%s", direction, source.describe)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	if version, dirty, verr := m.Version(); verr == nil && logger != nil {
		logger.Printf("database migrations %s complete: version=%d dirty=%t", direction, version, dirty)
	}
	recordMigrationMetric(ctx, direction, "applied")
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("paybridge_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	))
}
