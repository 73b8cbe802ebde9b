package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
	subscriptionrepository "github.com/smallbiznis/tierline/internal/subscription/repository"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate brings the schema up to date. Postgres runs the embedded SQL
// migrations; sqlite and mysql, used for local development, fall back to
// AutoMigrate on the models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&authdomain.User{},
		&authdomain.BlacklistedToken{},
		&plandomain.Plan{},
		&paymentdomain.EventRecord{},
		&notificationdomain.Log{},
		&settingsdomain.UserSettings{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := subscriptionrepository.Migrate(conn); err != nil {
		return fmt.Errorf("auto migrate subscriptions: %w", err)
	}
	return nil
}
