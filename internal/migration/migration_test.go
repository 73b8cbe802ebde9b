package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/tierline/pkg/db"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("expected at least one migration")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}

func TestInitMigrationCreatesActiveUserIndex(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	if !strings.Contains(string(raw), "ux_user_subscriptions_active_user") {
		t.Fatalf("expected the partial active-user index in the init migration")
	}
	if !strings.Contains(string(raw), "ux_payment_events_provider_event") {
		t.Fatalf("expected the webhook inbox unique index in the init migration")
	}
}

func TestAutoMigrateOnSQLite(t *testing.T) {
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, table := range []string{
		"users", "blacklisted_tokens", "subscription_plans", "user_subscriptions",
		"payment_history", "subscription_cancellations", "payment_events",
		"notification_logs", "user_settings",
	} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
	if !conn.Migrator().HasIndex("user_subscriptions", "ux_user_subscriptions_active_user") {
		t.Fatalf("expected partial active-user index")
	}
}
