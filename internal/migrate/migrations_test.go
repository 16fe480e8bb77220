package migrate

import (
	"testing"

	"agentbase/internal/db"
)

func TestParseVersion(t *testing.T) {
	if v, err := parseVersion("001_init.sql"); err != nil || v != 1 {
		t.Fatalf("expected 1, got %d (%v)", v, err)
	}
	for _, bad := range []string{"init.sql", "x_init.sql", "000_zero.sql"} {
		if _, err := parseVersion(bad); err == nil {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d (%v)", v, err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	all, err := loadMigrations()
	if err != nil || len(all) == 0 {
		t.Fatalf("load migrations: %d (%v)", len(all), err)
	}
	v, err := Version(conn)
	if err != nil || v != all[len(all)-1].Version {
		t.Fatalf("version = %d (%v)", v, err)
	}
	pending, err := Pending(conn)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d (%v)", len(pending), err)
	}
	if _, err := conn.Exec(`SELECT count(*) FROM entities`); err != nil {
		t.Fatalf("entities table missing: %v", err)
	}
}
