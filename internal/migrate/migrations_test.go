package migrate

import (
	"context"
	"testing"

	"actionline/internal/db"
)

func TestUpIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh database version %d (%v)", v, err)
	}
	v, err := Up(ctx, conn)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if v != Latest() || v < 2 {
		t.Fatalf("expected latest version %d, got %d", Latest(), v)
	}
	again, err := Up(ctx, conn)
	if err != nil || again != v {
		t.Fatalf("second up changed version to %d (%v)", again, err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil || n != v {
		t.Fatalf("expected %d recorded migrations, got %d (%v)", v, n, err)
	}
	if _, err := conn.Exec(`INSERT INTO project_limits(project_id, rate_per_hour, windows_json, updated_at) VALUES ('p', 5, '[]', 'now')`); err != nil {
		t.Fatalf("later columns missing: %v", err)
	}
}
