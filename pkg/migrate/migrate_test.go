package migrate

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/keel/pkg/database"
)

func TestUp_AppliesAndIsIdempotent(t *testing.T) {
	db, err := database.OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	ran, err := Up(ctx, db)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if ran == 0 {
		t.Fatal("first run should apply migrations")
	}

	// Core tables exist and are usable.
	for _, q := range []string{
		`SELECT COUNT(*) FROM events`,
		`SELECT value FROM event_sequence WHERE id = 1`,
		`SELECT COUNT(*) FROM entities`,
		`SELECT COUNT(*) FROM event_type_registry`,
		`SELECT COUNT(*) FROM intents`,
		`SELECT COUNT(*) FROM projection_vendor_list`,
		`SELECT COUNT(*) FROM projection_item_list`,
		`SELECT COUNT(*) FROM projection_snapshots`,
		`SELECT COUNT(*) FROM projection_dead_letters`,
		`SELECT COUNT(*) FROM subscriptions`,
	} {
		var n int64
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			t.Errorf("%s: %v", q, err)
		}
	}

	again, err := Up(ctx, db)
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if again != 0 {
		t.Errorf("second run applied %d migrations, want 0", again)
	}

	versions, err := Versions(ctx, db)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != ran {
		t.Errorf("recorded %d versions, applied %d", len(versions), ran)
	}
}

func TestUp_SequenceCounterSeeded(t *testing.T) {
	db, err := database.OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	if _, err := Up(ctx, db); err != nil {
		t.Fatalf("up: %v", err)
	}

	var value int64
	if err := db.QueryRowContext(ctx, `SELECT value FROM event_sequence WHERE id = 1`).Scan(&value); err != nil {
		t.Fatalf("counter row: %v", err)
	}
	if value != 0 {
		t.Errorf("counter seeded at %d, want 0", value)
	}
}
