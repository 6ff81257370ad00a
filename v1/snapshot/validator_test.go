package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-ward/v1/snapshot"
	"github.com/mirkobrombin/go-ward/v1/store"
)

func TestValidatorDetectsDrift(t *testing.T) {
	st, _, c := newFixture(t)
	tk := seedTicket(t, st, "open")
	ctx := context.Background()

	if _, err := c.Get(ctx, tk.ID); err != nil {
		t.Fatalf("get: %v", err)
	}

	// Bypass the engine so no commit signal fires.
	if err := st.DB().Model(&store.Ticket{}).Where("id = ?", tk.ID).
		Updates(map[string]any{"status": "assigned", "version": 1}).Error; err != nil {
		t.Fatalf("raw update: %v", err)
	}

	v := snapshot.NewValidator(c, snapshot.ModeAlert, time.Minute)
	if stale := v.Scan(ctx); stale != 1 {
		t.Fatalf("stale = %d, want 1", stale)
	}
	if v.Mismatches() != 1 {
		t.Fatalf("mismatches = %d", v.Mismatches())
	}

	// Alert mode keeps serving the stale snapshot.
	got, err := c.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "open" {
		t.Fatalf("status = %q, want cached open", got.Status)
	}
}

func TestValidatorAutoHeals(t *testing.T) {
	st, _, c := newFixture(t)
	tk := seedTicket(t, st, "open")
	ctx := context.Background()

	if _, err := c.Get(ctx, tk.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := st.DB().Model(&store.Ticket{}).Where("id = ?", tk.ID).
		Updates(map[string]any{"status": "assigned", "version": 1}).Error; err != nil {
		t.Fatalf("raw update: %v", err)
	}

	v := snapshot.NewValidator(c, snapshot.ModeAutoHeal, time.Minute)
	if stale := v.Scan(ctx); stale != 1 {
		t.Fatalf("stale = %d, want 1", stale)
	}

	got, err := c.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "assigned" {
		t.Fatalf("status = %q, want refetched assigned", got.Status)
	}

	if stale := v.Scan(ctx); stale != 0 {
		t.Fatalf("second scan found %d stale entries", stale)
	}
}
