package events_test

import (
	"context"
	"testing"

	"changeline/internal/db"
	"changeline/internal/events"
	"changeline/internal/migrate"
)

func newTestWriter(t *testing.T) *events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &events.Writer{DB: conn}
}

func TestAppendAndTail(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	if err := w.Append(ctx, "status.changed", "demo", "auth", "tester", events.EventPayload{"to": "Testing"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "run.started", "demo", "auth", "daemon", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "project.init", "other", "", "tester", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := w.Tail(ctx, "", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("tail = %d events", len(all))
	}
	// Newest first.
	if all[0].Type != "project.init" || all[2].Type != "status.changed" {
		t.Fatalf("unexpected order: %s .. %s", all[0].Type, all[2].Type)
	}
	if all[2].Payload["to"] != "Testing" {
		t.Fatalf("payload = %+v", all[2].Payload)
	}

	filtered, err := w.Tail(ctx, "demo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Fatalf("filtered = %d events", len(filtered))
	}

	limited, err := w.Tail(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d events", len(limited))
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *events.Writer
	if err := w.Append(context.Background(), "x", "", "", "tester", nil); err != nil {
		t.Fatalf("nil writer append: %v", err)
	}
	if out, err := w.Tail(context.Background(), "", 5); err != nil || out != nil {
		t.Fatalf("nil writer tail: %v %v", out, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
