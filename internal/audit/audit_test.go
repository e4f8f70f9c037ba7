package audit

import (
	"context"
	"testing"
	"time"
)

func TestMemory_RecordStampsEntries(t *testing.T) {
	rec := NewMemory()
	ctx := context.Background()

	rec.Record(ctx, &Entry{
		Action:   ActionTokenIssued,
		ActorID:  "user-1",
		ClientID: "app",
		Detail:   map[string]any{"grant_type": "authorization_code"},
	})

	entries := rec.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Error("record must assign an id")
	}
	if e.At.IsZero() {
		t.Error("record must assign a timestamp")
	}
	if e.Action != ActionTokenIssued || e.ActorID != "user-1" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestMemory_PreservesExplicitFields(t *testing.T) {
	rec := NewMemory()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.Record(context.Background(), &Entry{
		ID:     "fixed-id",
		Action: ActionKeyRotated,
		At:     at,
	})

	e := rec.Entries()[0]
	if e.ID != "fixed-id" || !e.At.Equal(at) {
		t.Errorf("explicit fields overwritten: %+v", e)
	}
}

func TestMemory_ByAction(t *testing.T) {
	rec := NewMemory()
	ctx := context.Background()

	rec.Record(ctx, &Entry{Action: ActionTokenIssued, ClientID: "a"})
	rec.Record(ctx, &Entry{Action: ActionTheftDetected, ActorID: "user-1"})
	rec.Record(ctx, &Entry{Action: ActionTokenIssued, ClientID: "b"})

	issued := rec.ByAction(ActionTokenIssued)
	if len(issued) != 2 {
		t.Fatalf("expected 2 issued entries, got %d", len(issued))
	}
	theft := rec.ByAction(ActionTheftDetected)
	if len(theft) != 1 || theft[0].ActorID != "user-1" {
		t.Errorf("unexpected theft entries %+v", theft)
	}
}

func TestMemory_SnapshotIsolation(t *testing.T) {
	rec := NewMemory()
	src := &Entry{Action: ActionConsentGranted, Detail: map[string]any{"scope": "openid"}}
	rec.Record(context.Background(), src)

	// Mutating the caller's entry after the fact must not alter the log.
	src.Action = "mutated"
	if got := rec.Entries()[0].Action; got != ActionConsentGranted {
		t.Errorf("caller mutation leaked into the log: %s", got)
	}
}

func TestNop_Discards(t *testing.T) {
	var rec Recorder = Nop{}
	rec.Record(context.Background(), &Entry{Action: ActionSessionDestroyed})
}
