package store

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRun(t *testing.T, store *SQLiteStore, runID, sessionID string, createdAt time.Time) *domain.Run {
	t.Helper()
	run := &domain.Run{
		RunID:     runID,
		SessionID: sessionID,
		Command:   "process doc-001",
		Intent:    domain.Intent{Action: domain.ActionProcess, Entities: map[string]string{"docId": "doc-001"}},
		State:     domain.RunStatePlanning,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestSQLiteStoreRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	missing, err := store.GetRun(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing run, got %+v, %v", missing, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	run := seedRun(t, store, "run_1", "s1", now)

	run.State = domain.RunStatePausedException
	run.Step = "Normalize Fields"
	run.Cursor = 2
	run.Corrections = map[string]string{"Vendor Name": "Acme Corp"}
	run.UpdatedAt = now.Add(time.Second)
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.RunStatePausedException || got.Step != "Normalize Fields" || got.Cursor != 2 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Intent.Action != domain.ActionProcess || got.Intent.Entities["docId"] != "doc-001" {
		t.Fatalf("intent not round-tripped: %+v", got.Intent)
	}
	if got.Corrections["Vendor Name"] != "Acme Corp" {
		t.Fatalf("corrections not round-tripped: %+v", got.Corrections)
	}
	if got.SessionID != "s1" || got.Command != "process doc-001" {
		t.Fatalf("unexpected run identity: %+v", got)
	}
}

func TestSQLiteStoreListRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	seedRun(t, store, "run_a", "s1", base)
	seedRun(t, store, "run_b", "s2", base.Add(time.Second))
	seedRun(t, store, "run_c", "s1", base.Add(2*time.Second))

	all, err := store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run_c" || all[2].RunID != "run_a" {
		t.Fatalf("unexpected order: %+v", all)
	}

	s1, err := store.ListRuns(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(s1) != 1 || s1[0].RunID != "run_c" {
		t.Fatalf("unexpected session listing: %+v", s1)
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "run_1", "", time.Now())

	events := []domain.TaskEvent{
		{ID: "evt_1", RunID: "run_1", Step: "Plan", Status: domain.TaskStatusDone, Message: "Intent: process", Ts: 100},
		{ID: "evt_2", RunID: "run_1", Step: "Run OCR", Status: domain.TaskStatusQueued, Message: "Queued OCR processing", Ts: 200},
		{ID: "evt_3", RunID: "run_1", Step: "Run OCR", Status: domain.TaskStatusRunning, Message: "Running OCR", Ref: "doc-001", Ts: 200},
		{ID: "evt_4", RunID: "run_1", Step: "Run OCR", Status: domain.TaskStatusDone, Message: "OCR completed successfully", Ts: 300},
	}
	for i := range events {
		if err := store.CreateEvent(ctx, &events[i]); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}

	got, err := store.GetEvents(ctx, "run_1", 0, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	// same-ts events keep insertion order
	if got[1].ID != "evt_2" || got[2].ID != "evt_3" || got[2].Ref != "doc-001" {
		t.Fatalf("unexpected order: %+v", got)
	}

	after, err := store.GetEvents(ctx, "run_1", 200, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(after) != 1 || after[0].ID != "evt_4" {
		t.Fatalf("unexpected after_ts result: %+v", after)
	}

	limited, err := store.GetEvents(ctx, "run_1", 0, 2)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}

func TestSQLiteStoreEventRequiresRun(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateEvent(context.Background(), &domain.TaskEvent{ID: "evt_x", RunID: "ghost", Step: "Plan", Status: domain.TaskStatusDone, Message: "x", Ts: 1})
	if err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestSQLiteStoreExceptionHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()
	seedRun(t, store, "run_1", "", now)

	for _, item := range []domain.ExceptionItem{
		{ID: "exc_1", RunID: "run_1", FieldKey: "Vendor Name", SuggestedValue: "Acme", Confidence: 0.45, Reason: "Confidence 45% is below threshold", CreatedAt: now},
		{ID: "exc_2", RunID: "run_1", FieldKey: "invoice_number", Confidence: 0.5, Reason: "Missing invoice number", CreatedAt: now},
	} {
		item := item
		if err := store.RecordException(ctx, &item); err != nil {
			t.Fatalf("RecordException failed: %v", err)
		}
	}

	ok, err := store.ResolveException(ctx, "exc_1", domain.ExceptionAccepted, "Acme Corp")
	if err != nil || !ok {
		t.Fatalf("ResolveException failed: %v %v", ok, err)
	}
	ok, err = store.ResolveException(ctx, "exc_1", domain.ExceptionDismissed, "")
	if err != nil || ok {
		t.Fatalf("second resolve should be a no-op: %v %v", ok, err)
	}

	history, err := store.ListExceptionHistory(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListExceptionHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if history[0].Resolution != domain.ExceptionAccepted || history[0].ResolvedValue != "Acme Corp" || history[0].ResolvedAt == nil {
		t.Fatalf("unexpected resolved record: %+v", history[0])
	}
	if history[1].Resolution != domain.ExceptionOpen || history[1].ResolvedAt != nil {
		t.Fatalf("unexpected open record: %+v", history[1])
	}
}

func TestSQLiteStoreApprovals(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()
	seedRun(t, store, "run_1", "", now)

	if err := store.CreateApproval(ctx, &domain.ApprovalRecord{
		ApprovalID: "apr_1", RunID: "run_1", Step: "Send Reminder", Status: domain.ApprovalStatusPending, CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	ok, err := store.DecideApproval(ctx, "run_1", domain.ApprovalStatusRejected, "ops@example.com", "wrong vendor")
	if err != nil || !ok {
		t.Fatalf("DecideApproval failed: %v %v", ok, err)
	}
	ok, err = store.DecideApproval(ctx, "run_1", domain.ApprovalStatusApproved, "", "")
	if err != nil || ok {
		t.Fatalf("deciding a closed approval should be a no-op: %v %v", ok, err)
	}

	approvals, err := store.ListApprovals(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(approvals))
	}
	ap := approvals[0]
	if ap.Status != domain.ApprovalStatusRejected || ap.DecidedBy != "ops@example.com" || ap.Reason != "wrong vendor" || ap.DecidedAt == nil {
		t.Fatalf("unexpected approval: %+v", ap)
	}
}
