package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

type recorder struct {
	events []domain.TaskEvent
}

func (r *recorder) Publish(ev domain.TaskEvent) { r.events = append(r.events, ev) }

func (r *recorder) statuses() []domain.TaskStatus {
	out := make([]domain.TaskStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	r := NewRegistry(NewEmitter(rec))
	require.NoError(t, RegisterBuiltins(r, Options{}))
	return r, rec
}

func TestInvoke_EmitsLifecycle(t *testing.T) {
	r, rec := newTestRegistry(t)

	res, outcome, err := r.Invoke(context.Background(), "run_ocr", Input{RunID: "run_1", Entities: map[string]string{"docId": "doc-009"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, "doc-009", res.Ref)

	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusRunning, domain.TaskStatusDone}, rec.statuses())
	for _, ev := range rec.events {
		assert.Equal(t, "Run OCR", ev.Step)
		assert.Equal(t, "run_1", ev.RunID)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, "Queued OCR processing", rec.events[0].Message)
	assert.Equal(t, "Running OCR on document doc-009...", rec.events[1].Message)
	assert.Equal(t, "OCR completed successfully", rec.events[2].Message)
}

func TestInvoke_GateSuspends(t *testing.T) {
	r, rec := newTestRegistry(t)

	var gated *Result
	gate := func(ctx context.Context, step string, res *Result) (Verdict, error) {
		gated = res
		assert.Equal(t, "Normalize Fields", step)
		return Verdict{Suspend: true, Message: "Paused: 1 exception(s) require review"}, nil
	}

	res, outcome, err := r.Invoke(context.Background(), "normalize_fields", Input{RunID: "run_1"}, gate)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.Same(t, gated, res)
	assert.Len(t, res.Fields, 3)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, domain.TaskStatusPaused, last.Status)
	assert.Equal(t, "Paused: 1 exception(s) require review", last.Message)
	for _, ev := range rec.events {
		assert.NotEqual(t, domain.TaskStatusDone, ev.Status)
	}
}

func TestInvoke_AdapterError(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(NewEmitter(rec))
	r.MustRegister(Func{
		Desc: Descriptor{Name: "flaky", Step: "Flaky Step"},
		Fn: func(ctx context.Context, in Input) (*Result, error) {
			in.Progress("trying", "")
			return nil, errors.New("upstream unavailable")
		},
	})

	_, _, err := r.Invoke(context.Background(), "flaky", Input{RunID: "run_1"}, nil)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "Flaky Step", stepErr.Step)
	assert.Equal(t, "Flaky Step failed: upstream unavailable", err.Error())

	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusRunning, domain.TaskStatusError}, rec.statuses())
	assert.Equal(t, "Queued Flaky Step", rec.events[0].Message)
	assert.Equal(t, "Failed: upstream unavailable", rec.events[2].Message)
}

func TestInvoke_AdapterPanic(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(NewEmitter(rec))
	r.MustRegister(Func{
		Desc: Descriptor{Name: "broken", Step: "Broken"},
		Fn:   func(ctx context.Context, in Input) (*Result, error) { panic("nil map") },
	})

	_, _, err := r.Invoke(context.Background(), "broken", Input{RunID: "run_1"}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.TaskStatusError, rec.events[len(rec.events)-1].Status)
	assert.NotContains(t, rec.events[len(rec.events)-1].Message, "nil map")
}

func TestInvoke_GateError(t *testing.T) {
	r, rec := newTestRegistry(t)
	gate := func(ctx context.Context, step string, res *Result) (Verdict, error) {
		return Verdict{}, errors.New("registry unavailable")
	}

	_, _, err := r.Invoke(context.Background(), "run_ocr", Input{RunID: "run_1"}, gate)
	require.Error(t, err)
	assert.Equal(t, domain.TaskStatusError, rec.events[len(rec.events)-1].Status)
}

func TestInvoke_UnknownAdapter(t *testing.T) {
	r, rec := newTestRegistry(t)
	_, _, err := r.Invoke(context.Background(), "teleport", Input{RunID: "run_1"}, nil)
	assert.ErrorIs(t, err, ErrAdapterNotFound)
	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.TaskStatusError, rec.events[0].Status)
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(NewEmitter(&recorder{}))
	noop := func(ctx context.Context, in Input) (*Result, error) { return nil, nil }

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(Func{Desc: Descriptor{Step: "x"}, Fn: noop}))
	assert.Error(t, r.Register(Func{Desc: Descriptor{Name: "x"}, Fn: noop}))
	require.NoError(t, r.Register(Func{Desc: Descriptor{Name: "x", Step: "X"}, Fn: noop}))
	assert.Error(t, r.Register(Func{Desc: Descriptor{Name: "x", Step: "X"}, Fn: noop}))
	assert.Panics(t, func() { r.MustRegister(Func{Desc: Descriptor{Name: "x", Step: "X"}, Fn: noop}) })

	assert.Equal(t, "X", r.StepName("x"))
	assert.Equal(t, "y", r.StepName("y"))
	assert.Equal(t, []string{"x"}, r.Names())
}

func TestEmitter_MonotonicTimestamps(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec)
	clock := []int64{1000, 900, 1100, 1050}
	i := 0
	e.now = func() time.Time {
		ts := clock[i]
		i++
		return time.UnixMilli(ts)
	}

	for range clock {
		e.Emit("run_1", "s", domain.TaskStatusRunning, "", "")
	}
	var got []int64
	for _, ev := range rec.events {
		got = append(got, ev.Ts)
	}
	assert.Equal(t, []int64{1000, 1000, 1100, 1100}, got)

	e.Forget("run_1")
	e.now = func() time.Time { return time.UnixMilli(10) }
	assert.Equal(t, int64(10), e.Emit("run_1", "s", domain.TaskStatusDone, "", "").Ts)
}

func TestBuiltins_Latency(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(NewEmitter(rec))
	require.NoError(t, RegisterBuiltins(r, Options{Latency: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Invoke(ctx, "export_weekly", Input{RunID: "run_1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuiltins_SendReminder(t *testing.T) {
	r, rec := newTestRegistry(t)

	res, _, err := r.Invoke(context.Background(), "send_reminder", Input{
		RunID:    "run_1",
		Entities: map[string]string{"vendor": "Globex", "days": "45"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Sent 45-day reminder to Globex.", res.Reply)
	assert.Equal(t, "Sending 45-day reminder to Globex...", rec.events[1].Message)

	_, _, err = r.Invoke(context.Background(), "send_reminder", Input{RunID: "run_2", Entities: map[string]string{"days": "7"}}, nil)
	assert.Error(t, err)
}

func TestBuiltins_ListOverdue(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, _, err := r.Invoke(context.Background(), "list_overdue", Input{RunID: "run_1", Entities: map[string]string{"days": "35"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Data["totalCount"])
	assert.Equal(t, "Found 2 overdue invoices totaling $4300.00", res.Summary)

	_, _, err = r.Invoke(context.Background(), "list_overdue", Input{RunID: "run_1", Entities: map[string]string{"days": "-1"}}, nil)
	assert.Error(t, err)
}

func TestBuiltins_StructureInvoice(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, _, err := r.Invoke(context.Background(), "structure_invoice", Input{RunID: "run_1", Entities: map[string]string{"docId": "doc-002"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Empty(t, res.Invoice.InvoiceNumber)

	_, _, err = r.Invoke(context.Background(), "structure_invoice", Input{RunID: "run_1", Entities: map[string]string{"docId": "doc-404"}}, nil)
	assert.Error(t, err)
}

func TestBuiltins_DedupeHaltsAfterExport(t *testing.T) {
	r, rec := newTestRegistry(t)
	ctx := context.Background()
	in := Input{RunID: "run_1", Entities: map[string]string{"docId": "doc-001"}}

	res, _, err := r.Invoke(ctx, "dedupe_document", in, nil)
	require.NoError(t, err)
	assert.False(t, res.Halt)

	_, _, err = r.Invoke(ctx, "export_invoice", in, nil)
	require.NoError(t, err)

	res, outcome, err := r.Invoke(ctx, "dedupe_document", in, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.True(t, res.Halt)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, "Deduplicate", last.Step)
	assert.Equal(t, domain.TaskStatusDone, last.Status)
	assert.Equal(t, "Skipped (duplicate)", last.Message)

	other, _, err := r.Invoke(ctx, "dedupe_document", Input{RunID: "run_2", Entities: map[string]string{"docId": "doc-002"}}, nil)
	require.NoError(t, err)
	assert.False(t, other.Halt)
}

func TestApplyCorrections(t *testing.T) {
	fields := ApplyFieldCorrections([]domain.Field{{Key: "Vendor Name", Value: "Acme", Confidence: 0.4}}, map[string]string{"Vendor Name": "Acme Corp"})
	assert.Equal(t, []domain.Field{{Key: "Vendor Name", Value: "Acme Corp", Confidence: 1}}, fields)

	inv := ApplyInvoiceCorrections(domain.Invoice{Total: 1}, map[string]string{
		"invoice_number": "INV-9",
		"invoice_date":   "2025-03-01",
		"currency":       "sgd",
		"total":          "99.5",
	})
	assert.Equal(t, "INV-9", inv.InvoiceNumber)
	assert.Equal(t, "2025-03-01", inv.InvoiceDate)
	assert.Equal(t, "SGD", inv.Currency)
	assert.Equal(t, 99.5, inv.Total)
}
