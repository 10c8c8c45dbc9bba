package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Func adapts a function to the Adapter interface.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, in Input) (*Result, error)
}

// Descriptor implements Adapter.
func (f Func) Descriptor() Descriptor { return f.Desc }

// Execute implements Adapter.
func (f Func) Execute(ctx context.Context, in Input) (*Result, error) { return f.Fn(ctx, in) }

// Options tunes the built-in adapters.
type Options struct {
	// Latency is the simulated duration of one external call.
	Latency time.Duration
}

// RegisterBuiltins installs the stub adapters for every default plan step.
// The bodies return canned data in place of the mail, OCR, extraction and
// accounting integrations.
func RegisterBuiltins(r *Registry, opts Options) error {
	b := builtins{latency: opts.Latency, processed: newDocLedger()}
	for _, a := range []Func{
		{Descriptor{Name: "ingest_email", Step: "Ingest Email", Queued: "Queued email ingestion"}, b.ingestEmail},
		{Descriptor{Name: "run_ocr", Step: "Run OCR", Queued: "Queued OCR processing"}, b.runOCR},
		{Descriptor{Name: "normalize_fields", Step: "Normalize Fields", Queued: "Queued field normalization"}, b.normalizeFields},
		{Descriptor{Name: "summarize_inbox", Step: "Summarize Inbox", Queued: "Queued inbox summary"}, b.summarizeInbox},
		{Descriptor{Name: "create_invoice", Step: "Create Invoice", Queued: "Queued invoice creation"}, b.createInvoice},
		{Descriptor{Name: "send_reminder", Step: "Send Reminder", Queued: "Queued reminder"}, b.sendReminder},
		{Descriptor{Name: "export_weekly", Step: "Export Weekly", Queued: "Queued weekly export"}, b.exportWeekly},
		{Descriptor{Name: "dedupe_document", Step: "Deduplicate", Queued: "Checking for duplicates..."}, b.dedupeDocument},
		{Descriptor{Name: "structure_invoice", Step: "Structure Invoice", Queued: "Queued invoice structuring"}, b.structureInvoice},
		{Descriptor{Name: "validate_invoice", Step: "Validate", Queued: "Queued validation"}, b.validateInvoice},
		{Descriptor{Name: "persist_invoice", Step: "Save Invoice", Queued: "Queued invoice save"}, b.persistInvoice},
		{Descriptor{Name: "export_invoice", Step: "Export", Queued: "Queued export"}, b.exportInvoice},
		{Descriptor{Name: "list_overdue", Step: "List Overdue Invoices", Queued: "Queued overdue invoice search"}, b.listOverdue},
		{Descriptor{Name: "check_vendor", Step: "Check Vendor Status", Queued: "Queued vendor status check"}, b.checkVendor},
	} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	latency   time.Duration
	processed *docLedger
}

// docLedger remembers the documents exported by this process. It stands in
// for the content hash lookup against stored documents.
type docLedger struct {
	mu   sync.Mutex
	docs map[string]bool
}

func newDocLedger() *docLedger {
	return &docLedger{docs: make(map[string]bool)}
}

func (l *docLedger) mark(docID string) {
	l.mu.Lock()
	l.docs[docID] = true
	l.mu.Unlock()
}

func (l *docLedger) seen(docID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.docs[docID]
}

func (b builtins) wait(ctx context.Context) error {
	if b.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b builtins) ingestEmail(ctx context.Context, in Input) (*Result, error) {
	in.Progress("Fetching emails from inbox...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Summary: "Ingested 3 new emails",
		Ref:     "3-emails",
		Reply:   "Ingested 3 new emails from inbox.",
		Data:    map[string]any{"count": 3, "emails": []string{"email1", "email2", "email3"}},
	}, nil
}

func (b builtins) runOCR(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress(fmt.Sprintf("Running OCR on document %s...", docID), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Summary: "OCR completed successfully",
		Ref:     docID,
		Data:    map[string]any{"docId": docID, "text": "Mock extracted text from invoice..."},
	}, nil
}

func (b builtins) normalizeFields(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress("Normalizing extracted fields...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	fields := []domain.Field{
		{Key: "Vendor Name", Value: "Acme Corp", Confidence: 0.45},
		{Key: "Invoice Date", Value: "2025-01-15", Confidence: 0.92},
		{Key: "Total Amount", Value: "$1,250.00", Confidence: 0.88},
	}
	return &Result{
		Summary: "Fields normalized successfully",
		Ref:     docID,
		Fields:  ApplyFieldCorrections(fields, in.Corrections),
		Data:    map[string]any{"docId": docID},
	}, nil
}

func (b builtins) summarizeInbox(ctx context.Context, in Input) (*Result, error) {
	rng := in.Entity("range", "last 7 days")
	in.Progress(fmt.Sprintf("Analyzing emails from %s...", rng), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	summary := "3 invoices received, 2 payment reminders, 1 vendor inquiry"
	return &Result{
		Summary: "Summary generated",
		Ref:     "summary-report",
		Reply:   fmt.Sprintf("Inbox summary (%s): %s. Total emails: 6.", rng, summary),
		Data:    map[string]any{"range": rng, "summary": summary, "totalEmails": 6},
	}, nil
}

func (b builtins) createInvoice(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress("Creating invoice from document...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	invoiceID := "INV-2025-001"
	data := map[string]any{"invoiceId": invoiceID, "docId": docID, "status": "draft"}
	for _, f := range in.Fields {
		data[f.Key] = f.Value
	}
	return &Result{
		Summary: fmt.Sprintf("Invoice %s created", invoiceID),
		Ref:     invoiceID,
		Reply:   fmt.Sprintf("Created invoice %s from document %s. Status: draft.", invoiceID, docID),
		Data:    data,
	}, nil
}

func (b builtins) sendReminder(ctx context.Context, in Input) (*Result, error) {
	days, err := strconv.Atoi(in.Entity("days", "30"))
	if err != nil || days <= 0 {
		return nil, fmt.Errorf("days must be a positive number")
	}
	recipient := in.Entity("vendor", in.Entity("invoiceId", ""))
	if recipient == "" {
		return nil, fmt.Errorf("no recipient for reminder")
	}
	in.Progress(fmt.Sprintf("Sending %d-day reminder to %s...", days, recipient), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Summary: "Reminder sent successfully",
		Ref:     recipient,
		Reply:   fmt.Sprintf("Sent %d-day reminder to %s.", days, recipient),
		Data:    map[string]any{"sent": true, "recipient": recipient},
	}, nil
}

func (b builtins) exportWeekly(ctx context.Context, in Input) (*Result, error) {
	rng := in.Entity("range", "this week")
	in.Progress(fmt.Sprintf("Generating report for %s...", rng), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Summary: "Export completed",
		Ref:     "weekly-report.csv",
		Reply:   fmt.Sprintf("Exported 42 records to weekly-report.csv for %s.", rng),
		Data:    map[string]any{"range": rng, "file": "weekly-report.csv", "rows": 42},
	}, nil
}

func (b builtins) dedupeDocument(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress("Checking for duplicates...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.processed.seen(docID) {
		return &Result{
			Summary: "Skipped (duplicate)",
			Ref:     docID,
			Reply:   fmt.Sprintf("Document %s was already processed.", docID),
			Data:    map[string]any{"docId": docID, "duplicate": true},
			Halt:    true,
		}, nil
	}
	return &Result{Summary: "No duplicate found", Ref: docID, Data: map[string]any{"docId": docID, "duplicate": false}}, nil
}

// sampleInvoices stands in for the extraction service. doc-002 is missing
// its number and date so that the document lands in review.
var sampleInvoices = map[string]domain.Invoice{
	"doc-001": {
		InvoiceNumber: "INV-2025-001",
		InvoiceDate:   "2025-01-15",
		DueDate:       "2025-02-15",
		Vendor:        "Acme Corp",
		Currency:      "USD",
		Total:         1250,
		LineItems: []domain.LineItem{
			{Description: "Freight services", Quantity: 1, UnitPrice: 1000, Amount: 1000},
			{Description: "Handling", Quantity: 1, UnitPrice: 250, Amount: 250},
		},
	},
	"doc-002": {
		Vendor:    "XYZ Logistics",
		Currency:  "USD",
		Total:     1800,
		LineItems: []domain.LineItem{{Description: "Shipping", Quantity: 2, UnitPrice: 900, Amount: 1800}},
	},
}

func (b builtins) structureInvoice(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress("Structuring with AI...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	inv, ok := sampleInvoices[docID]
	if !ok {
		return nil, fmt.Errorf("document %s not found", docID)
	}
	inv.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
	return &Result{Summary: "Invoice structured", Ref: docID, Invoice: &inv}, nil
}

func (b builtins) validateInvoice(ctx context.Context, in Input) (*Result, error) {
	if in.Invoice == nil {
		return nil, fmt.Errorf("no structured invoice to validate")
	}
	in.Progress("Validating...", "")
	inv := *in.Invoice
	return &Result{Summary: "Validation passed", Ref: inv.InvoiceNumber, Invoice: &inv}, nil
}

func (b builtins) persistInvoice(ctx context.Context, in Input) (*Result, error) {
	if in.Invoice == nil {
		return nil, fmt.Errorf("no structured invoice to save")
	}
	inv := ApplyInvoiceCorrections(*in.Invoice, in.Corrections)
	in.Progress("Saving invoice...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Invoice %s saved", inv.InvoiceNumber),
		Ref:     inv.InvoiceNumber,
		Invoice: &inv,
	}, nil
}

func (b builtins) exportInvoice(ctx context.Context, in Input) (*Result, error) {
	docID := in.Entity("docId", "doc-001")
	in.Progress("Exporting...", "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	csv := fmt.Sprintf("/exports/%s/invoice.csv", docID)
	b.processed.mark(docID)
	return &Result{
		Summary: "Processed successfully. CSV & JSON exported.",
		Ref:     csv,
		Reply:   fmt.Sprintf("Processed document %s successfully.", docID),
		Data:    map[string]any{"csv": csv, "json": fmt.Sprintf("/exports/%s/invoice.json", docID)},
	}, nil
}

type overdueInvoice struct {
	InvoiceID   string  `json:"invoiceId"`
	Vendor      string  `json:"vendor"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	DaysOverdue int     `json:"daysOverdue"`
}

var overdueInvoices = []overdueInvoice{
	{"INV-2024-187", "Acme Corp", 2500, "USD", 45},
	{"INV-2024-201", "XYZ Logistics", 1800, "USD", 38},
	{"INV-2024-215", "Global Freight", 950, "USD", 31},
}

func (b builtins) listOverdue(ctx context.Context, in Input) (*Result, error) {
	days, err := strconv.Atoi(in.Entity("days", "30"))
	if err != nil || days < 0 {
		return nil, fmt.Errorf("daysOverdue must be a positive number")
	}
	vendor := in.Entity("vendor", "")
	in.Progress(fmt.Sprintf("Searching for invoices overdue by %d+ days...", days), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	var found []overdueInvoice
	total := 0.0
	for _, inv := range overdueInvoices {
		if inv.DaysOverdue < days {
			continue
		}
		if vendor != "" && !strings.Contains(strings.ToLower(inv.Vendor), strings.ToLower(vendor)) {
			continue
		}
		found = append(found, inv)
		total += inv.Amount
	}
	return &Result{
		Summary: fmt.Sprintf("Found %d overdue invoices totaling $%.2f", len(found), total),
		Ref:     "overdue-list",
		Reply:   fmt.Sprintf("%d invoices are overdue by %d+ days, totaling $%.2f.", len(found), days, total),
		Data:    map[string]any{"invoices": found, "totalCount": len(found), "totalAmount": total},
	}, nil
}

func (b builtins) checkVendor(ctx context.Context, in Input) (*Result, error) {
	vendor := in.Entity("vendor", "Acme Corp")
	in.Progress(fmt.Sprintf("Fetching data for %s...", vendor), "")
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	avgPaymentDays := 28
	health := "good"
	switch {
	case avgPaymentDays > 45:
		health = "critical"
	case avgPaymentDays > 30:
		health = "warning"
	}
	pending := 2
	return &Result{
		Summary: fmt.Sprintf("Vendor health: %s (%d pending)", strings.ToUpper(health), pending),
		Ref:     vendor,
		Reply:   fmt.Sprintf("%s pays in %d days on average; %d invoices pending.", vendor, avgPaymentDays, pending),
		Data:    map[string]any{"vendor": vendor, "averagePaymentDays": avgPaymentDays, "healthScore": health, "pending": pending},
	}, nil
}

// ApplyFieldCorrections overrides field values with reviewer corrections.
// A corrected field is fully trusted.
func ApplyFieldCorrections(fields []domain.Field, corrections map[string]string) []domain.Field {
	out := make([]domain.Field, len(fields))
	copy(out, fields)
	for i, f := range out {
		if v, ok := corrections[f.Key]; ok {
			out[i].Value = v
			out[i].Confidence = 1
		}
	}
	return out
}

// ApplyInvoiceCorrections overrides invoice fields with reviewer corrections
// keyed by field name (invoice_number, invoice_date, currency, total).
func ApplyInvoiceCorrections(inv domain.Invoice, corrections map[string]string) domain.Invoice {
	if v, ok := corrections["invoice_number"]; ok && v != "" {
		inv.InvoiceNumber = v
	}
	if v, ok := corrections["invoice_date"]; ok && v != "" {
		inv.InvoiceDate = v
	}
	if v, ok := corrections["currency"]; ok && v != "" {
		inv.Currency = strings.ToUpper(v)
	}
	if v, ok := corrections["total"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			inv.Total = f
		}
	}
	return inv
}
