// Package validation scores extracted data and decides whether a run may continue.
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

const (
	// ConfidenceThreshold is the minimum per-field confidence and the minimum
	// invoice acceptance score.
	ConfidenceThreshold = 0.85
	// LineItemTolerance is the relative tolerance between line item sum and total.
	LineItemTolerance = 0.02
	// CheckWeight is the value of each invoice check.
	CheckWeight = 0.25
)

// SupportedCurrencies is the currency allow-list for invoices.
var SupportedCurrencies = map[string]bool{
	"USD": true,
	"AED": true,
	"INR": true,
	"SGD": true,
}

// FieldResult is the outcome of the per-field gate.
type FieldResult struct {
	Pass                bool           `json:"pass"`
	LowConfidenceFields []domain.Field `json:"low_confidence_fields"`
}

// ValidateFields flags every field below ConfidenceThreshold, and every
// field whose confidence is not a number. A single low field fails the
// whole set.
func ValidateFields(fields []domain.Field) FieldResult {
	res := FieldResult{LowConfidenceFields: []domain.Field{}}
	for _, f := range fields {
		if !(f.Confidence >= ConfidenceThreshold) {
			res.LowConfidenceFields = append(res.LowConfidenceFields, f)
		}
	}
	res.Pass = len(res.LowConfidenceFields) == 0
	return res
}

// Check names.
const (
	CheckInvoiceNumber = "invoice_number"
	CheckTotal         = "total"
	CheckLineItems     = "line_items"
	CheckDateCurrency  = "date_currency"
)

// Failure reasons.
const (
	ReasonMissingInvoiceNumber = "Missing invoice number"
	ReasonInvalidTotal         = "Invalid total"
	ReasonMissingLineItems     = "Missing line items"
	ReasonLineItemMismatch     = "Line items do not match total"
	ReasonMissingInvoiceDate   = "Missing invoice date"
	ReasonInvalidCurrency      = "Invalid currency"
)

// Check is one weighted rubric entry.
type Check struct {
	Name    string   `json:"name"`
	Field   string   `json:"field"`
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Score is the invoice acceptance score.
type Score struct {
	Value  float64 `json:"value"`
	Checks []Check `json:"checks"`
}

// Pass reports whether the score clears the threshold.
func (s Score) Pass() bool {
	return s.Value >= ConfidenceThreshold
}

// Reasons lists failure reasons of the failing checks in check order.
func (s Score) Reasons() []string {
	var out []string
	for _, c := range s.Checks {
		if !c.Passed {
			out = append(out, c.Reasons...)
		}
	}
	return out
}

// Failures pairs each reason with the field it concerns.
func (s Score) Failures() []Failure {
	var out []Failure
	for _, c := range s.Checks {
		if c.Passed {
			continue
		}
		for _, r := range c.Reasons {
			out = append(out, Failure{Field: reasonField(c, r), Reason: r})
		}
	}
	return out
}

// Failure is one reason an invoice did not pass.
type Failure struct {
	Field  string
	Reason string
}

func reasonField(c Check, reason string) string {
	switch reason {
	case ReasonMissingInvoiceDate:
		return "invoice_date"
	case ReasonInvalidCurrency:
		return "currency"
	}
	return c.Field
}

// ScoreInvoice evaluates the four independent checks. Each passing check adds CheckWeight.
func ScoreInvoice(inv domain.Invoice) Score {
	totalValid := inv.Total > 0 && !math.IsNaN(inv.Total) && !math.IsInf(inv.Total, 0)

	checks := []Check{
		checkInvoiceNumber(inv),
		checkTotal(totalValid),
		checkLineItems(inv, totalValid),
		checkDateCurrency(inv),
	}

	score := Score{Checks: checks}
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	score.Value = float64(passed) * CheckWeight
	return score
}

func checkInvoiceNumber(inv domain.Invoice) Check {
	c := Check{Name: CheckInvoiceNumber, Field: "invoice_number", Passed: strings.TrimSpace(inv.InvoiceNumber) != ""}
	if !c.Passed {
		c.Reasons = []string{ReasonMissingInvoiceNumber}
	}
	return c
}

func checkTotal(valid bool) Check {
	c := Check{Name: CheckTotal, Field: "total", Passed: valid}
	if !valid {
		c.Reasons = []string{ReasonInvalidTotal}
	}
	return c
}

func checkLineItems(inv domain.Invoice, totalValid bool) Check {
	c := Check{Name: CheckLineItems, Field: "line_items"}
	if !totalValid {
		// the total check already names the problem
		return c
	}
	if len(inv.LineItems) == 0 {
		c.Reasons = []string{ReasonMissingLineItems}
		return c
	}
	sum := 0.0
	for _, li := range inv.LineItems {
		sum += li.Amount
	}
	if math.Abs(sum-inv.Total) <= inv.Total*LineItemTolerance {
		c.Passed = true
		return c
	}
	c.Reasons = []string{ReasonLineItemMismatch}
	return c
}

func checkDateCurrency(inv domain.Invoice) Check {
	c := Check{Name: CheckDateCurrency, Field: "invoice_date"}
	if strings.TrimSpace(inv.InvoiceDate) == "" {
		c.Reasons = append(c.Reasons, ReasonMissingInvoiceDate)
	}
	if !SupportedCurrencies[strings.TrimSpace(inv.Currency)] {
		c.Reasons = append(c.Reasons, ReasonInvalidCurrency)
	}
	c.Passed = len(c.Reasons) == 0
	return c
}

// FormatConfidence renders a confidence as a whole percentage.
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(c*100)))
}
