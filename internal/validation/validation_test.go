package validation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

func validInvoice() domain.Invoice {
	return domain.Invoice{
		InvoiceNumber: "INV-1",
		InvoiceDate:   "2025-01-01",
		Currency:      "USD",
		Total:         100,
		LineItems:     []domain.LineItem{{Description: "Widgets", Quantity: 1, UnitPrice: 100, Amount: 100}},
	}
}

func TestValidateFields_FlagsLowConfidence(t *testing.T) {
	res := ValidateFields([]domain.Field{
		{Key: "Vendor", Value: "Acme Corp", Confidence: 0.45},
		{Key: "Date", Value: "2025-01-15", Confidence: 0.92},
		{Key: "Total", Value: "$1,250.00", Confidence: 0.88},
	})

	assert.False(t, res.Pass)
	assert.Len(t, res.LowConfidenceFields, 1)
	assert.Equal(t, "Vendor", res.LowConfidenceFields[0].Key)
}

func TestValidateFields_ThresholdIsExclusive(t *testing.T) {
	res := ValidateFields([]domain.Field{{Key: "a", Confidence: 0.85}, {Key: "b", Confidence: 0.8499}})
	assert.False(t, res.Pass)
	assert.Equal(t, []domain.Field{{Key: "b", Confidence: 0.8499}}, res.LowConfidenceFields)

	res = ValidateFields([]domain.Field{{Key: "a", Confidence: 0.85}})
	assert.True(t, res.Pass)
	assert.Empty(t, res.LowConfidenceFields)
}

func TestValidateFields_NaNConfidenceFails(t *testing.T) {
	res := ValidateFields([]domain.Field{{Key: "a", Confidence: 0.95}, {Key: "b", Confidence: math.NaN()}})
	assert.False(t, res.Pass)
	if assert.Len(t, res.LowConfidenceFields, 1) {
		assert.Equal(t, "b", res.LowConfidenceFields[0].Key)
	}
}

func TestValidateFields_Empty(t *testing.T) {
	res := ValidateFields(nil)
	assert.True(t, res.Pass)
	assert.NotNil(t, res.LowConfidenceFields)
}

func TestScoreInvoice_AllChecksPass(t *testing.T) {
	s := ScoreInvoice(validInvoice())
	assert.Equal(t, 1.0, s.Value)
	assert.True(t, s.Pass())
	assert.Empty(t, s.Reasons())
}

func TestScoreInvoice_MissingNumberAndDate(t *testing.T) {
	inv := validInvoice()
	inv.InvoiceNumber = ""
	inv.InvoiceDate = ""

	s := ScoreInvoice(inv)
	assert.Equal(t, 0.5, s.Value)
	assert.False(t, s.Pass())
	assert.Equal(t, []string{ReasonMissingInvoiceNumber, ReasonMissingInvoiceDate}, s.Reasons())
}

func TestScoreInvoice_Rubric(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.Invoice)
		value   float64
		reasons []string
	}{
		{
			name:    "line items within tolerance",
			mutate:  func(inv *domain.Invoice) { inv.LineItems[0].Amount = 101.9 },
			value:   1.0,
			reasons: nil,
		},
		{
			name:    "line items outside tolerance",
			mutate:  func(inv *domain.Invoice) { inv.LineItems[0].Amount = 97.9 },
			value:   0.75,
			reasons: []string{ReasonLineItemMismatch},
		},
		{
			name:    "no line items",
			mutate:  func(inv *domain.Invoice) { inv.LineItems = nil },
			value:   0.75,
			reasons: []string{ReasonMissingLineItems},
		},
		{
			name:    "zero total fails total and line items",
			mutate:  func(inv *domain.Invoice) { inv.Total = 0 },
			value:   0.5,
			reasons: []string{ReasonInvalidTotal},
		},
		{
			name:    "unsupported currency",
			mutate:  func(inv *domain.Invoice) { inv.Currency = "EUR" },
			value:   0.75,
			reasons: []string{ReasonInvalidCurrency},
		},
		{
			name: "date and currency both missing count once",
			mutate: func(inv *domain.Invoice) {
				inv.InvoiceDate = ""
				inv.Currency = ""
			},
			value:   0.75,
			reasons: []string{ReasonMissingInvoiceDate, ReasonInvalidCurrency},
		},
		{
			name:    "everything missing",
			mutate:  func(inv *domain.Invoice) { *inv = domain.Invoice{} },
			value:   0,
			reasons: []string{ReasonMissingInvoiceNumber, ReasonInvalidTotal, ReasonMissingInvoiceDate, ReasonInvalidCurrency},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(&inv)
			s := ScoreInvoice(inv)

			assert.InDelta(t, tt.value, s.Value, 1e-9)
			assert.GreaterOrEqual(t, s.Value, 0.0)
			assert.LessOrEqual(t, s.Value, 1.0)
			assert.Equal(t, tt.reasons, s.Reasons())
			assert.Len(t, s.Checks, 4)
			if !s.Pass() {
				assert.NotEmpty(t, s.Reasons())
			}
		})
	}
}

func TestScore_Failures(t *testing.T) {
	inv := validInvoice()
	inv.InvoiceDate = ""
	inv.Currency = "EUR"

	failures := ScoreInvoice(inv).Failures()
	assert.Equal(t, []Failure{
		{Field: "invoice_date", Reason: ReasonMissingInvoiceDate},
		{Field: "currency", Reason: ReasonInvalidCurrency},
	}, failures)
}

func TestFormatConfidence(t *testing.T) {
	assert.Equal(t, "45%", FormatConfidence(0.45))
	assert.Equal(t, "88%", FormatConfidence(0.88))
	assert.Equal(t, "100%", FormatConfidence(1))
}
