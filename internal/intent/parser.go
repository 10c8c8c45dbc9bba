// Package intent maps free-text commands to an action and its entities.
package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Parser turns user text into an intent. Implementations must be safe for concurrent use.
type Parser interface {
	Parse(text string) domain.Intent
}

// Entity keys.
const (
	EntityDocID     = "docId"
	EntityRange     = "range"
	EntityVendor    = "vendor"
	EntityDays      = "days"
	EntityInvoiceID = "invoiceId"
	EntitySinceTs   = "sinceTs"
)

const (
	defaultDocID  = "doc-001"
	defaultVendor = "Acme Corp"
	defaultDays   = "30"
)

type rule struct {
	action   domain.Action
	keywords []string
}

// Order matters: the first rule with a matching keyword wins.
var rules = []rule{
	{domain.ActionSummarize, []string{"summarize", "summary"}},
	{domain.ActionVendor, []string{"vendor status", "check vendor"}},
	{domain.ActionCreate, []string{"create invoice", "new invoice"}},
	{domain.ActionList, []string{"list", "show"}},
	{domain.ActionSend, []string{"send reminder", "remind"}},
	{domain.ActionExport, []string{"export", "report"}},
	{domain.ActionIngest, []string{"ingest", "fetch emails"}},
	{domain.ActionProcess, []string{"process", "ocr"}},
}

var (
	docIDPattern     = regexp.MustCompile(`\bdoc-[0-9a-z]+\b`)
	daysPattern      = regexp.MustCompile(`\b(\d{1,3})[- ]day`)
	invoiceIDPattern = regexp.MustCompile(`(?i)\bINV-[0-9A-Z-]+\b`)
	vendorPattern    = regexp.MustCompile(`\b(?i:to|for|vendor)\s+([A-Z][\w&.]*(?:\s+[A-Z][\w&.]*)*)`)
	lastDaysPattern  = regexp.MustCompile(`last (\d{1,3}) days`)
)

// RuleParser is a keyword matcher with regexp entity extraction.
type RuleParser struct {
	now func() time.Time
}

// NewRuleParser creates the default parser.
func NewRuleParser() *RuleParser {
	return &RuleParser{now: time.Now}
}

// Parse implements Parser.
func (p *RuleParser) Parse(text string) domain.Intent {
	raw := norm.NFKC.String(strings.TrimSpace(text))
	// a Caser is stateful, so each call gets its own
	folded := cases.Fold().String(raw)

	action := domain.ActionUnknown
	for _, r := range rules {
		if containsAny(folded, r.keywords) {
			action = r.action
			break
		}
	}
	if action == domain.ActionUnknown {
		return domain.Intent{Action: domain.ActionUnknown, Entities: map[string]string{}}
	}
	return domain.Intent{Action: action, Entities: p.entities(action, raw, folded)}
}

func (p *RuleParser) entities(action domain.Action, raw, folded string) map[string]string {
	e := map[string]string{}
	switch action {
	case domain.ActionSummarize:
		e[EntityRange] = extractRange(folded, "last 7 days")
	case domain.ActionCreate, domain.ActionProcess:
		e[EntityDocID] = firstMatch(docIDPattern, folded, defaultDocID)
	case domain.ActionList:
		e[EntityDays] = extractDays(folded, defaultDays)
		if v := extractVendor(raw); v != "" {
			e[EntityVendor] = v
		}
	case domain.ActionSend:
		vendor := extractVendor(raw)
		invoiceID := strings.ToUpper(invoiceIDPattern.FindString(raw))
		if vendor == "" && invoiceID == "" {
			vendor = defaultVendor
		}
		if vendor != "" {
			e[EntityVendor] = vendor
		}
		if invoiceID != "" {
			e[EntityInvoiceID] = invoiceID
		}
		e[EntityDays] = extractDays(folded, defaultDays)
	case domain.ActionExport:
		e[EntityRange] = extractRange(folded, "this week")
	case domain.ActionIngest:
		e[EntitySinceTs] = strconv.FormatInt(p.now().Add(-7*24*time.Hour).UnixMilli(), 10)
	case domain.ActionVendor:
		v := extractVendor(raw)
		if v == "" {
			v = defaultVendor
		}
		e[EntityVendor] = v
	}
	return e
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func firstMatch(re *regexp.Regexp, s, def string) string {
	if m := re.FindString(s); m != "" {
		return m
	}
	return def
}

func extractDays(folded, def string) string {
	if m := daysPattern.FindStringSubmatch(folded); m != nil {
		return m[1]
	}
	return def
}

func extractRange(folded, def string) string {
	for _, r := range []string{"today", "yesterday", "this week", "last week", "this month", "last month"} {
		if strings.Contains(folded, r) {
			return r
		}
	}
	if m := lastDaysPattern.FindString(folded); m != "" {
		return m
	}
	return def
}

func extractVendor(raw string) string {
	m := vendorPattern.FindStringSubmatch(invoiceIDPattern.ReplaceAllString(raw, ""))
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], ".")
}
