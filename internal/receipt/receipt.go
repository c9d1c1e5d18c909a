// Package receipt turns a persisted sale into a printable receipt. Build
// produces the abstract record; renderers decide presentation.
package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
)

type Line struct {
	ItemName     string          `json:"item_name"`
	Qty          decimal.Decimal `json:"qty"`
	Unit         string          `json:"unit"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Discount     decimal.Decimal `json:"discount"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// Receipt is the structured record for one sale: everything a renderer
// needs, nothing presentation-specific.
type Receipt struct {
	SiteName    string             `json:"site_name"`
	Address     string             `json:"address,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	Title       string             `json:"title"`
	Timestamp   time.Time          `json:"timestamp"`
	Lines       []Line             `json:"lines"`
	Subtotal    decimal.Decimal    `json:"subtotal"`
	Tax         decimal.Decimal    `json:"tax"`
	Total       decimal.Decimal    `json:"total"`
	PaymentKind domain.PaymentKind `json:"payment_kind"`
	CashGiven   decimal.Decimal    `json:"cash_given"`
	ChangeDue   decimal.Decimal    `json:"change_due"`
	Notes       string             `json:"notes,omitempty"`
	Token       string             `json:"token"`
}

// Build assembles the receipt record for a sale at the given market site.
// Line snapshots come from the sale, never the current catalog.
func Build(sale *domain.Sale, site *domain.Site) Receipt {
	lines := make([]Line, 0, len(sale.Lines))
	for _, l := range sale.Lines {
		lines = append(lines, Line{
			ItemName:     l.ItemName,
			Qty:          l.Qty,
			Unit:         l.Unit,
			PricePerUnit: l.PricePerUnit,
			Discount:     l.Discount,
			LineTotal:    l.LineTotal,
		})
	}
	return Receipt{
		SiteName:    site.Name,
		Address:     site.Address,
		Phone:       site.Phone,
		Title:       fmt.Sprintf("Receipt #%d", sale.ID),
		Timestamp:   sale.SoldAt,
		Lines:       lines,
		Subtotal:    sale.Subtotal,
		Tax:         sale.Tax,
		Total:       sale.Total,
		PaymentKind: sale.PaymentKind,
		CashGiven:   sale.CashGiven,
		ChangeDue:   sale.ChangeDue,
		Notes:       sale.Notes,
		Token:       fmt.Sprintf("sale:%d", sale.ID),
	}
}

const width = 40

// RenderText produces a fixed-width printable preview. The output is
// restricted to Latin-1: anything outside is transliterated, never an error.
func RenderText(r Receipt) string {
	var b strings.Builder
	rule := strings.Repeat("=", width)
	thin := strings.Repeat("-", width)

	center := func(s string) {
		s = sanitize(s)
		if pad := (width - len(s)) / 2; pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	kv := func(label, value string) {
		label = sanitize(label)
		value = sanitize(value)
		gap := width - len(label) - len(value)
		if gap < 1 {
			gap = 1
		}
		b.WriteString(label + strings.Repeat(" ", gap) + value + "\n")
	}

	center(r.SiteName)
	if r.Address != "" {
		center(r.Address)
	}
	if r.Phone != "" {
		center(r.Phone)
	}
	center(r.Title)
	center(r.Timestamp.Format("2006-01-02 15:04"))
	b.WriteString(rule + "\n")

	for _, line := range r.Lines {
		b.WriteString(sanitize(line.ItemName) + "\n")
		detail := fmt.Sprintf("%s %s x %s", line.Qty, line.Unit, line.PricePerUnit)
		if !line.Discount.IsZero() {
			detail += fmt.Sprintf(" -%s", line.Discount)
		}
		kv("  "+detail, line.LineTotal.String())
	}
	b.WriteString(thin + "\n")

	kv("Subtotal", r.Subtotal.String())
	kv("Tax", r.Tax.String())
	kv("Total", r.Total.String())
	kv("Payment", string(r.PaymentKind))
	if r.PaymentKind == domain.PaymentCash {
		kv("Cash", r.CashGiven.String())
		kv("Change", r.ChangeDue.String())
	}
	if r.Notes != "" {
		b.WriteString(thin + "\n")
		b.WriteString(sanitize(r.Notes) + "\n")
	}
	b.WriteString(rule + "\n")
	center(r.Token)
	return b.String()
}

// sanitize maps the output onto Latin-1. Common typographic characters get a
// readable replacement; everything else outside the range becomes '?'.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '‘' || r == '’':
			b.WriteByte('\'')
		case r == '“' || r == '”':
			b.WriteByte('"')
		case r == '–' || r == '—':
			b.WriteByte('-')
		case r == '…':
			b.WriteString("...")
		case r <= 0xFF:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}
