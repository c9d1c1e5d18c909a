package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SettleCart prices a cart against the crops it references and produces a
// sale ready for persistence, plus the per-crop quantity the store must
// consume. It is pure: both store implementations call it inside their own
// transaction so the math is identical everywhere.
//
// Duplicate crop lines stay separate lines, but their demand is summed per
// crop before the stock check; every deficient crop is reported in a single
// InsufficientStockError.
func SettleCart(draft SaleDraft, cropsByID map[int64]Crop) (*Sale, map[int64]decimal.Decimal, error) {
	if len(draft.Lines) == 0 {
		return nil, nil, Invalid("lines", "cart is empty")
	}

	demand := make(map[int64]decimal.Decimal, len(draft.Lines))
	for _, line := range draft.Lines {
		crop, ok := cropsByID[line.CropID]
		if !ok {
			return nil, nil, NotFound("crop", line.CropID)
		}
		if !crop.Harvested() {
			return nil, nil, Invalid("crop_id", fmt.Sprintf("crop %d has no recorded harvest", line.CropID))
		}
		if !line.Qty.IsPositive() {
			return nil, nil, Invalid("qty", "must be positive")
		}
		if line.Discount.IsNegative() {
			return nil, nil, Invalid("discount", "must not be negative")
		}
		demand[line.CropID] = demand[line.CropID].Add(line.Qty)
	}

	var deficits []StockDeficit
	for _, line := range draft.Lines {
		crop := cropsByID[line.CropID]
		if _, counted := demand[line.CropID]; !counted {
			continue
		}
		if demand[line.CropID].GreaterThan(crop.AvailableQty) {
			deficits = append(deficits, StockDeficit{
				CropID:    crop.ID,
				ItemName:  crop.ItemName,
				Requested: demand[crop.ID],
				Available: crop.AvailableQty,
			})
			delete(demand, line.CropID)
		}
	}
	if len(deficits) > 0 {
		return nil, nil, &InsufficientStockError{Deficits: deficits}
	}

	lines := make([]SaleLine, 0, len(draft.Lines))
	subtotal := decimal.Zero
	for _, line := range draft.Lines {
		crop := cropsByID[line.CropID]
		lineTotal := line.Qty.Mul(crop.PricePerUnit).Sub(line.Discount).Round(draft.Precision)
		if lineTotal.IsNegative() {
			return nil, nil, Invalid("discount", fmt.Sprintf("discount exceeds line amount for crop %d", line.CropID))
		}
		lines = append(lines, SaleLine{
			CropID:       crop.ID,
			ItemName:     crop.ItemName,
			Unit:         crop.Unit,
			Qty:          line.Qty,
			PricePerUnit: crop.PricePerUnit,
			Discount:     line.Discount.Round(draft.Precision),
			LineTotal:    lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	// Decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts this domain produces.
	tax := subtotal.Mul(draft.TaxRate).Round(draft.Precision)
	total := subtotal.Add(tax)

	sale := &Sale{
		SiteID:      draft.MarketSiteID,
		SoldAt:      draft.Timestamp.UTC(),
		Subtotal:    subtotal,
		Tax:         tax,
		Total:       total,
		PaymentKind: draft.PaymentKind,
		CashGiven:   decimal.Zero.Round(draft.Precision),
		ChangeDue:   decimal.Zero.Round(draft.Precision),
		Notes:       draft.Notes,
		Lines:       lines,
	}

	switch draft.PaymentKind {
	case PaymentCash:
		if draft.CashGiven.LessThan(total) {
			return nil, nil, &PaymentShortError{Total: total, CashGiven: draft.CashGiven}
		}
		sale.CashGiven = draft.CashGiven.Round(draft.Precision)
		sale.ChangeDue = draft.CashGiven.Sub(total).Round(draft.Precision)
	case PaymentCard:
		// Card sales carry no cash fields; both stay zero.
	default:
		return nil, nil, Invalid("payment_kind", "must be cash or card")
	}

	return sale, demand, nil
}
