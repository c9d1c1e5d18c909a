package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var saleClock = time.Date(2026, time.July, 4, 10, 15, 0, 0, time.UTC)

// newMarketFixture builds a field with one harvested tomato crop (20 kg at
// 3.00) and a market, with a 7% tax rate.
func newMarketFixture(t *testing.T) (*Service, *memory.Store, domain.Site, domain.Site, domain.Crop) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, dec("0.07"), 2, func() time.Time { return saleClock })
	ctx := context.Background()

	field, err := svc.AddSite(ctx, domain.SiteCreateRequest{Name: "North Field", Kind: "field"})
	if err != nil {
		t.Fatalf("add field: %v", err)
	}
	market, err := svc.AddSite(ctx, domain.SiteCreateRequest{Name: "Saturday Market", Kind: "market"})
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	crop, err := svc.AddCrop(ctx, domain.CropCreateRequest{
		SiteID:              field.ID,
		ItemName:            "Tomato",
		DatePlanted:         "2026-03-10",
		ExpectedHarvestDate: "2026-06-25",
		Unit:                "kg",
		PricePerUnit:        dec("3.00"),
	})
	if err != nil {
		t.Fatalf("add crop: %v", err)
	}
	crop, err = svc.RecordHarvest(ctx, crop.ID, domain.HarvestRequest{ActualDate: "2026-06-28", YieldQty: dec("20.0")})
	if err != nil {
		t.Fatalf("record harvest: %v", err)
	}
	return svc, repo, *field, *market, *crop
}

func TestFinalizeSaleCash(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	sale, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("4.0")}},
		PaymentKind:  domain.PaymentCash,
		CashGiven:    dec("20.00"),
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !sale.Subtotal.Equal(dec("12.00")) {
		t.Fatalf("subtotal = %s, want 12.00", sale.Subtotal)
	}
	if !sale.Tax.Equal(dec("0.84")) {
		t.Fatalf("tax = %s, want 0.84", sale.Tax)
	}
	if !sale.Total.Equal(dec("12.84")) {
		t.Fatalf("total = %s, want 12.84", sale.Total)
	}
	if !sale.ChangeDue.Equal(dec("7.16")) {
		t.Fatalf("change = %s, want 7.16", sale.ChangeDue)
	}
	if !sale.SoldAt.Equal(saleClock) {
		t.Fatalf("sold_at = %s, want injected clock %s", sale.SoldAt, saleClock)
	}

	got, _ := svc.GetCrop(ctx, crop.ID)
	if !got.AvailableQty.Equal(dec("16.0")) {
		t.Fatalf("available = %s, want 16.0", got.AvailableQty)
	}

	persisted, err := svc.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(persisted.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(persisted.Lines))
	}
	line := persisted.Lines[0]
	if line.ItemName != "Tomato" || line.Unit != "kg" || !line.PricePerUnit.Equal(dec("3.00")) {
		t.Fatalf("line snapshot wrong: %+v", line)
	}
	// Totals reconcile: subtotal is the sum of line totals.
	if !line.LineTotal.Equal(persisted.Subtotal) {
		t.Fatalf("line total %s != subtotal %s", line.LineTotal, persisted.Subtotal)
	}
}

func TestFinalizeSaleInsufficientStockRollsBack(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("25.0")}},
		PaymentKind:  domain.PaymentCash,
		CashGiven:    dec("100.00"),
	})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	d := stockErr.Deficits[0]
	if d.CropID != crop.ID || !d.Requested.Equal(dec("25.0")) || !d.Available.Equal(dec("20.0")) {
		t.Fatalf("unexpected deficit: %+v", d)
	}

	got, _ := svc.GetCrop(ctx, crop.ID)
	if !got.AvailableQty.Equal(dec("20.0")) {
		t.Fatalf("available = %s, want untouched 20.0", got.AvailableQty)
	}
	sales, _ := svc.ListSales(ctx, 0)
	if len(sales) != 0 {
		t.Fatalf("sale persisted after failure: %d", len(sales))
	}
}

func TestFinalizeSaleDuplicateLines(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	sale, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines: []domain.CartLine{
			{CropID: crop.ID, Qty: dec("3.0")},
			{CropID: crop.ID, Qty: dec("4.0")},
		},
		PaymentKind: domain.PaymentCard,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(sale.Lines) != 2 {
		t.Fatalf("lines = %d, want 2 (no merging)", len(sale.Lines))
	}
	if !sale.Subtotal.Equal(dec("21.00")) {
		t.Fatalf("subtotal = %s, want 21.00", sale.Subtotal)
	}
	got, _ := svc.GetCrop(ctx, crop.ID)
	if !got.AvailableQty.Equal(dec("13.0")) {
		t.Fatalf("available = %s, want 13.0", got.AvailableQty)
	}
}

func TestFinalizeSaleWrongSiteKind(t *testing.T) {
	svc, _, field, _, crop := newMarketFixture(t)

	_, err := svc.FinalizeSale(context.Background(), domain.SaleRequest{
		MarketSiteID: field.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("1.0")}},
		PaymentKind:  domain.PaymentCard,
	})
	var kindErr *domain.WrongSiteKindError
	if !errors.As(err, &kindErr) {
		t.Fatalf("expected WrongSiteKindError, got %v", err)
	}
	if kindErr.Expected != domain.SiteKindMarket || kindErr.Actual != domain.SiteKindField {
		t.Fatalf("unexpected kinds: %+v", kindErr)
	}
	sales, _ := svc.ListSales(context.Background(), 0)
	if len(sales) != 0 {
		t.Fatalf("sale persisted after wrong site kind: %d", len(sales))
	}
}

func TestFinalizeSaleCard(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)

	sale, err := svc.FinalizeSale(context.Background(), domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("4.0")}},
		PaymentKind:  domain.PaymentCard,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !sale.Total.Equal(dec("12.84")) {
		t.Fatalf("total = %s, want 12.84", sale.Total)
	}
	if !sale.CashGiven.IsZero() || !sale.ChangeDue.IsZero() {
		t.Fatalf("card sale carries cash fields: given=%s change=%s", sale.CashGiven, sale.ChangeDue)
	}
}

func TestFinalizeSaleCashShort(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)

	_, err := svc.FinalizeSale(context.Background(), domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("4.0")}},
		PaymentKind:  domain.PaymentCash,
		CashGiven:    dec("10.00"),
	})
	var shortErr *domain.PaymentShortError
	if !errors.As(err, &shortErr) {
		t.Fatalf("expected PaymentShortError, got %v", err)
	}
	if !shortErr.Total.Equal(dec("12.84")) {
		t.Fatalf("total in error = %s, want 12.84", shortErr.Total)
	}
}

func TestFinalizeSaleRejectsCashGivenOnCard(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)

	_, err := svc.FinalizeSale(context.Background(), domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("1.0")}},
		PaymentKind:  domain.PaymentCard,
		CashGiven:    dec("5.00"),
	})
	var valErr *domain.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSaleIDsMonotone(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		sale, err := svc.FinalizeSale(ctx, domain.SaleRequest{
			MarketSiteID: market.ID,
			Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("1.0")}},
			PaymentKind:  domain.PaymentCard,
		})
		if err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
		if sale.ID <= last {
			t.Fatalf("sale id %d not greater than previous %d", sale.ID, last)
		}
		last = sale.ID
	}
}

// Replaying recorded sales against a fresh store with the same catalog and
// yields reproduces final stock levels.
func TestSaleReplayReproducesStock(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	carts := [][]domain.CartLine{
		{{CropID: crop.ID, Qty: dec("2.5")}},
		{{CropID: crop.ID, Qty: dec("1.0")}, {CropID: crop.ID, Qty: dec("3.0")}},
		{{CropID: crop.ID, Qty: dec("4.5")}},
	}
	for _, lines := range carts {
		if _, err := svc.FinalizeSale(ctx, domain.SaleRequest{
			MarketSiteID: market.ID,
			Lines:        lines,
			PaymentKind:  domain.PaymentCard,
		}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	want, _ := svc.GetCrop(ctx, crop.ID)

	replaySvc, _, _, replayMarket, replayCrop := newMarketFixture(t)
	sales, err := svc.ListSales(ctx, 0)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	for _, sale := range sales {
		lines := make([]domain.CartLine, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			lines = append(lines, domain.CartLine{CropID: replayCrop.ID, Qty: line.Qty, Discount: line.Discount})
		}
		if _, err := replaySvc.FinalizeSale(ctx, domain.SaleRequest{
			MarketSiteID: replayMarket.ID,
			Lines:        lines,
			PaymentKind:  sale.PaymentKind,
			CashGiven:    sale.CashGiven,
		}); err != nil {
			t.Fatalf("replay finalize: %v", err)
		}
	}

	got, _ := replaySvc.GetCrop(ctx, replayCrop.ID)
	if !got.AvailableQty.Equal(want.AvailableQty) {
		t.Fatalf("replayed stock %s != original %s", got.AvailableQty, want.AvailableQty)
	}
}

func TestAddCropValidation(t *testing.T) {
	svc, _, field, _, _ := newMarketFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.CropCreateRequest
	}{
		{"missing item name", domain.CropCreateRequest{SiteID: field.ID, DatePlanted: "2026-03-01", ExpectedHarvestDate: "2026-06-01", Unit: "kg", PricePerUnit: dec("1")}},
		{"bad planted date", domain.CropCreateRequest{SiteID: field.ID, ItemName: "Kale", DatePlanted: "03/01/2026", ExpectedHarvestDate: "2026-06-01", Unit: "kg", PricePerUnit: dec("1")}},
		{"expected before planted", domain.CropCreateRequest{SiteID: field.ID, ItemName: "Kale", DatePlanted: "2026-06-01", ExpectedHarvestDate: "2026-03-01", Unit: "kg", PricePerUnit: dec("1")}},
		{"negative price", domain.CropCreateRequest{SiteID: field.ID, ItemName: "Kale", DatePlanted: "2026-03-01", ExpectedHarvestDate: "2026-06-01", Unit: "kg", PricePerUnit: dec("-1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AddCrop(ctx, tc.req)
			var valErr *domain.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRecordHarvestBeforePlantingRejected(t *testing.T) {
	svc, _, field, _, _ := newMarketFixture(t)
	ctx := context.Background()

	crop, err := svc.AddCrop(ctx, domain.CropCreateRequest{
		SiteID:              field.ID,
		ItemName:            "Kale",
		DatePlanted:         "2026-05-01",
		ExpectedHarvestDate: "2026-07-01",
		Unit:                "kg",
		PricePerUnit:        dec("2.00"),
	})
	if err != nil {
		t.Fatalf("add crop: %v", err)
	}
	_, err = svc.RecordHarvest(ctx, crop.ID, domain.HarvestRequest{ActualDate: "2026-04-01", YieldQty: dec("5")})
	var valErr *domain.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdatePriceLeavesSaleSnapshots(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := context.Background()

	sale, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("2.0")}},
		PaymentKind:  domain.PaymentCard,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := svc.UpdatePrice(ctx, crop.ID, domain.PriceUpdateRequest{PricePerUnit: dec("9.99")}); err != nil {
		t.Fatalf("update price: %v", err)
	}

	persisted, _ := svc.GetSale(ctx, sale.ID)
	if !persisted.Lines[0].PricePerUnit.Equal(dec("3.00")) {
		t.Fatalf("sale snapshot mutated by price update: %s", persisted.Lines[0].PricePerUnit)
	}
}

func TestAdjustInventoryRequiresReason(t *testing.T) {
	svc, _, _, _, crop := newMarketFixture(t)

	_, err := svc.AdjustInventory(context.Background(), crop.ID, domain.AdjustmentRequest{Delta: dec("-1")})
	var valErr *domain.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAuditTrailRecordsActor(t *testing.T) {
	svc, _, _, market, crop := newMarketFixture(t)
	ctx := WithActor(context.Background(), domain.Actor{Name: "operator"})

	if _, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		MarketSiteID: market.ID,
		Lines:        []domain.CartLine{{CropID: crop.ID, Qty: dec("1.0")}},
		PaymentKind:  domain.PaymentCard,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	logs, err := svc.AuditLogs(ctx, 1)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "sale_finalize" || logs[0].Actor != "operator" {
		t.Fatalf("unexpected audit entry: %+v", logs)
	}
}
