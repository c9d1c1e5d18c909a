// Package memory implements store.Repository with in-process maps. It backs
// dev mode and the test suite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store keeps all state behind one mutex. CreateSale validates the whole
// cart before touching anything, so a failed sale leaves stock untouched.
type Store struct {
	mu sync.RWMutex

	sites map[int64]domain.Site
	crops map[int64]domain.Crop
	sales map[int64]domain.Sale
	audit []domain.AuditLog

	nextSiteID int64
	nextCropID int64
	nextSaleID int64
	nextLineID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sites: make(map[int64]domain.Site),
		crops: make(map[int64]domain.Crop),
		sales: make(map[int64]domain.Sale),
	}
}

// NewSeeded returns a store pre-loaded with demo sites and crops so dev mode
// is usable immediately.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	north, _ := s.CreateSite(ctx, domain.Site{Name: "North Field", Kind: domain.SiteKindField, Address: "County Road 12", Notes: "irrigated"})
	creek, _ := s.CreateSite(ctx, domain.Site{Name: "Creek Plot", Kind: domain.SiteKindField})
	s.CreateSite(ctx, domain.Site{Name: "Saturday Market", Kind: domain.SiteKindMarket, Address: "Town Square", Phone: "555-0142"})

	tomatoes, _ := s.CreateCrop(ctx, domain.Crop{
		SiteID:              north.ID,
		ItemName:            "Tomatoes",
		DatePlanted:         domain.NewDate(2026, time.March, 14),
		ExpectedHarvestDate: domain.NewDate(2026, time.June, 20),
		Unit:                "kg",
		PricePerUnit:        decimal.RequireFromString("4.50"),
	})
	s.RecordHarvest(ctx, tomatoes.ID, domain.NewDate(2026, time.June, 22), decimal.RequireFromString("120"))

	eggs, _ := s.CreateCrop(ctx, domain.Crop{
		SiteID:              creek.ID,
		ItemName:            "Eggs",
		DatePlanted:         domain.NewDate(2026, time.January, 5),
		ExpectedHarvestDate: domain.NewDate(2026, time.April, 1),
		Unit:                "dozen",
		PricePerUnit:        decimal.RequireFromString("6.00"),
	})
	s.RecordHarvest(ctx, eggs.ID, domain.NewDate(2026, time.April, 2), decimal.RequireFromString("40"))

	s.CreateCrop(ctx, domain.Crop{
		SiteID:              north.ID,
		ItemName:            "Pumpkins",
		DatePlanted:         domain.NewDate(2026, time.May, 30),
		ExpectedHarvestDate: domain.NewDate(2026, time.October, 10),
		Unit:                "each",
		PricePerUnit:        decimal.RequireFromString("7.00"),
	})

	return s
}

func (s *Store) CreateSite(_ context.Context, site domain.Site) (*domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSiteID++
	site.ID = s.nextSiteID
	s.sites[site.ID] = site
	out := site
	return &out, nil
}

func (s *Store) GetSite(_ context.Context, id int64) (*domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, ok := s.sites[id]
	if !ok {
		return nil, domain.NotFound("site", id)
	}
	out := site
	return &out, nil
}

func (s *Store) ListSites(_ context.Context) ([]domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateCrop(_ context.Context, crop domain.Crop) (*domain.Crop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.sites[crop.SiteID]
	if !ok {
		return nil, domain.NotFound("site", crop.SiteID)
	}
	if site.Kind != domain.SiteKindField {
		return nil, &domain.WrongSiteKindError{Expected: domain.SiteKindField, Actual: site.Kind}
	}

	s.nextCropID++
	crop.ID = s.nextCropID
	crop.ActualHarvestDate = nil
	crop.YieldQty = decimal.Zero
	crop.AvailableQty = decimal.Zero
	s.crops[crop.ID] = crop
	out := crop
	return &out, nil
}

func (s *Store) GetCrop(_ context.Context, id int64) (*domain.Crop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crop, ok := s.crops[id]
	if !ok {
		return nil, domain.NotFound("crop", id)
	}
	out := crop
	return &out, nil
}

func (s *Store) ListCrops(_ context.Context, siteID int64) ([]domain.Crop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Crop, 0, len(s.crops))
	for _, crop := range s.crops {
		if siteID != 0 && crop.SiteID != siteID {
			continue
		}
		out = append(out, crop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordHarvest(_ context.Context, cropID int64, actual domain.Date, yieldQty decimal.Decimal) (*domain.Crop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crop, ok := s.crops[cropID]
	if !ok {
		return nil, domain.NotFound("crop", cropID)
	}
	harvested := actual
	crop.ActualHarvestDate = &harvested
	crop.YieldQty = yieldQty
	crop.AvailableQty = yieldQty
	s.crops[cropID] = crop
	out := crop
	return &out, nil
}

func (s *Store) UpdateCropPrice(_ context.Context, cropID int64, price decimal.Decimal) (*domain.Crop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crop, ok := s.crops[cropID]
	if !ok {
		return nil, domain.NotFound("crop", cropID)
	}
	crop.PricePerUnit = price
	s.crops[cropID] = crop
	out := crop
	return &out, nil
}

func (s *Store) AdjustStock(_ context.Context, cropID int64, delta decimal.Decimal) (*domain.Crop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crop, ok := s.crops[cropID]
	if !ok {
		return nil, domain.NotFound("crop", cropID)
	}
	next := crop.AvailableQty.Add(delta)
	if next.IsNegative() {
		return nil, &domain.InsufficientStockError{Deficits: []domain.StockDeficit{{
			CropID:    crop.ID,
			ItemName:  crop.ItemName,
			Requested: delta.Neg(),
			Available: crop.AvailableQty,
		}}}
	}
	crop.AvailableQty = next
	s.crops[cropID] = crop
	out := crop
	return &out, nil
}

func (s *Store) ListSellable(_ context.Context) ([]domain.SellableItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SellableItem, 0, len(s.crops))
	for _, crop := range s.crops {
		if !crop.Harvested() || !crop.AvailableQty.IsPositive() {
			continue
		}
		out = append(out, domain.SellableItem{
			CropID:       crop.ID,
			ItemName:     crop.ItemName,
			Unit:         crop.Unit,
			AvailableQty: crop.AvailableQty,
			PricePerUnit: crop.PricePerUnit,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemName != out[j].ItemName {
			return out[i].ItemName < out[j].ItemName
		}
		return out[i].CropID < out[j].CropID
	})
	return out, nil
}

// CreateSale settles the whole cart against current stock before mutating
// anything, so any failure leaves the store exactly as it was.
func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.sites[draft.MarketSiteID]
	if !ok {
		return nil, domain.NotFound("site", draft.MarketSiteID)
	}
	if site.Kind != domain.SiteKindMarket {
		return nil, &domain.WrongSiteKindError{Expected: domain.SiteKindMarket, Actual: site.Kind}
	}

	cropsByID := make(map[int64]domain.Crop, len(draft.Lines))
	for _, line := range draft.Lines {
		if crop, ok := s.crops[line.CropID]; ok {
			cropsByID[line.CropID] = crop
		}
	}

	sale, demand, err := domain.SettleCart(draft, cropsByID)
	if err != nil {
		return nil, err
	}

	for cropID, qty := range demand {
		crop := s.crops[cropID]
		crop.AvailableQty = crop.AvailableQty.Sub(qty)
		s.crops[cropID] = crop
	}

	s.nextSaleID++
	sale.ID = s.nextSaleID
	for i := range sale.Lines {
		s.nextLineID++
		sale.Lines[i].ID = s.nextLineID
		sale.Lines[i].SaleID = sale.ID
	}
	s.sales[sale.ID] = cloneSale(*sale)
	return sale, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, domain.NotFound("sale", id)
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, siteID int64) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if siteID != 0 && sale.SiteID != siteID {
			continue
		}
		out = append(out, cloneSale(sale))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) HarvestDueWithin(_ context.Context, today domain.Date, days int) ([]domain.HarvestAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.HarvestAlert, 0)
	for _, crop := range s.crops {
		if crop.Harvested() {
			continue
		}
		// Overdue crops stay in the report until their harvest is recorded.
		until := crop.ExpectedHarvestDate.DaysUntil(today)
		if until > days {
			continue
		}
		out = append(out, domain.HarvestAlert{
			CropID:              crop.ID,
			ItemName:            crop.ItemName,
			SiteID:              crop.SiteID,
			ExpectedHarvestDate: crop.ExpectedHarvestDate,
			DaysUntilHarvest:    until,
			AvailableQty:        crop.AvailableQty,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysUntilHarvest != out[j].DaysUntilHarvest {
			return out[i].DaysUntilHarvest < out[j].DaysUntilHarvest
		}
		return out[i].CropID < out[j].CropID
	})
	return out, nil
}

func (s *Store) StockSnapshot(_ context.Context) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockEntry, 0, len(s.crops))
	for _, crop := range s.crops {
		if !crop.AvailableQty.IsPositive() {
			continue
		}
		out = append(out, domain.StockEntry{
			CropID:       crop.ID,
			ItemName:     crop.ItemName,
			SiteID:       crop.SiteID,
			AvailableQty: crop.AvailableQty,
			Unit:         crop.Unit,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemName != out[j].ItemName {
			return out[i].ItemName < out[j].ItemName
		}
		return out[i].CropID < out[j].CropID
	})
	return out, nil
}

func (s *Store) RevenueBySite(_ context.Context) ([]domain.SiteRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[int64]decimal.Decimal)
	for _, sale := range s.sales {
		totals[sale.SiteID] = totals[sale.SiteID].Add(sale.Total)
	}
	out := make([]domain.SiteRevenue, 0, len(totals))
	for siteID, total := range totals {
		out = append(out, domain.SiteRevenue{
			SiteID:   siteID,
			SiteName: s.sites[siteID].Name,
			Total:    total,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Total.Equal(out[j].Total) {
			return out[i].Total.GreaterThan(out[j].Total)
		}
		return out[i].SiteID < out[j].SiteID
	})
	return out, nil
}

func (s *Store) RevenueByMonth(_ context.Context) ([]domain.MonthRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]decimal.Decimal)
	for _, sale := range s.sales {
		month := sale.SoldAt.UTC().Format("2006-01")
		totals[month] = totals[month].Add(sale.Total)
	}
	out := make([]domain.MonthRevenue, 0, len(totals))
	for month, total := range totals {
		out = append(out, domain.MonthRevenue{Month: month, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(out.Lines, sale.Lines)
	return out
}
