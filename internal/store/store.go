// Package store defines the persistence contract shared by the in-memory
// and postgres implementations.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
)

// Repository is the single persistence boundary. Methods that touch more
// than one table (CreateSale) are atomic end-to-end: the postgres store runs
// them in one serializable transaction, the memory store in one
// validate-then-apply critical section. Infrastructure failures come back as
// *domain.StorageFault; everything else is a typed domain error.
type Repository interface {
	// Sites.
	CreateSite(ctx context.Context, site domain.Site) (*domain.Site, error)
	GetSite(ctx context.Context, id int64) (*domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)

	// Crops. CreateCrop verifies the owning site exists and is a field.
	CreateCrop(ctx context.Context, crop domain.Crop) (*domain.Crop, error)
	GetCrop(ctx context.Context, id int64) (*domain.Crop, error)
	ListCrops(ctx context.Context, siteID int64) ([]domain.Crop, error)

	// RecordHarvest replaces any prior harvest record on the crop and
	// re-initializes available_qty to yield. UpdateCropPrice touches only
	// the catalog price; sold lines keep their snapshots. AdjustStock
	// applies a signed delta and rejects any result below zero.
	RecordHarvest(ctx context.Context, cropID int64, actual domain.Date, yieldQty decimal.Decimal) (*domain.Crop, error)
	UpdateCropPrice(ctx context.Context, cropID int64, price decimal.Decimal) (*domain.Crop, error)
	AdjustStock(ctx context.Context, cropID int64, delta decimal.Decimal) (*domain.Crop, error)

	// ListSellable returns harvested crops with available_qty > 0, ordered
	// by item name then crop id.
	ListSellable(ctx context.Context) ([]domain.SellableItem, error)

	// CreateSale is the atomic finalize: it validates the market site,
	// settles the cart against current stock, decrements available_qty and
	// persists the sale with its lines, all inside one transaction.
	CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, siteID int64) ([]domain.Sale, error)

	// Reporting reads. HarvestDueWithin spans [today, today+days] for
	// unharvested crops; revenue aggregates use sale totals.
	HarvestDueWithin(ctx context.Context, today domain.Date, days int) ([]domain.HarvestAlert, error)
	StockSnapshot(ctx context.Context) ([]domain.StockEntry, error)
	RevenueBySite(ctx context.Context) ([]domain.SiteRevenue, error)
	RevenueByMonth(ctx context.Context) ([]domain.MonthRevenue, error)

	// Audit trail, append-only.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	Close() error
}
