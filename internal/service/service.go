// Package service owns business validation and the audit trail on top of the
// store.
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/store"
	"farmstand/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service validates requests, drives the store and records the audit trail.
// The clock is injected so sale timestamps are controlled by the caller in
// tests; the service never reads the wall clock for domain decisions.
type Service struct {
	repo      store.Repository
	taxRate   decimal.Decimal
	precision int32
	now       func() time.Time
}

func New(repo store.Repository, taxRate decimal.Decimal, precision int32, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if precision <= 0 {
		precision = 2
	}
	return &Service{repo: repo, taxRate: taxRate, precision: precision, now: now}
}

func (s *Service) ListSites(ctx context.Context) ([]domain.Site, error) {
	return s.repo.ListSites(ctx)
}

func (s *Service) GetSite(ctx context.Context, id int64) (*domain.Site, error) {
	return s.repo.GetSite(ctx, id)
}

func (s *Service) AddSite(ctx context.Context, req domain.SiteCreateRequest) (*domain.Site, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, domain.Invalid("name", "must not be empty")
	}
	kind := domain.SiteKind(strings.TrimSpace(req.Kind))
	if !kind.Valid() {
		return nil, domain.Invalid("kind", "must be field or market")
	}

	site, err := s.repo.CreateSite(ctx, domain.Site{
		Name:    req.Name,
		Kind:    kind,
		Address: strings.TrimSpace(req.Address),
		Phone:   strings.TrimSpace(req.Phone),
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "site_create", "site", site.ID, fmt.Sprintf("name=%s,kind=%s", site.Name, site.Kind))
	return site, nil
}

func (s *Service) ListCrops(ctx context.Context, siteID int64) ([]domain.Crop, error) {
	return s.repo.ListCrops(ctx, siteID)
}

func (s *Service) GetCrop(ctx context.Context, id int64) (*domain.Crop, error) {
	return s.repo.GetCrop(ctx, id)
}

func (s *Service) AddCrop(ctx context.Context, req domain.CropCreateRequest) (*domain.Crop, error) {
	req.ItemName = strings.TrimSpace(req.ItemName)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.SiteID <= 0 {
		return nil, domain.Invalid("site_id", "must be set")
	}
	if req.ItemName == "" {
		return nil, domain.Invalid("item_name", "must not be empty")
	}
	if req.Unit == "" {
		return nil, domain.Invalid("unit", "must not be empty")
	}
	if req.PricePerUnit.IsNegative() {
		return nil, domain.Invalid("price_per_unit", "must not be negative")
	}
	planted, err := domain.ParseDate(req.DatePlanted)
	if err != nil {
		return nil, domain.Invalid("date_planted", "must be a YYYY-MM-DD date")
	}
	expected, err := domain.ParseDate(req.ExpectedHarvestDate)
	if err != nil {
		return nil, domain.Invalid("expected_harvest_date", "must be a YYYY-MM-DD date")
	}
	if expected.Before(planted.Time) {
		return nil, domain.Invalid("expected_harvest_date", "must not precede date_planted")
	}

	crop, err := s.repo.CreateCrop(ctx, domain.Crop{
		SiteID:              req.SiteID,
		ItemName:            req.ItemName,
		DatePlanted:         planted,
		ExpectedHarvestDate: expected,
		Unit:                req.Unit,
		PricePerUnit:        req.PricePerUnit,
		Notes:               strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "crop_create", "crop", crop.ID, fmt.Sprintf("item=%s,site=%d", crop.ItemName, crop.SiteID))
	return crop, nil
}

// RecordHarvest sets the harvest record and re-initializes available_qty to
// the yield. Repeated calls replace the prior record; that is the correction
// path, not a double harvest.
func (s *Service) RecordHarvest(ctx context.Context, cropID int64, req domain.HarvestRequest) (*domain.Crop, error) {
	actual, err := domain.ParseDate(req.ActualDate)
	if err != nil {
		return nil, domain.Invalid("actual_date", "must be a YYYY-MM-DD date")
	}
	if req.YieldQty.IsNegative() {
		return nil, domain.Invalid("yield_qty", "must not be negative")
	}
	existing, err := s.repo.GetCrop(ctx, cropID)
	if err != nil {
		return nil, err
	}
	if actual.Before(existing.DatePlanted.Time) {
		return nil, domain.Invalid("actual_date", "must not precede date_planted")
	}

	crop, err := s.repo.RecordHarvest(ctx, cropID, actual, req.YieldQty)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "harvest_record", "crop", cropID, fmt.Sprintf("date=%s,yield=%s", actual, req.YieldQty))
	return crop, nil
}

func (s *Service) UpdatePrice(ctx context.Context, cropID int64, req domain.PriceUpdateRequest) (*domain.Crop, error) {
	if req.PricePerUnit.IsNegative() {
		return nil, domain.Invalid("price_per_unit", "must not be negative")
	}
	crop, err := s.repo.UpdateCropPrice(ctx, cropID, req.PricePerUnit)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "price_update", "crop", cropID, fmt.Sprintf("price=%s", req.PricePerUnit))
	return crop, nil
}

func (s *Service) AdjustInventory(ctx context.Context, cropID int64, req domain.AdjustmentRequest) (*domain.Crop, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Delta.IsZero() {
		return nil, domain.Invalid("delta", "must not be zero")
	}
	if req.Reason == "" {
		return nil, domain.Invalid("reason", "must not be empty")
	}
	crop, err := s.repo.AdjustStock(ctx, cropID, req.Delta)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "inventory_adjust", "crop", cropID, fmt.Sprintf("delta=%s,reason=%s", req.Delta, req.Reason))
	return crop, nil
}

func (s *Service) ListSellable(ctx context.Context) ([]domain.SellableItem, error) {
	return s.repo.ListSellable(ctx)
}

// FinalizeSale materializes a cart: it is the only operation that turns UI
// state into persisted sales. All settlement and stock work happens inside
// the store's atomic CreateSale.
func (s *Service) FinalizeSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, error) {
	if req.MarketSiteID <= 0 {
		return nil, domain.Invalid("market_site_id", "must be set")
	}
	if len(req.Lines) == 0 {
		return nil, domain.Invalid("lines", "cart is empty")
	}
	if !req.PaymentKind.Valid() {
		return nil, domain.Invalid("payment_kind", "must be cash or card")
	}
	if req.PaymentKind == domain.PaymentCard && !req.CashGiven.IsZero() {
		return nil, domain.Invalid("cash_given", "must be omitted for card payment")
	}
	if req.PaymentKind == domain.PaymentCash && req.CashGiven.IsNegative() {
		return nil, domain.Invalid("cash_given", "must not be negative")
	}

	sale, err := s.repo.CreateSale(ctx, domain.SaleDraft{
		MarketSiteID: req.MarketSiteID,
		Lines:        req.Lines,
		PaymentKind:  req.PaymentKind,
		CashGiven:    req.CashGiven,
		Notes:        strings.TrimSpace(req.Notes),
		TaxRate:      s.taxRate,
		Precision:    s.precision,
		Timestamp:    s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale_finalize", "sale", sale.ID,
		fmt.Sprintf("site=%d,lines=%d,total=%s,payment=%s", sale.SiteID, len(sale.Lines), sale.Total, sale.PaymentKind))
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, siteID int64) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, siteID)
}

func (s *Service) AuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID int64, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Name: "system"}
	}
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Name,
		Action:     action,
		EntityType: entityType,
		EntityID:   fmt.Sprintf("%d", entityID),
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%d: %v", action, entityType, entityID, err)
	}
}
