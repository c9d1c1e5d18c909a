// Package report computes the read-models derived from store state: harvest
// alerts, the stock snapshot and the revenue aggregates.
package report

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"farmstand/backend/internal/cache"
	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/store"
)

const (
	keyHarvestDue     = "report:harvest-due"
	keyStock          = "report:stock"
	keyRevenueBySite  = "report:revenue-by-site"
	keyRevenueByMonth = "report:revenue-by-month"
)

// Engine serves reports from the repository, with a short-TTL cache in
// front. Reports are point-in-time snapshots, so a stale or missing cache
// entry is never an error: any cache failure falls through to the store.
type Engine struct {
	repo          store.Repository
	cache         cache.ReportCache
	ttl           time.Duration
	defaultWindow int
	now           func() time.Time
	logger        *log.Logger
}

func NewEngine(repo store.Repository, c cache.ReportCache, ttl time.Duration, defaultWindow int, now func() time.Time, logger *log.Logger) *Engine {
	if c == nil {
		c = cache.Noop{}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	if defaultWindow <= 0 {
		defaultWindow = 7
	}
	return &Engine{repo: repo, cache: c, ttl: ttl, defaultWindow: defaultWindow, now: now, logger: logger}
}

// DefaultWindow is the harvest-due lookahead used when the caller does not
// pass one.
func (e *Engine) DefaultWindow() int { return e.defaultWindow }

// HarvestDue lists unharvested crops whose expected harvest date falls
// within [today, today+days]. days <= 0 selects the configured default
// window. Only the default window is cached.
func (e *Engine) HarvestDue(ctx context.Context, days int) ([]domain.HarvestAlert, error) {
	if days <= 0 {
		days = e.defaultWindow
	}
	today := domain.DateOf(e.now())
	if days != e.defaultWindow {
		return e.repo.HarvestDueWithin(ctx, today, days)
	}
	return cached(e, ctx, keyHarvestDue, func() ([]domain.HarvestAlert, error) {
		return e.repo.HarvestDueWithin(ctx, today, days)
	})
}

func (e *Engine) StockSnapshot(ctx context.Context) ([]domain.StockEntry, error) {
	return cached(e, ctx, keyStock, func() ([]domain.StockEntry, error) {
		return e.repo.StockSnapshot(ctx)
	})
}

func (e *Engine) RevenueBySite(ctx context.Context) ([]domain.SiteRevenue, error) {
	return cached(e, ctx, keyRevenueBySite, func() ([]domain.SiteRevenue, error) {
		return e.repo.RevenueBySite(ctx)
	})
}

func (e *Engine) RevenueByMonth(ctx context.Context) ([]domain.MonthRevenue, error) {
	return cached(e, ctx, keyRevenueByMonth, func() ([]domain.MonthRevenue, error) {
		return e.repo.RevenueByMonth(ctx)
	})
}

// Invalidate drops every cached report. Called after mutations so the next
// read reflects them immediately instead of after TTL expiry.
func (e *Engine) Invalidate(ctx context.Context) {
	if err := e.cache.Invalidate(ctx, keyHarvestDue, keyStock, keyRevenueBySite, keyRevenueByMonth); err != nil {
		e.logger.Printf("[report] cache invalidate failed: %v", err)
	}
}

func cached[T any](e *Engine, ctx context.Context, key string, compute func() ([]T, error)) ([]T, error) {
	if e.ttl > 0 {
		if raw, err := e.cache.Get(ctx, key); err == nil {
			var out []T
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
			e.logger.Printf("[report] dropping undecodable cache entry %s", key)
		}
	}

	out, err := compute()
	if err != nil {
		return nil, err
	}

	if e.ttl > 0 {
		if raw, err := json.Marshal(out); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.ttl); err != nil {
				e.logger.Printf("[report] cache set failed for %s: %v", key, err)
			}
		}
	}
	return out, nil
}
