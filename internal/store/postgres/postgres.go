// Package postgres implements store.Repository on PostgreSQL through
// database/sql with the pgx driver. The schema is created on first run.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id      BIGSERIAL PRIMARY KEY,
	name    TEXT NOT NULL,
	kind    TEXT NOT NULL CHECK (kind IN ('field', 'market')),
	address TEXT NOT NULL DEFAULT '',
	phone   TEXT NOT NULL DEFAULT '',
	notes   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS crops (
	id                    BIGSERIAL PRIMARY KEY,
	site_id               BIGINT NOT NULL REFERENCES sites (id),
	item_name             TEXT NOT NULL,
	date_planted          DATE NOT NULL,
	expected_harvest_date DATE NOT NULL,
	actual_harvest_date   DATE,
	yield_qty             NUMERIC(12,3) NOT NULL DEFAULT 0,
	available_qty         NUMERIC(12,3) NOT NULL DEFAULT 0 CHECK (available_qty >= 0),
	unit                  TEXT NOT NULL,
	price_per_unit        NUMERIC(12,2) NOT NULL,
	notes                 TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sales (
	id           BIGSERIAL PRIMARY KEY,
	site_id      BIGINT NOT NULL REFERENCES sites (id),
	sold_at      TIMESTAMPTZ NOT NULL,
	subtotal     NUMERIC(12,2) NOT NULL,
	tax          NUMERIC(12,2) NOT NULL,
	total        NUMERIC(12,2) NOT NULL,
	payment_kind TEXT NOT NULL CHECK (payment_kind IN ('cash', 'card')),
	cash_given   NUMERIC(12,2) NOT NULL DEFAULT 0,
	change_due   NUMERIC(12,2) NOT NULL DEFAULT 0,
	notes        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sale_items (
	id             BIGSERIAL PRIMARY KEY,
	sale_id        BIGINT NOT NULL REFERENCES sales (id),
	crop_id        BIGINT NOT NULL REFERENCES crops (id),
	item_name      TEXT NOT NULL,
	unit           TEXT NOT NULL,
	qty            NUMERIC(12,3) NOT NULL,
	price_per_unit NUMERIC(12,2) NOT NULL,
	discount       NUMERIC(12,2) NOT NULL DEFAULT 0,
	line_total     NUMERIC(12,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          TEXT PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crops_site ON crops (site_id);
CREATE INDEX IF NOT EXISTS idx_sales_site ON sales (site_id);
CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items (sale_id);
`

func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func fault(op string, err error) error {
	return &domain.StorageFault{Op: op, Err: err}
}

func (s *Store) CreateSite(ctx context.Context, site domain.Site) (*domain.Site, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sites (name, kind, address, phone, notes)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		site.Name, site.Kind, site.Address, site.Phone, site.Notes,
	).Scan(&site.ID)
	if err != nil {
		return nil, fault("create site", err)
	}
	return &site, nil
}

func (s *Store) GetSite(ctx context.Context, id int64) (*domain.Site, error) {
	return scanSite(s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, address, phone, notes FROM sites WHERE id = $1`, id), id)
}

func scanSite(row *sql.Row, id int64) (*domain.Site, error) {
	var site domain.Site
	err := row.Scan(&site.ID, &site.Name, &site.Kind, &site.Address, &site.Phone, &site.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("site", id)
	}
	if err != nil {
		return nil, fault("get site", err)
	}
	return &site, nil
}

func (s *Store) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, address, phone, notes FROM sites ORDER BY id`)
	if err != nil {
		return nil, fault("list sites", err)
	}
	defer rows.Close()

	out := make([]domain.Site, 0)
	for rows.Next() {
		var site domain.Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Kind, &site.Address, &site.Phone, &site.Notes); err != nil {
			return nil, fault("list sites", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list sites", err)
	}
	return out, nil
}

func (s *Store) CreateCrop(ctx context.Context, crop domain.Crop) (*domain.Crop, error) {
	site, err := s.GetSite(ctx, crop.SiteID)
	if err != nil {
		return nil, err
	}
	if site.Kind != domain.SiteKindField {
		return nil, &domain.WrongSiteKindError{Expected: domain.SiteKindField, Actual: site.Kind}
	}

	crop.ActualHarvestDate = nil
	crop.YieldQty = decimal.Zero
	crop.AvailableQty = decimal.Zero
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO crops (site_id, item_name, date_planted, expected_harvest_date, unit, price_per_unit, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		crop.SiteID, crop.ItemName, crop.DatePlanted.Time, crop.ExpectedHarvestDate.Time,
		crop.Unit, crop.PricePerUnit, crop.Notes,
	).Scan(&crop.ID)
	if err != nil {
		return nil, fault("create crop", err)
	}
	return &crop, nil
}

const cropColumns = `id, site_id, item_name, date_planted, expected_harvest_date,
	actual_harvest_date, yield_qty, available_qty, unit, price_per_unit, notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrop(row rowScanner) (*domain.Crop, error) {
	var (
		crop     domain.Crop
		planted  time.Time
		expected time.Time
		actual   sql.NullTime
	)
	err := row.Scan(&crop.ID, &crop.SiteID, &crop.ItemName, &planted, &expected,
		&actual, &crop.YieldQty, &crop.AvailableQty, &crop.Unit, &crop.PricePerUnit, &crop.Notes)
	if err != nil {
		return nil, err
	}
	crop.DatePlanted = domain.DateOf(planted)
	crop.ExpectedHarvestDate = domain.DateOf(expected)
	if actual.Valid {
		d := domain.DateOf(actual.Time)
		crop.ActualHarvestDate = &d
	}
	return &crop, nil
}

func (s *Store) GetCrop(ctx context.Context, id int64) (*domain.Crop, error) {
	crop, err := scanCrop(s.db.QueryRowContext(ctx,
		`SELECT `+cropColumns+` FROM crops WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("crop", id)
	}
	if err != nil {
		return nil, fault("get crop", err)
	}
	return crop, nil
}

func (s *Store) ListCrops(ctx context.Context, siteID int64) ([]domain.Crop, error) {
	query := `SELECT ` + cropColumns + ` FROM crops ORDER BY id`
	args := []any{}
	if siteID != 0 {
		query = `SELECT ` + cropColumns + ` FROM crops WHERE site_id = $1 ORDER BY id`
		args = append(args, siteID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("list crops", err)
	}
	defer rows.Close()

	out := make([]domain.Crop, 0)
	for rows.Next() {
		crop, err := scanCrop(rows)
		if err != nil {
			return nil, fault("list crops", err)
		}
		out = append(out, *crop)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list crops", err)
	}
	return out, nil
}

func (s *Store) RecordHarvest(ctx context.Context, cropID int64, actual domain.Date, yieldQty decimal.Decimal) (*domain.Crop, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crops SET actual_harvest_date = $1, yield_qty = $2, available_qty = $2 WHERE id = $3`,
		actual.Time, yieldQty, cropID)
	if err != nil {
		return nil, fault("record harvest", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NotFound("crop", cropID)
	}
	return s.GetCrop(ctx, cropID)
}

func (s *Store) UpdateCropPrice(ctx context.Context, cropID int64, price decimal.Decimal) (*domain.Crop, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crops SET price_per_unit = $1 WHERE id = $2`, price, cropID)
	if err != nil {
		return nil, fault("update price", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NotFound("crop", cropID)
	}
	return s.GetCrop(ctx, cropID)
}

func (s *Store) AdjustStock(ctx context.Context, cropID int64, delta decimal.Decimal) (*domain.Crop, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fault("adjust stock", err)
	}
	defer tx.Rollback()

	crop, err := scanCrop(tx.QueryRowContext(ctx,
		`SELECT `+cropColumns+` FROM crops WHERE id = $1 FOR UPDATE`, cropID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("crop", cropID)
	}
	if err != nil {
		return nil, fault("adjust stock", err)
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE crops SET available_qty = $1 WHERE id = $2`, next, cropID); err != nil {
		return nil, fault("adjust stock", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault("adjust stock", err)
	}
	crop.AvailableQty = next
	return crop, nil
}

func (s *Store) ListSellable(ctx context.Context) ([]domain.SellableItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_name, unit, available_qty, price_per_unit
		 FROM crops
		 WHERE actual_harvest_date IS NOT NULL AND available_qty > 0
		 ORDER BY item_name, id`)
	if err != nil {
		return nil, fault("list sellable", err)
	}
	defer rows.Close()

	out := make([]domain.SellableItem, 0)
	for rows.Next() {
		var item domain.SellableItem
		if err := rows.Scan(&item.CropID, &item.ItemName, &item.Unit, &item.AvailableQty, &item.PricePerUnit); err != nil {
			return nil, fault("list sellable", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list sellable", err)
	}
	return out, nil
}

// CreateSale runs the whole finalize inside one serializable transaction:
// lock the referenced crop rows, settle the cart, decrement stock, insert
// the sale and its lines. Any error rolls the transaction back untouched.
func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fault("create sale", err)
	}
	defer tx.Rollback()

	var siteKind domain.SiteKind
	err = tx.QueryRowContext(ctx, `SELECT kind FROM sites WHERE id = $1`, draft.MarketSiteID).Scan(&siteKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("site", draft.MarketSiteID)
	}
	if err != nil {
		return nil, fault("create sale", err)
	}
	if siteKind != domain.SiteKindMarket {
		return nil, &domain.WrongSiteKindError{Expected: domain.SiteKindMarket, Actual: siteKind}
	}

	cropsByID := make(map[int64]domain.Crop, len(draft.Lines))
	for _, line := range draft.Lines {
		if _, seen := cropsByID[line.CropID]; seen {
			continue
		}
		crop, err := scanCrop(tx.QueryRowContext(ctx,
			`SELECT `+cropColumns+` FROM crops WHERE id = $1 FOR UPDATE`, line.CropID))
		if errors.Is(err, sql.ErrNoRows) {
			continue // SettleCart reports the missing crop
		}
		if err != nil {
			return nil, fault("create sale", err)
		}
		cropsByID[line.CropID] = *crop
	}

	sale, demand, err := domain.SettleCart(draft, cropsByID)
	if err != nil {
		return nil, err
	}

	for cropID, qty := range demand {
		if _, err := tx.ExecContext(ctx,
			`UPDATE crops SET available_qty = available_qty - $1 WHERE id = $2`, qty, cropID); err != nil {
			return nil, fault("create sale", err)
		}
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO sales (site_id, sold_at, subtotal, tax, total, payment_kind, cash_given, change_due, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		sale.SiteID, sale.SoldAt, sale.Subtotal, sale.Tax, sale.Total,
		sale.PaymentKind, sale.CashGiven, sale.ChangeDue, sale.Notes,
	).Scan(&sale.ID)
	if err != nil {
		return nil, fault("create sale", err)
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		line.SaleID = sale.ID
		err = tx.QueryRowContext(ctx,
			`INSERT INTO sale_items (sale_id, crop_id, item_name, unit, qty, price_per_unit, discount, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			line.SaleID, line.CropID, line.ItemName, line.Unit,
			line.Qty, line.PricePerUnit, line.Discount, line.LineTotal,
		).Scan(&line.ID)
		if err != nil {
			return nil, fault("create sale", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fault("create sale", err)
	}
	return sale, nil
}

const saleColumns = `id, site_id, sold_at, subtotal, tax, total, payment_kind, cash_given, change_due, notes`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.SiteID, &sale.SoldAt, &sale.Subtotal, &sale.Tax,
		&sale.Total, &sale.PaymentKind, &sale.CashGiven, &sale.ChangeDue, &sale.Notes)
	if err != nil {
		return nil, err
	}
	sale.SoldAt = sale.SoldAt.UTC()
	return &sale, nil
}

func (s *Store) loadLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sale_id, crop_id, item_name, unit, qty, price_per_unit, discount, line_total
		 FROM sale_items WHERE sale_id = $1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SaleLine, 0)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.CropID, &line.ItemName, &line.Unit,
			&line.Qty, &line.PricePerUnit, &line.Discount, &line.LineTotal); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("sale", id)
	}
	if err != nil {
		return nil, fault("get sale", err)
	}
	if sale.Lines, err = s.loadLines(ctx, sale.ID); err != nil {
		return nil, fault("get sale", err)
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, siteID int64) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales ORDER BY id`
	args := []any{}
	if siteID != 0 {
		query = `SELECT ` + saleColumns + ` FROM sales WHERE site_id = $1 ORDER BY id`
		args = append(args, siteID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("list sales", err)
	}
	defer rows.Close()

	out := make([]domain.Sale, 0)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fault("list sales", err)
		}
		out = append(out, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list sales", err)
	}
	for i := range out {
		if out[i].Lines, err = s.loadLines(ctx, out[i].ID); err != nil {
			return nil, fault("list sales", err)
		}
	}
	return out, nil
}

func (s *Store) HarvestDueWithin(ctx context.Context, today domain.Date, days int) ([]domain.HarvestAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_name, site_id, expected_harvest_date, available_qty
		 FROM crops
		 WHERE actual_harvest_date IS NULL
		   AND expected_harvest_date <= $1
		 ORDER BY expected_harvest_date, id`,
		today.AddDate(0, 0, days))
	if err != nil {
		return nil, fault("harvest due", err)
	}
	defer rows.Close()

	out := make([]domain.HarvestAlert, 0)
	for rows.Next() {
		var (
			alert    domain.HarvestAlert
			expected time.Time
		)
		if err := rows.Scan(&alert.CropID, &alert.ItemName, &alert.SiteID, &expected, &alert.AvailableQty); err != nil {
			return nil, fault("harvest due", err)
		}
		alert.ExpectedHarvestDate = domain.DateOf(expected)
		alert.DaysUntilHarvest = alert.ExpectedHarvestDate.DaysUntil(today)
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("harvest due", err)
	}
	return out, nil
}

func (s *Store) StockSnapshot(ctx context.Context) ([]domain.StockEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_name, site_id, available_qty, unit
		 FROM crops
		 WHERE available_qty > 0
		 ORDER BY item_name, id`)
	if err != nil {
		return nil, fault("stock snapshot", err)
	}
	defer rows.Close()

	out := make([]domain.StockEntry, 0)
	for rows.Next() {
		var entry domain.StockEntry
		if err := rows.Scan(&entry.CropID, &entry.ItemName, &entry.SiteID, &entry.AvailableQty, &entry.Unit); err != nil {
			return nil, fault("stock snapshot", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("stock snapshot", err)
	}
	return out, nil
}

func (s *Store) RevenueBySite(ctx context.Context) ([]domain.SiteRevenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.site_id, sites.name, SUM(s.total)
		 FROM sales s JOIN sites ON sites.id = s.site_id
		 GROUP BY s.site_id, sites.name
		 ORDER BY SUM(s.total) DESC, s.site_id`)
	if err != nil {
		return nil, fault("revenue by site", err)
	}
	defer rows.Close()

	out := make([]domain.SiteRevenue, 0)
	for rows.Next() {
		var rev domain.SiteRevenue
		if err := rows.Scan(&rev.SiteID, &rev.SiteName, &rev.Total); err != nil {
			return nil, fault("revenue by site", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("revenue by site", err)
	}
	return out, nil
}

func (s *Store) RevenueByMonth(ctx context.Context) ([]domain.MonthRevenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_char(sold_at AT TIME ZONE 'UTC', 'YYYY-MM') AS month, SUM(total)
		 FROM sales
		 GROUP BY month
		 ORDER BY month`)
	if err != nil {
		return nil, fault("revenue by month", err)
	}
	defer rows.Close()

	out := make([]domain.MonthRevenue, 0)
	for rows.Next() {
		var rev domain.MonthRevenue
		if err := rows.Scan(&rev.Month, &rev.Total); err != nil {
			return nil, fault("revenue by month", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("revenue by month", err)
	}
	return out, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fault("create audit log", err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, entity_type, entity_id, detail, created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fault("list audit logs", err)
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, fault("list audit logs", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list audit logs", err)
	}
	return out, nil
}
