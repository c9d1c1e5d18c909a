package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SiteKind string

const (
	SiteKindField  SiteKind = "field"
	SiteKindMarket SiteKind = "market"
)

func (k SiteKind) Valid() bool {
	return k == SiteKindField || k == SiteKindMarket
}

type PaymentKind string

const (
	PaymentCash PaymentKind = "cash"
	PaymentCard PaymentKind = "card"
)

func (k PaymentKind) Valid() bool {
	return k == PaymentCash || k == PaymentCard
}

// Date is a calendar date (no time-of-day). It marshals as 2006-01-02 and is
// held at UTC midnight; parsing and formatting live at the store and HTTP
// boundaries.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(value string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return Date{}, err
	}
	return Date{t.UTC()}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysUntil counts whole days from today to d (negative when d is past).
func (d Date) DaysUntil(today Date) int {
	return int(d.Sub(today.Time) / (24 * time.Hour))
}

type Site struct {
	ID      int64    `json:"site_id"`
	Name    string   `json:"name"`
	Kind    SiteKind `json:"kind"`
	Address string   `json:"address,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

type Crop struct {
	ID                  int64           `json:"crop_id"`
	SiteID              int64           `json:"site_id"`
	ItemName            string          `json:"item_name"`
	DatePlanted         Date            `json:"date_planted"`
	ExpectedHarvestDate Date            `json:"expected_harvest_date"`
	ActualHarvestDate   *Date           `json:"actual_harvest_date,omitempty"`
	YieldQty            decimal.Decimal `json:"yield_qty"`
	AvailableQty        decimal.Decimal `json:"available_qty"`
	Unit                string          `json:"unit"`
	PricePerUnit        decimal.Decimal `json:"price_per_unit"`
	Notes               string          `json:"notes,omitempty"`
}

// Harvested reports whether a harvest has been recorded for the crop.
func (c Crop) Harvested() bool {
	return c.ActualHarvestDate != nil
}

type Sale struct {
	ID          int64           `json:"sale_id"`
	SiteID      int64           `json:"site_id"`
	SoldAt      time.Time       `json:"timestamp"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	PaymentKind PaymentKind     `json:"payment_kind"`
	CashGiven   decimal.Decimal `json:"cash_given"`
	ChangeDue   decimal.Decimal `json:"change_due"`
	Notes       string          `json:"notes,omitempty"`
	Lines       []SaleLine      `json:"lines"`
}

// SaleLine snapshots item name, unit and price at sale time so later catalog
// edits never mutate history.
type SaleLine struct {
	ID           int64           `json:"line_id"`
	SaleID       int64           `json:"sale_id"`
	CropID       int64           `json:"crop_id"`
	ItemName     string          `json:"item_name"`
	Unit         string          `json:"unit"`
	Qty          decimal.Decimal `json:"qty"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Discount     decimal.Decimal `json:"discount"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

type SiteCreateRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type CropCreateRequest struct {
	SiteID              int64           `json:"site_id"`
	ItemName            string          `json:"item_name"`
	DatePlanted         string          `json:"date_planted"`
	ExpectedHarvestDate string          `json:"expected_harvest_date"`
	Unit                string          `json:"unit"`
	PricePerUnit        decimal.Decimal `json:"price_per_unit"`
	Notes               string          `json:"notes,omitempty"`
}

type HarvestRequest struct {
	ActualDate string          `json:"actual_date"`
	YieldQty   decimal.Decimal `json:"yield_qty"`
}

type PriceUpdateRequest struct {
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

type AdjustmentRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
}

// CartLine is one prospective line of a sale. The cart itself lives in the
// operator's UI session; it reaches the backend only through finalize.
type CartLine struct {
	CropID   int64           `json:"crop_id"`
	Qty      decimal.Decimal `json:"qty"`
	Discount decimal.Decimal `json:"discount"`
}

type SaleRequest struct {
	MarketSiteID int64           `json:"market_site_id"`
	Lines        []CartLine      `json:"lines"`
	PaymentKind  PaymentKind     `json:"payment_kind"`
	CashGiven    decimal.Decimal `json:"cash_given"`
	Notes        string          `json:"notes,omitempty"`
}

// SaleDraft carries a validated sale request plus the engine-injected tax
// rate, rounding precision and clock into the store's atomic CreateSale.
type SaleDraft struct {
	MarketSiteID int64
	Lines        []CartLine
	PaymentKind  PaymentKind
	CashGiven    decimal.Decimal
	Notes        string
	TaxRate      decimal.Decimal
	Precision    int32
	Timestamp    time.Time
}

type SellableItem struct {
	CropID       int64           `json:"crop_id"`
	ItemName     string          `json:"item_name"`
	Unit         string          `json:"unit"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

type StockEntry struct {
	CropID       int64           `json:"crop_id"`
	ItemName     string          `json:"item_name"`
	SiteID       int64           `json:"site_id"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	Unit         string          `json:"unit"`
}

type HarvestAlert struct {
	CropID              int64           `json:"crop_id"`
	ItemName            string          `json:"item_name"`
	SiteID              int64           `json:"site_id"`
	ExpectedHarvestDate Date            `json:"expected_harvest_date"`
	DaysUntilHarvest    int             `json:"days_until_harvest"`
	AvailableQty        decimal.Decimal `json:"available_qty"`
}

type SiteRevenue struct {
	SiteID   int64           `json:"site_id"`
	SiteName string          `json:"site_name"`
	Total    decimal.Decimal `json:"total"`
}

type MonthRevenue struct {
	Month string          `json:"month"`
	Total decimal.Decimal `json:"total"`
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Name string
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
