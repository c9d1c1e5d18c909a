package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/cache"
	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/report"
	"farmstand/backend/internal/service"
	"farmstand/backend/internal/store/memory"
)

const testPassword = "orchard-pass"

var testClock = time.Date(2026, time.July, 4, 10, 15, 0, 0, time.UTC)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.New()
	now := func() time.Time { return testClock }
	svc := service.New(repo, decimal.RequireFromString("0.07"), 2, now)
	reports := report.NewEngine(repo, cache.Noop{}, 0, 7, now, nil)
	auth := NewAuthManager("test-secret-key-test-secret-key!", time.Hour, testPassword)

	return New(svc, reports, auth, "*")
}

func login(t *testing.T, handler http.Handler) string {
	t.Helper()
	payload, _ := json.Marshal(domain.LoginRequest{Password: testPassword})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}
	return body.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler, token string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token: expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf body: %v", err)
	}
	return body["csrf_token"]
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T) *client {
	t.Helper()
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler)
	return &client{t: t, handler: handler, token: token, csrf: csrfToken(t, handler, token)}
}

func (c *client) do(method, path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func (c *client) decode(rec *httptest.ResponseRecorder, dest any) {
	c.t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

// seedCatalog creates a field, a market and a harvested crop through the
// API and returns their ids.
func (c *client) seedCatalog() (fieldID, marketID, cropID int64) {
	c.t.Helper()

	var siteResp struct {
		Site domain.Site `json:"site"`
	}
	rec := c.do(http.MethodPost, "/api/v1/sites", domain.SiteCreateRequest{Name: "North Field", Kind: "field"})
	if rec.Code != http.StatusCreated {
		c.t.Fatalf("create field: %d (%s)", rec.Code, rec.Body.String())
	}
	c.decode(rec, &siteResp)
	fieldID = siteResp.Site.ID

	rec = c.do(http.MethodPost, "/api/v1/sites", domain.SiteCreateRequest{Name: "Saturday Market", Kind: "market"})
	if rec.Code != http.StatusCreated {
		c.t.Fatalf("create market: %d (%s)", rec.Code, rec.Body.String())
	}
	c.decode(rec, &siteResp)
	marketID = siteResp.Site.ID

	var cropResp struct {
		Crop domain.Crop `json:"crop"`
	}
	rec = c.do(http.MethodPost, "/api/v1/crops", domain.CropCreateRequest{
		SiteID:              fieldID,
		ItemName:            "Tomato",
		DatePlanted:         "2026-03-10",
		ExpectedHarvestDate: "2026-06-25",
		Unit:                "kg",
		PricePerUnit:        decimal.RequireFromString("3.00"),
	})
	if rec.Code != http.StatusCreated {
		c.t.Fatalf("create crop: %d (%s)", rec.Code, rec.Body.String())
	}
	c.decode(rec, &cropResp)
	cropID = cropResp.Crop.ID

	rec = c.do(http.MethodPost, "/api/v1/crops/"+itoa(cropID)+"/harvest", domain.HarvestRequest{
		ActualDate: "2026-06-28",
		YieldQty:   decimal.RequireFromString("20.0"),
	})
	if rec.Code != http.StatusOK {
		c.t.Fatalf("record harvest: %d (%s)", rec.Code, rec.Body.String())
	}
	return fieldID, marketID, cropID
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestMutatingEndpointsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sites", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestSaleFlowThroughAPI(t *testing.T) {
	c := newClient(t)
	_, marketID, cropID := c.seedCatalog()

	rec := c.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		MarketSiteID: marketID,
		Lines:        []domain.CartLine{{CropID: cropID, Qty: decimal.RequireFromString("4.0")}},
		PaymentKind:  domain.PaymentCash,
		CashGiven:    decimal.RequireFromString("20.00"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("finalize: %d (%s)", rec.Code, rec.Body.String())
	}
	var saleResp struct {
		Sale domain.Sale `json:"sale"`
	}
	c.decode(rec, &saleResp)
	sale := saleResp.Sale
	if !sale.Total.Equal(decimal.RequireFromString("12.84")) {
		t.Fatalf("total = %s, want 12.84", sale.Total)
	}
	if !sale.ChangeDue.Equal(decimal.RequireFromString("7.16")) {
		t.Fatalf("change = %s, want 7.16", sale.ChangeDue)
	}

	// Sellable stock reflects the sale.
	rec = c.do(http.MethodGet, "/api/v1/inventory/sellable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sellable: %d", rec.Code)
	}
	var sellResp struct {
		Items []domain.SellableItem `json:"items"`
	}
	c.decode(rec, &sellResp)
	if len(sellResp.Items) != 1 || !sellResp.Items[0].AvailableQty.Equal(decimal.RequireFromString("16.0")) {
		t.Fatalf("unexpected sellable items: %+v", sellResp.Items)
	}

	// Receipt in both formats.
	rec = c.do(http.MethodGet, "/api/v1/sales/"+itoa(sale.ID)+"/receipt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt: %d", rec.Code)
	}
	var recResp struct {
		Receipt struct {
			Token string `json:"token"`
		} `json:"receipt"`
	}
	c.decode(rec, &recResp)
	if recResp.Receipt.Token != "sale:"+itoa(sale.ID) {
		t.Fatalf("receipt token = %q", recResp.Receipt.Token)
	}

	rec = c.do(http.MethodGet, "/api/v1/sales/"+itoa(sale.ID)+"/receipt?format=text", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("text receipt: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("text receipt content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Saturday Market") {
		t.Fatalf("text receipt missing site name:\n%s", rec.Body.String())
	}
}

func TestSaleInsufficientStockReturns422WithDeficits(t *testing.T) {
	c := newClient(t)
	_, marketID, cropID := c.seedCatalog()

	rec := c.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		MarketSiteID: marketID,
		Lines:        []domain.CartLine{{CropID: cropID, Qty: decimal.RequireFromString("25.0")}},
		PaymentKind:  domain.PaymentCash,
		CashGiven:    decimal.RequireFromString("100.00"),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Error    string                `json:"error"`
		Deficits []domain.StockDeficit `json:"deficits"`
	}
	c.decode(rec, &body)
	if len(body.Deficits) != 1 || body.Deficits[0].CropID != cropID {
		t.Fatalf("unexpected deficits: %+v", body.Deficits)
	}
}

func TestSaleWrongSiteKindReturns422(t *testing.T) {
	c := newClient(t)
	fieldID, _, cropID := c.seedCatalog()

	rec := c.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		MarketSiteID: fieldID,
		Lines:        []domain.CartLine{{CropID: cropID, Qty: decimal.RequireFromString("1.0")}},
		PaymentKind:  domain.PaymentCard,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownCropReturns404(t *testing.T) {
	c := newClient(t)
	c.seedCatalog()

	rec := c.do(http.MethodGet, "/api/v1/crops/9999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestValidationErrorReturns400(t *testing.T) {
	c := newClient(t)
	fieldID, _, _ := c.seedCatalog()

	rec := c.do(http.MethodPost, "/api/v1/crops", domain.CropCreateRequest{
		SiteID:              fieldID,
		ItemName:            "Kale",
		DatePlanted:         "2026-06-01",
		ExpectedHarvestDate: "2026-03-01",
		Unit:                "kg",
		PricePerUnit:        decimal.RequireFromString("2.00"),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHarvestDueReport(t *testing.T) {
	c := newClient(t)
	fieldID, _, _ := c.seedCatalog()

	rec := c.do(http.MethodPost, "/api/v1/crops", domain.CropCreateRequest{
		SiteID:              fieldID,
		ItemName:            "Lettuce",
		DatePlanted:         "2026-06-01",
		ExpectedHarvestDate: "2026-07-07", // three days out from the test clock
		Unit:                "head",
		PricePerUnit:        decimal.RequireFromString("2.00"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create crop: %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/v1/reports/harvest-due", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("harvest due: %d", rec.Code)
	}
	var body struct {
		Alerts []domain.HarvestAlert `json:"alerts"`
	}
	c.decode(rec, &body)
	if len(body.Alerts) != 1 || body.Alerts[0].ItemName != "Lettuce" {
		t.Fatalf("unexpected alerts: %+v", body.Alerts)
	}
	if body.Alerts[0].DaysUntilHarvest != 3 {
		t.Fatalf("days until = %d, want 3", body.Alerts[0].DaysUntilHarvest)
	}
}

func TestCSVExportEndpoint(t *testing.T) {
	c := newClient(t)
	c.seedCatalog()

	rec := c.do(http.MethodGet, "/api/v1/export/crops.csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 crop, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "crop_id,site_id,item_name") {
		t.Fatalf("unexpected header: %q", lines[0])
	}

	rec = c.do(http.MethodGet, "/api/v1/export/nope.csv", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown table: expected 404, got %d", rec.Code)
	}
}

func TestAuditLogEndpoint(t *testing.T) {
	c := newClient(t)
	c.seedCatalog()

	rec := c.do(http.MethodGet, "/api/v1/audit-logs?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit logs: %d", rec.Code)
	}
	var body struct {
		AuditLogs []domain.AuditLog `json:"audit_logs"`
	}
	c.decode(rec, &body)
	if len(body.AuditLogs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(body.AuditLogs))
	}
	if body.AuditLogs[0].Action != "harvest_record" {
		t.Fatalf("newest action = %q, want harvest_record", body.AuditLogs[0].Action)
	}
	if body.AuditLogs[0].Actor != "operator" {
		t.Fatalf("actor = %q, want operator", body.AuditLogs[0].Actor)
	}
}
