// Package httpapi exposes the operator HTTP API over the stdlib mux.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"farmstand/backend/internal/domain"
	"farmstand/backend/internal/export"
	"farmstand/backend/internal/receipt"
	"farmstand/backend/internal/report"
	"farmstand/backend/internal/service"
)

type API struct {
	service       *service.Service
	reports       *report.Engine
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, reports *report.Engine, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		reports:       reports,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/sites", a.requireAuth(a.handleSites))
	mux.HandleFunc("/api/v1/crops", a.requireAuth(a.handleCrops))
	mux.HandleFunc("/api/v1/crops/", a.requireAuth(a.handleCropActions))
	mux.HandleFunc("/api/v1/inventory/sellable", a.requireAuth(a.handleSellable))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions))
	mux.HandleFunc("/api/v1/reports/harvest-due", a.requireAuth(a.handleHarvestDue))
	mux.HandleFunc("/api/v1/reports/stock", a.requireAuth(a.handleStockReport))
	mux.HandleFunc("/api/v1/reports/revenue-by-site", a.requireAuth(a.handleRevenueBySite))
	mux.HandleFunc("/api/v1/reports/revenue-by-month", a.requireAuth(a.handleRevenueByMonth))
	mux.HandleFunc("/api/v1/export/", a.requireAuth(a.handleExport))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, domain.ErrAuthRequired)
			return
		}
		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token valid for the current hour
// bucket. Clients send it back in X-CSRF-Token on all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleSites(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sites, err := a.service.ListSites(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
	case http.MethodPost:
		var req domain.SiteCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		site, err := a.service.AddSite(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"site": site})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCrops(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var siteID int64
		if raw := strings.TrimSpace(r.URL.Query().Get("site_id")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, errors.New("site_id must be a positive integer"))
				return
			}
			siteID = parsed
		}
		crops, err := a.service.ListCrops(r.Context(), siteID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"crops": crops})
	case http.MethodPost:
		var req domain.CropCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		crop, err := a.service.AddCrop(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"crop": crop})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleCropActions routes /api/v1/crops/{id}/{harvest|price|adjust}.
func (a *API) handleCropActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/crops/"), "/")
	parts := strings.SplitN(tail, "/", 2)
	cropID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || cropID < 1 {
		writeError(w, http.StatusBadRequest, errors.New("crop id required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		crop, err := a.service.GetCrop(r.Context(), cropID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"crop": crop})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var crop *domain.Crop
	switch parts[1] {
	case "harvest":
		var req domain.HarvestRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		crop, err = a.service.RecordHarvest(r.Context(), cropID, req)
	case "price":
		var req domain.PriceUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		crop, err = a.service.UpdatePrice(r.Context(), cropID, req)
	case "adjust":
		var req domain.AdjustmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		crop, err = a.service.AdjustInventory(r.Context(), cropID, req)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown crop action %q", parts[1]))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.reports.Invalidate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"crop": crop})
}

func (a *API) handleSellable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := a.service.ListSellable(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var siteID int64
		if raw := strings.TrimSpace(r.URL.Query().Get("site_id")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, errors.New("site_id must be a positive integer"))
				return
			}
			siteID = parsed
		}
		sales, err := a.service.ListSales(r.Context(), siteID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req domain.SaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.FinalizeSale(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		a.reports.Invalidate(r.Context())
		writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSaleActions routes /api/v1/sales/{id} and /api/v1/sales/{id}/receipt.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	parts := strings.SplitN(tail, "/", 2)
	saleID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || saleID < 1 {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	sale, err := a.service.GetSale(r.Context(), saleID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
		return
	}
	if parts[1] != "receipt" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown sale action %q", parts[1]))
		return
	}

	site, err := a.service.GetSite(r.Context(), sale.SiteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rec := receipt.Build(sale, site)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, receipt.RenderText(rec))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt": rec})
}

func (a *API) handleHarvestDue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errors.New("days must be a positive integer"))
			return
		}
		days = parsed
	}
	alerts, err := a.reports.HarvestDue(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleStockReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := a.reports.StockSnapshot(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": entries})
}

func (a *API) handleRevenueBySite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	rows, err := a.reports.RevenueBySite(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revenue": rows})
}

func (a *API) handleRevenueByMonth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	rows, err := a.reports.RevenueByMonth(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revenue": rows})
}

// handleExport serves /api/v1/export/{sites|crops|sales|sale_items}.csv and
// /api/v1/export/workbook.xlsx.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/export/"), "/")
	ctx := r.Context()

	if name == "workbook.xlsx" {
		sites, err := a.service.ListSites(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		crops, err := a.service.ListCrops(ctx, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sales, err := a.service.ListSales(ctx, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="farmstand.xlsx"`)
		if err := export.WriteWorkbook(w, sites, crops, sales); err != nil {
			log.Printf("[httpapi] workbook export failed: %v", err)
		}
		return
	}

	table, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown export %q", name))
		return
	}

	var encode func() error
	switch table {
	case "sites":
		sites, err := a.service.ListSites(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		encode = func() error { return export.EncodeSites(w, sites) }
	case "crops":
		crops, err := a.service.ListCrops(ctx, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		encode = func() error { return export.EncodeCrops(w, crops) }
	case "sales":
		sales, err := a.service.ListSales(ctx, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		encode = func() error { return export.EncodeSales(w, sales) }
	case "sale_items":
		sales, err := a.service.ListSales(ctx, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var lines []domain.SaleLine
		for _, sale := range sales {
			lines = append(lines, sale.Lines...)
		}
		encode = func() error { return export.EncodeSaleLines(w, lines) }
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown export table %q", table))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, table))
	if err := encode(); err != nil {
		log.Printf("[httpapi] csv export %s failed: %v", table, err)
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	logs, err := a.service.AuditLogs(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts tokens for the current or previous hour bucket,
// giving a two-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

// Login is exempt: it is called before the client has fetched a token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// writeDomainError maps typed domain errors onto HTTP statuses. Stock
// deficits carry their structured detail in the body.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		valErr   *domain.ValidationError
		nfErr    *domain.NotFoundError
		kindErr  *domain.WrongSiteKindError
		stockErr *domain.InsufficientStockError
		shortErr *domain.PaymentShortError
	)
	switch {
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &nfErr):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"deficits": stockErr.Deficits,
		})
	case errors.As(err, &kindErr), errors.As(err, &shortErr):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx bodies stay generic so driver and
	// SQL details never leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
