// Package export serializes the four entity tables for backup and offline
// analysis. The CSV codecs are symmetric so an export re-imports losslessly.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"farmstand/backend/internal/domain"
)

// Column orders are part of the file format; do not reorder.
var (
	siteHeader     = []string{"site_id", "name", "kind", "address", "phone", "notes"}
	cropHeader     = []string{"crop_id", "site_id", "item_name", "date_planted", "expected_harvest_date", "actual_harvest_date", "yield_qty", "available_qty", "unit", "price_per_unit", "notes"}
	saleHeader     = []string{"sale_id", "site_id", "timestamp", "subtotal", "tax", "total", "payment_kind", "cash_given", "change_due", "notes"}
	saleItemHeader = []string{"line_id", "sale_id", "crop_id", "item_name", "unit", "qty", "price_per_unit", "discount", "line_total"}
)

func EncodeSites(w io.Writer, sites []domain.Site) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(siteHeader); err != nil {
		return err
	}
	for _, s := range sites {
		rec := []string{
			strconv.FormatInt(s.ID, 10),
			s.Name,
			string(s.Kind),
			s.Address,
			s.Phone,
			s.Notes,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func DecodeSites(r io.Reader) ([]domain.Site, error) {
	rows, err := readRows(r, siteHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Site, 0, len(rows))
	for i, rec := range rows {
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sites row %d: bad site_id %q", i+1, rec[0])
		}
		kind := domain.SiteKind(rec[2])
		if !kind.Valid() {
			return nil, fmt.Errorf("sites row %d: bad kind %q", i+1, rec[2])
		}
		out = append(out, domain.Site{ID: id, Name: rec[1], Kind: kind, Address: rec[3], Phone: rec[4], Notes: rec[5]})
	}
	return out, nil
}

func EncodeCrops(w io.Writer, crops []domain.Crop) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cropHeader); err != nil {
		return err
	}
	for _, c := range crops {
		actual := ""
		if c.ActualHarvestDate != nil {
			actual = c.ActualHarvestDate.String()
		}
		rec := []string{
			strconv.FormatInt(c.ID, 10),
			strconv.FormatInt(c.SiteID, 10),
			c.ItemName,
			c.DatePlanted.String(),
			c.ExpectedHarvestDate.String(),
			actual,
			c.YieldQty.String(),
			c.AvailableQty.String(),
			c.Unit,
			c.PricePerUnit.String(),
			c.Notes,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func DecodeCrops(r io.Reader) ([]domain.Crop, error) {
	rows, err := readRows(r, cropHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Crop, 0, len(rows))
	for i, rec := range rows {
		crop := domain.Crop{ItemName: rec[2], Unit: rec[8], Notes: rec[10]}
		if crop.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, fmt.Errorf("crops row %d: bad crop_id %q", i+1, rec[0])
		}
		if crop.SiteID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
			return nil, fmt.Errorf("crops row %d: bad site_id %q", i+1, rec[1])
		}
		if crop.DatePlanted, err = domain.ParseDate(rec[3]); err != nil {
			return nil, fmt.Errorf("crops row %d: bad date_planted %q", i+1, rec[3])
		}
		if crop.ExpectedHarvestDate, err = domain.ParseDate(rec[4]); err != nil {
			return nil, fmt.Errorf("crops row %d: bad expected_harvest_date %q", i+1, rec[4])
		}
		if rec[5] != "" {
			d, err := domain.ParseDate(rec[5])
			if err != nil {
				return nil, fmt.Errorf("crops row %d: bad actual_harvest_date %q", i+1, rec[5])
			}
			crop.ActualHarvestDate = &d
		}
		if crop.YieldQty, err = decimal.NewFromString(rec[6]); err != nil {
			return nil, fmt.Errorf("crops row %d: bad yield_qty %q", i+1, rec[6])
		}
		if crop.AvailableQty, err = decimal.NewFromString(rec[7]); err != nil {
			return nil, fmt.Errorf("crops row %d: bad available_qty %q", i+1, rec[7])
		}
		if crop.PricePerUnit, err = decimal.NewFromString(rec[9]); err != nil {
			return nil, fmt.Errorf("crops row %d: bad price_per_unit %q", i+1, rec[9])
		}
		out = append(out, crop)
	}
	return out, nil
}

// EncodeSales writes sale headers only; lines travel in the sale_items
// table.
func EncodeSales(w io.Writer, sales []domain.Sale) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(saleHeader); err != nil {
		return err
	}
	for _, s := range sales {
		rec := []string{
			strconv.FormatInt(s.ID, 10),
			strconv.FormatInt(s.SiteID, 10),
			s.SoldAt.UTC().Format(time.RFC3339),
			s.Subtotal.String(),
			s.Tax.String(),
			s.Total.String(),
			string(s.PaymentKind),
			s.CashGiven.String(),
			s.ChangeDue.String(),
			s.Notes,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func DecodeSales(r io.Reader) ([]domain.Sale, error) {
	rows, err := readRows(r, saleHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sale, 0, len(rows))
	for i, rec := range rows {
		sale := domain.Sale{Notes: rec[9]}
		if sale.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, fmt.Errorf("sales row %d: bad sale_id %q", i+1, rec[0])
		}
		if sale.SiteID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
			return nil, fmt.Errorf("sales row %d: bad site_id %q", i+1, rec[1])
		}
		if sale.SoldAt, err = time.Parse(time.RFC3339, rec[2]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad timestamp %q", i+1, rec[2])
		}
		sale.SoldAt = sale.SoldAt.UTC()
		if sale.Subtotal, err = decimal.NewFromString(rec[3]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad subtotal %q", i+1, rec[3])
		}
		if sale.Tax, err = decimal.NewFromString(rec[4]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad tax %q", i+1, rec[4])
		}
		if sale.Total, err = decimal.NewFromString(rec[5]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad total %q", i+1, rec[5])
		}
		sale.PaymentKind = domain.PaymentKind(rec[6])
		if !sale.PaymentKind.Valid() {
			return nil, fmt.Errorf("sales row %d: bad payment_kind %q", i+1, rec[6])
		}
		if sale.CashGiven, err = decimal.NewFromString(rec[7]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad cash_given %q", i+1, rec[7])
		}
		if sale.ChangeDue, err = decimal.NewFromString(rec[8]); err != nil {
			return nil, fmt.Errorf("sales row %d: bad change_due %q", i+1, rec[8])
		}
		out = append(out, sale)
	}
	return out, nil
}

func EncodeSaleLines(w io.Writer, lines []domain.SaleLine) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(saleItemHeader); err != nil {
		return err
	}
	for _, l := range lines {
		rec := []string{
			strconv.FormatInt(l.ID, 10),
			strconv.FormatInt(l.SaleID, 10),
			strconv.FormatInt(l.CropID, 10),
			l.ItemName,
			l.Unit,
			l.Qty.String(),
			l.PricePerUnit.String(),
			l.Discount.String(),
			l.LineTotal.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func DecodeSaleLines(r io.Reader) ([]domain.SaleLine, error) {
	rows, err := readRows(r, saleItemHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SaleLine, 0, len(rows))
	for i, rec := range rows {
		line := domain.SaleLine{ItemName: rec[3], Unit: rec[4]}
		if line.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad line_id %q", i+1, rec[0])
		}
		if line.SaleID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad sale_id %q", i+1, rec[1])
		}
		if line.CropID, err = strconv.ParseInt(rec[2], 10, 64); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad crop_id %q", i+1, rec[2])
		}
		if line.Qty, err = decimal.NewFromString(rec[5]); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad qty %q", i+1, rec[5])
		}
		if line.PricePerUnit, err = decimal.NewFromString(rec[6]); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad price_per_unit %q", i+1, rec[6])
		}
		if line.Discount, err = decimal.NewFromString(rec[7]); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad discount %q", i+1, rec[7])
		}
		if line.LineTotal, err = decimal.NewFromString(rec[8]); err != nil {
			return nil, fmt.Errorf("sale_items row %d: bad line_total %q", i+1, rec[8])
		}
		out = append(out, line)
	}
	return out, nil
}

// readRows reads and validates the header, then returns all data records.
func readRows(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	got, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		if got[i] != header[i] {
			return nil, fmt.Errorf("unexpected header column %d: got %q, want %q", i, got[i], header[i])
		}
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
