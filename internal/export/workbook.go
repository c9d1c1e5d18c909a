package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"farmstand/backend/internal/domain"
)

// WriteWorkbook streams one XLSX workbook with a sheet per table. Sale lines
// are flattened from the sales passed in.
func WriteWorkbook(w io.Writer, sites []domain.Site, crops []domain.Crop, sales []domain.Sale) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := writeSheet(f, "Sites", siteHeader, len(sites), func(i int) []any {
		s := sites[i]
		return []any{s.ID, s.Name, string(s.Kind), s.Address, s.Phone, s.Notes}
	}); err != nil {
		return err
	}

	if err := writeSheet(f, "Crops", cropHeader, len(crops), func(i int) []any {
		c := crops[i]
		actual := ""
		if c.ActualHarvestDate != nil {
			actual = c.ActualHarvestDate.String()
		}
		return []any{c.ID, c.SiteID, c.ItemName, c.DatePlanted.String(), c.ExpectedHarvestDate.String(),
			actual, c.YieldQty.String(), c.AvailableQty.String(), c.Unit, c.PricePerUnit.String(), c.Notes}
	}); err != nil {
		return err
	}

	if err := writeSheet(f, "Sales", saleHeader, len(sales), func(i int) []any {
		s := sales[i]
		return []any{s.ID, s.SiteID, s.SoldAt.UTC().Format(time.RFC3339), s.Subtotal.String(), s.Tax.String(),
			s.Total.String(), string(s.PaymentKind), s.CashGiven.String(), s.ChangeDue.String(), s.Notes}
	}); err != nil {
		return err
	}

	var lines []domain.SaleLine
	for _, sale := range sales {
		lines = append(lines, sale.Lines...)
	}
	if err := writeSheet(f, "SaleItems", saleItemHeader, len(lines), func(i int) []any {
		l := lines[i]
		return []any{l.ID, l.SaleID, l.CropID, l.ItemName, l.Unit, l.Qty.String(),
			l.PricePerUnit.String(), l.Discount.String(), l.LineTotal.String()}
	}); err != nil {
		return err
	}

	// Drop the default sheet excelize creates.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}
	return f.Write(w)
}

func writeSheet(f *excelize.File, name string, header []string, rows int, row func(int) []any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	head := make([]any, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := f.SetSheetRow(name, "A1", &head); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	for i := 0; i < rows; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row(i)
		if err := f.SetSheetRow(name, cell, &values); err != nil {
			return fmt.Errorf("write %s row %d: %w", name, i+1, err)
		}
	}
	return nil
}
