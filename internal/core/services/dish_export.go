package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/probehub/backend/internal/domain"
	"github.com/xuri/excelize/v2"
)

const (
	dishSheet         = "Dishes"
	maxDishExportRows = 10000
)

var dishHeaders = []string{"ID", "Name", "Category", "Price", "Status", "Description", "Updated"}

// Export renders every dish matching filter as an XLSX workbook. Paging in
// filter is ignored.
func (s *DishService) Export(ctx context.Context, filter domain.DishFilter) ([]byte, error) {
	filter.Limit = maxDishExportRows
	filter.Offset = 0

	dishes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if total > int64(len(dishes)) {
		s.log.Warnw("dish_export_truncated", "total", total, "rows", len(dishes))
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", dishSheet); err != nil {
		return nil, err
	}
	header := make([]any, len(dishHeaders))
	for i, h := range dishHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(dishSheet, "A1", &header); err != nil {
		return nil, err
	}

	for i, d := range dishes {
		status := "off sale"
		if d.Status == 1 {
			status = "on sale"
		}
		row := []any{
			d.ID,
			d.Name,
			d.Category,
			fmt.Sprintf("%d.%02d", d.PriceCents/100, d.PriceCents%100),
			status,
			d.Description,
			d.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(dishSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	s.log.Infow("dish_exported", "rows", len(dishes))
	return buf.Bytes(), nil
}
