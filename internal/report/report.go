// Package report renders job listings as spreadsheets for operators.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/blociq/docpipe/internal/model"
)

// Sheet is the worksheet holding the job rows.
const Sheet = "Jobs"

var headers = []string{
	"Job ID",
	"User",
	"Filename",
	"Variant",
	"Status",
	"Pages",
	"Size (bytes)",
	"Attempts",
	"Error Code",
	"Error Message",
	"Created (UTC)",
	"Updated (UTC)",
}

// JobsXLSX returns an XLSX workbook with one row per job, in the order given.
func JobsXLSX(jobs []model.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), Sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(Sheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for r, job := range jobs {
		row := r + 2
		values := []any{
			job.ID,
			job.UserID,
			job.Filename,
			string(job.Variant),
			string(job.Status),
			optionalInt(job.PageCount),
			job.SizeBytes,
			job.Attempts,
			optionalString(job.ErrorCode),
			truncate(optionalString(job.ErrorMessage), 200),
			job.CreatedAt.UTC().Format(time.RFC3339),
			job.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(Sheet, cell, v); err != nil {
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(Sheet, "A", "B", 38)
	_ = f.SetColWidth(Sheet, "C", "C", 36)
	_ = f.SetColWidth(Sheet, "D", "I", 14)
	_ = f.SetColWidth(Sheet, "J", "J", 60)
	_ = f.SetColWidth(Sheet, "K", "L", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func optionalInt(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
