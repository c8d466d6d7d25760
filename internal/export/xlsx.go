// Package export renders job records as spreadsheets.
package export

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/xuri/excelize/v2"
)

const SheetJobs = "Jobs"

var jobHeaders = []string{
	"Job ID",
	"Name",
	"Status",
	"Target Key",
	"Anchor Key",
	"Result Key",
	"Result URL",
	"URL Expires At",
	"Error",
	"Created At",
	"Updated At",
}

// WriteJobsXLSX writes one row per job, in the order given, to w.
func WriteJobsXLSX(w io.Writer, jobs []domain.Job) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetJobs); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	for i, h := range jobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetJobs, cell, h); err != nil {
			return fmt.Errorf("write header %s: %w", h, err)
		}
	}

	for i, job := range jobs {
		row := i + 2
		values := []any{
			job.ID,
			job.Name,
			string(job.Status),
			job.TargetKey,
			job.AnchorKey,
			domain.Deref(job.ResultKey),
			domain.Deref(job.ResultURL),
			formatTime(job.URLExpiresAt),
			domain.Deref(job.Error),
			job.CreatedAt.UTC().Format(time.RFC3339),
			job.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetJobs, cell, v); err != nil {
				return fmt.Errorf("write job %s: %w", job.ID, err)
			}
		}
	}

	_ = f.SetColWidth(SheetJobs, "A", "A", 36)
	_ = f.SetColWidth(SheetJobs, "B", "C", 16)
	_ = f.SetColWidth(SheetJobs, "D", "F", 28)
	_ = f.SetColWidth(SheetJobs, "G", "G", 60)
	_ = f.SetColWidth(SheetJobs, "H", "H", 22)
	_ = f.SetColWidth(SheetJobs, "I", "I", 48)
	_ = f.SetColWidth(SheetJobs, "J", "K", 22)

	if err := f.SetPanes(SheetJobs, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// JobsXLSX returns the workbook bytes.
func JobsXLSX(jobs []domain.Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJobsXLSX(&buf, jobs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
