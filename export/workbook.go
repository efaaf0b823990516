// Package export renders period results as spreadsheets.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/jupark12/docflow/models"
)

const (
	JobsSheet  = "Jobs"
	PagesSheet = "Pages"

	// Excel refuses longer cell values.
	maxCellLen = 32767
)

var (
	jobHeaders  = []string{"Job ID", "Document", "Status", "Pages", "Pages Done", "Failed Pages", "Error", "Created At", "Completed At"}
	pageHeaders = []string{"Job ID", "Document", "Page", "Status", "Attempts", "Error", "Content"}
)

// PeriodWorkbook returns an XLSX workbook with one row per job on the Jobs
// sheet and one row per page on the Pages sheet.
func PeriodWorkbook(snap models.PeriodSnapshot) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", JobsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(PagesSheet); err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}

	writeRow(f, JobsSheet, 1, toAny(jobHeaders))
	writeRow(f, PagesSheet, 1, toAny(pageHeaders))

	jobRow, pageRow := 2, 2
	for _, j := range snap.Jobs {
		completed := ""
		if j.CompletedAt != nil {
			completed = j.CompletedAt.UTC().Format("2006-01-02 15:04:05")
		}
		writeRow(f, JobsSheet, jobRow, []any{
			j.ID, j.DocumentID, string(j.Status), j.TotalPages, j.PagesDone,
			len(j.FailedPages), j.Error, j.CreatedAt.UTC().Format("2006-01-02 15:04:05"), completed,
		})
		jobRow++

		for _, p := range j.PageResults {
			writeRow(f, PagesSheet, pageRow, []any{
				j.ID, j.DocumentID, p.PageNum, string(p.Status), p.Attempts, p.Error, truncate(string(p.Content), maxCellLen),
			})
			pageRow++
		}
	}

	_ = f.SetColWidth(JobsSheet, "A", "A", 38)
	_ = f.SetColWidth(JobsSheet, "B", "B", 28)
	_ = f.SetColWidth(JobsSheet, "G", "G", 48)
	_ = f.SetColWidth(JobsSheet, "H", "I", 20)
	_ = f.SetColWidth(PagesSheet, "A", "A", 38)
	_ = f.SetColWidth(PagesSheet, "B", "B", 28)
	_ = f.SetColWidth(PagesSheet, "F", "F", 40)
	_ = f.SetColWidth(PagesSheet, "G", "G", 80)

	if idx, err := f.GetSheetIndex(JobsSheet); err == nil {
		f.SetActiveSheet(idx)
	}
	f.SetDocProps(&excelize.DocProperties{Title: fmt.Sprintf("Period %s", snap.ID), Creator: "docflow"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
