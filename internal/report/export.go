package report

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"cagescan/internal"
	"cagescan/internal/util"
)

const (
	summarySheet = "Session"
	scansSheet   = "Scans"
)

// ExportSessionToXLSX writes a dispatch record: one sheet with the session
// header and proofs, one with every scan event in order.
func ExportSessionToXLSX(session internal.SessionRow, rows []internal.SessionExportRow, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), summarySheet); err != nil {
		return err
	}
	summary := [][2]any{
		{"session_id", session.ID},
		{"profile", session.Profile},
		{"entity_id", session.EntityID},
		{"entity_name", session.EntityName},
		{"status", session.Status},
		{"registration", util.DerefString(session.Registration)},
		{"photo", util.DerefString(session.PhotoRef)},
		{"signature", util.DerefString(session.SignatureRef)},
		{"message", util.DerefString(session.Message)},
		{"created_at", session.CreatedAt},
		{"updated_at", session.UpdatedAt},
		{"accepted", countDisposition(rows, string(internal.DispositionAccepted))},
		{"duplicates", countDisposition(rows, string(internal.DispositionDuplicate))},
		{"unknown", countDisposition(rows, string(internal.DispositionUnknown))},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, cellName(1, i+1), kv[0])
		_ = f.SetCellValue(summarySheet, cellName(2, i+1), kv[1])
	}

	if _, err := f.NewSheet(scansSheet); err != nil {
		return err
	}
	headers := []string{"seq", "code", "disposition", "message", "scanned_at"}
	for i, h := range headers {
		_ = f.SetCellValue(scansSheet, cellName(i+1, 1), h)
	}
	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			_ = f.SetCellValue(scansSheet, cellName(col, r), value)
		}

		set(1, row.Seq)
		set(2, row.Code)
		set(3, row.Disposition)
		set(4, row.Message)
		set(5, row.ScannedAt)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func cellName(col, row int) string {
	cell, _ := excelize.CoordinatesToCellName(col, row)
	return cell
}

func countDisposition(rows []internal.SessionExportRow, disposition string) int {
	n := 0
	for _, r := range rows {
		if r.Disposition == disposition {
			n++
		}
	}
	return n
}
