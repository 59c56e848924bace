// Package export renders the ledger as an XLSX workbook for auditors.
package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/storage"
)

const (
	LedgerSheet = "Ledger"
	VerifySheet = "Verification"
)

var ledgerHeaders = []string{
	"Sequence",
	"Job ID",
	"Event",
	"Payload Hash",
	"Timestamp (UTC)",
	"Previous Entry Hash",
	"Entry Hash",
}

// LedgerXLSX returns a workbook with one row per entry on the Ledger sheet
// and the verification report on the Verification sheet.
func LedgerXLSX(entries []storage.LedgerEntry, rep ledger.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", LedgerSheet); err != nil {
		return nil, err
	}
	for i, h := range ledgerHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(LedgerSheet, cell, h); err != nil {
			return nil, err
		}
	}
	for i, e := range entries {
		row := i + 2
		values := []any{
			e.Seq,
			e.JobID,
			e.EventType,
			e.PayloadHash,
			e.Timestamp.UTC().Format(storage.TimeFormat),
			e.PrevHash,
			e.EntryHash,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(LedgerSheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	_ = f.SetColWidth(LedgerSheet, "A", "A", 10)
	_ = f.SetColWidth(LedgerSheet, "B", "B", 38)
	_ = f.SetColWidth(LedgerSheet, "C", "C", 16)
	_ = f.SetColWidth(LedgerSheet, "D", "D", 66)
	_ = f.SetColWidth(LedgerSheet, "E", "E", 28)
	_ = f.SetColWidth(LedgerSheet, "F", "G", 66)
	_ = f.SetPanes(LedgerSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(VerifySheet); err != nil {
		return nil, err
	}
	rows := [][2]string{
		{"From", strconv.FormatInt(rep.From, 10)},
		{"To", strconv.FormatInt(rep.To, 10)},
		{"Checked", strconv.Itoa(rep.Checked)},
		{"OK", strconv.FormatBool(rep.OK)},
	}
	if d := rep.Divergence; d != nil {
		rows = append(rows,
			[2]string{"Divergence", d.Kind},
			[2]string{"Divergence Sequence", strconv.FormatInt(d.Seq, 10)},
			[2]string{"Expected", d.Expected},
			[2]string{"Actual", d.Actual},
		)
	}
	for i, r := range rows {
		if err := f.SetSheetRow(VerifySheet, fmt.Sprintf("A%d", i+1), &[]any{r[0], r[1]}); err != nil {
			return nil, err
		}
	}
	_ = f.SetColWidth(VerifySheet, "A", "A", 22)
	_ = f.SetColWidth(VerifySheet, "B", "B", 66)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
