package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/store"
)

// ProjectLedger is everything exported for one project.
type ProjectLedger struct {
	Project *store.Project
	Records []*store.MRVRecord
	Batches []*store.CreditBatch
	Carbon  *aggregation.CarbonStats
	Credits *aggregation.CreditStats
}

// Sheet names of the project ledger workbook.
const (
	SheetSummary = "Summary"
	SheetRecords = "Records"
	SheetBatches = "Batches"
)

// RecordColumns are the column headers of record exports.
var RecordColumns = []string{
	"id", "project_id", "submitter", "ecosystem", "latitude", "longitude", "area",
	"health_score", "carbon_stock", "sequestration_rate", "confidence_score",
	"uncertainty_range", "data_hash", "status", "verifier", "created_at", "verified_at",
}

// BatchColumns are the column headers of batch exports.
var BatchColumns = []string{
	"id", "record_id", "serial_number", "vintage_year", "methodology", "issuer",
	"recipient", "total_amount", "retired", "outstanding", "fully_retired", "issued_at",
}

func recordRow(r *store.MRVRecord) []interface{} {
	var verifier string
	if r.Verifier != nil {
		verifier = string(*r.Verifier)
	}
	return []interface{}{
		r.ID, r.ProjectID, string(r.Submitter), string(r.Ecosystem), r.Latitude, r.Longitude, r.Area,
		r.HealthScore, r.CarbonStock, r.SequestrationRate, r.ConfidenceScore,
		r.UncertaintyRange, r.DataHash, string(r.Status), verifier, r.CreatedAt, r.VerifiedAt,
	}
}

func batchRow(b *store.CreditBatch) []interface{} {
	return []interface{}{
		b.ID, b.RecordID, b.SerialNumber, b.VintageYear, b.Methodology, string(b.Issuer),
		string(b.Recipient), b.TotalAmount, b.Retired, b.Outstanding(), b.FullyRetired, b.IssuedAt,
	}
}

// WorkbookExporter writes project ledgers as Excel workbooks
type WorkbookExporter struct {
	file        *excelize.File
	headerStyle int
	dateStyle   int
}

// NewWorkbookExporter creates an exporter with the three ledger sheets.
func NewWorkbookExporter() (*WorkbookExporter, error) {
	file := excelize.NewFile()
	if err := file.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{SheetRecords, SheetBatches} {
		if _, err := file.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to create sheet: %w", err)
		}
	}

	headerStyle, err := file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"105E78"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	dateStyle, err := file.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return nil, fmt.Errorf("failed to create date style: %w", err)
	}

	return &WorkbookExporter{file: file, headerStyle: headerStyle, dateStyle: dateStyle}, nil
}

// WriteLedger fills the workbook from ledger.
func (e *WorkbookExporter) WriteLedger(ledger ProjectLedger) error {
	if ledger.Project == nil {
		return fmt.Errorf("ledger has no project")
	}
	if err := e.writeSummary(ledger); err != nil {
		return err
	}

	records := make([][]interface{}, 0, len(ledger.Records))
	for _, r := range ledger.Records {
		records = append(records, recordRow(r))
	}
	if err := e.writeTable(SheetRecords, RecordColumns, records); err != nil {
		return err
	}

	batches := make([][]interface{}, 0, len(ledger.Batches))
	for _, b := range ledger.Batches {
		batches = append(batches, batchRow(b))
	}
	return e.writeTable(SheetBatches, BatchColumns, batches)
}

func (e *WorkbookExporter) writeSummary(ledger ProjectLedger) error {
	p := ledger.Project
	rows := [][]interface{}{
		{"Project", p.ID},
		{"Name", p.Name},
		{"Owner", string(p.Owner)},
		{"Active", p.Active},
		{"Created", p.CreatedAt},
		{"Records", len(ledger.Records)},
	}
	if c := ledger.Carbon; c != nil {
		rows = append(rows,
			[]interface{}{"Verified records", c.VerifiedRecordCount},
			[]interface{}{"Total carbon stock", c.TotalCarbonStock},
			[]interface{}{"Total sequestration rate", c.TotalSequestrationRate},
			[]interface{}{"Total area (m2)", c.TotalArea},
			[]interface{}{"Total area (ha)", c.TotalAreaHectares},
		)
	}
	if c := ledger.Credits; c != nil {
		rows = append(rows,
			[]interface{}{"Batches", c.BatchCount},
			[]interface{}{"Credits issued", c.TotalIssued},
			[]interface{}{"Credits retired", c.TotalRetired},
			[]interface{}{"Credits active", c.TotalActive},
		)
	}
	if err := e.writeTable(SheetSummary, []string{"Field", "Value"}, rows); err != nil {
		return err
	}
	return e.file.SetColWidth(SheetSummary, "A", "B", 28)
}

func (e *WorkbookExporter) writeTable(sheet string, columns []string, rows [][]interface{}) error {
	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := e.file.SetCellValue(sheet, cell, col); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := e.file.SetCellStyle(sheet, "A1", last, e.headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}
	if err := e.file.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	for r, row := range rows {
		for c, val := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := e.setCellValue(sheet, cell, val); err != nil {
				return fmt.Errorf("failed to set cell value: %w", err)
			}
		}
	}

	if len(rows) > 0 {
		lastCell, _ := excelize.CoordinatesToCellName(len(columns), len(rows)+1)
		if err := e.file.AutoFilter(sheet, "A1:"+lastCell, nil); err != nil {
			return fmt.Errorf("failed to add filter: %w", err)
		}
	}
	return nil
}

// setCellValue writes val, formatting timestamps and leaving nil pointers blank.
func (e *WorkbookExporter) setCellValue(sheet, cell string, val interface{}) error {
	switch v := val.(type) {
	case nil:
		return nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return nil
		}
		return e.setTime(sheet, cell, *v)
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return e.setTime(sheet, cell, v)
	default:
		return e.file.SetCellValue(sheet, cell, v)
	}
}

func (e *WorkbookExporter) setTime(sheet, cell string, t time.Time) error {
	if err := e.file.SetCellValue(sheet, cell, t.UTC()); err != nil {
		return err
	}
	return e.file.SetCellStyle(sheet, cell, cell, e.dateStyle)
}

// Write writes the workbook to w
func (e *WorkbookExporter) Write(w io.Writer) error {
	return e.file.Write(w)
}

// Close closes the workbook
func (e *WorkbookExporter) Close() error {
	return e.file.Close()
}

// WriteProjectLedger renders ledger as a workbook into w.
func WriteProjectLedger(w io.Writer, ledger ProjectLedger) error {
	e, err := NewWorkbookExporter()
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.WriteLedger(ledger); err != nil {
		return err
	}
	return e.Write(w)
}
