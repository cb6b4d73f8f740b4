package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"carbon-scribe/mrv-registry/internal/store"
)

// CSVOptions configures CSV export behavior
type CSVOptions struct {
	Delimiter       rune   `json:"delimiter"`
	UseCRLF         bool   `json:"use_crlf"`
	IncludeHeader   bool   `json:"include_header"`
	TimestampFormat string `json:"timestamp_format"`
	NullValue       string `json:"null_value"`
}

// DefaultCSVOptions returns default CSV export options
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:       ',',
		IncludeHeader:   true,
		TimestampFormat: time.RFC3339,
	}
}

// CSVExporter exports rows to CSV format
type CSVExporter struct {
	writer  *csv.Writer
	options CSVOptions
}

// NewCSVExporter creates a new CSV exporter
func NewCSVExporter(w io.Writer, options CSVOptions) *CSVExporter {
	writer := csv.NewWriter(w)
	writer.Comma = options.Delimiter
	writer.UseCRLF = options.UseCRLF
	return &CSVExporter{writer: writer, options: options}
}

// WriteHeader writes the header row when the options ask for one.
func (e *CSVExporter) WriteHeader(columns []string) error {
	if !e.options.IncludeHeader {
		return nil
	}
	if err := e.writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteRow writes a single row of data
func (e *CSVExporter) WriteRow(row []interface{}) error {
	record := make([]string, len(row))
	for i, val := range row {
		record[i] = e.formatValue(val)
	}
	if err := e.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Flush writes any buffered data to the underlying writer
func (e *CSVExporter) Flush() error {
	e.writer.Flush()
	return e.writer.Error()
}

func (e *CSVExporter) formatValue(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return e.options.NullValue
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		if v.IsZero() {
			return e.options.NullValue
		}
		return v.UTC().Format(e.options.TimestampFormat)
	case *time.Time:
		if v == nil || v.IsZero() {
			return e.options.NullValue
		}
		return v.UTC().Format(e.options.TimestampFormat)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// WriteRecordsCSV writes records as CSV with RecordColumns as header.
func WriteRecordsCSV(w io.Writer, records []*store.MRVRecord) error {
	e := NewCSVExporter(w, DefaultCSVOptions())
	if err := e.WriteHeader(RecordColumns); err != nil {
		return err
	}
	for _, r := range records {
		if err := e.WriteRow(recordRow(r)); err != nil {
			return err
		}
	}
	return e.Flush()
}

// WriteBatchesCSV writes batches as CSV with BatchColumns as header.
func WriteBatchesCSV(w io.Writer, batches []*store.CreditBatch) error {
	e := NewCSVExporter(w, DefaultCSVOptions())
	if err := e.WriteHeader(BatchColumns); err != nil {
		return err
	}
	for _, b := range batches {
		if err := e.WriteRow(batchRow(b)); err != nil {
			return err
		}
	}
	return e.Flush()
}
