// Package export renders registry data as retirement certificates, ledger
// workbooks and CSV files.
package export

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"

	"carbon-scribe/mrv-registry/internal/store"
)

// PDFColor represents an RGB color
type PDFColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// PDFOptions configures certificate rendering
type PDFOptions struct {
	PageSize     string   `json:"page_size"`
	Title        string   `json:"title"`
	RegistryName string   `json:"registry_name"`
	DateFormat   string   `json:"date_format"`
	HeaderColor  PDFColor `json:"header_color"`
	FontFamily   string   `json:"font_family"`
	FontSize     float64  `json:"font_size"`
	Margin       float64  `json:"margin"`
}

// DefaultPDFOptions returns default certificate options
func DefaultPDFOptions() PDFOptions {
	return PDFOptions{
		PageSize:     "A4",
		Title:        "Certificate of Carbon Credit Retirement",
		RegistryName: "Blue Carbon MRV Registry",
		DateFormat:   "2 January 2006",
		HeaderColor:  PDFColor{R: 16, G: 94, B: 120},
		FontFamily:   "Arial",
		FontSize:     10,
		Margin:       18,
	}
}

// Certificate is the data printed on a retirement certificate. Batches is
// keyed by batch id and must contain every batch the retirement drew from.
type Certificate struct {
	Retirement *store.Retirement
	Batches    map[uint64]*store.CreditBatch
}

// CertificateGenerator renders retirement certificates as PDF
type CertificateGenerator struct {
	options PDFOptions
	now     func() time.Time
}

// NewCertificateGenerator creates a certificate generator
func NewCertificateGenerator(options PDFOptions) *CertificateGenerator {
	return &CertificateGenerator{options: options, now: time.Now}
}

// Write renders cert to w.
func (g *CertificateGenerator) Write(w io.Writer, cert Certificate) error {
	if cert.Retirement == nil {
		return fmt.Errorf("certificate has no retirement")
	}
	for _, a := range cert.Retirement.Allocations {
		if _, ok := cert.Batches[a.BatchID]; !ok {
			return fmt.Errorf("certificate is missing batch %d", a.BatchID)
		}
	}

	pdf := gofpdf.New("P", "mm", g.options.PageSize, "")
	pdf.SetMargins(g.options.Margin, g.options.Margin, g.options.Margin)
	pdf.SetAutoPageBreak(true, g.options.Margin)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(g.options.FontFamily, "", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, fmt.Sprintf("%s - Page %d", g.options.RegistryName, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	g.addBanner(pdf)
	g.addStatement(pdf, cert.Retirement)
	g.addAllocations(pdf, cert)
	g.addVerification(pdf, cert.Retirement)

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("failed to render certificate: %w", err)
	}
	return pdf.Output(w)
}

// Bytes renders cert into memory.
func (g *CertificateGenerator) Bytes(cert Certificate) ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Write(&buf, cert); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *CertificateGenerator) addBanner(pdf *gofpdf.Fpdf) {
	c := g.options.HeaderColor
	pdf.SetFillColor(c.R, c.G, c.B)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont(g.options.FontFamily, "B", 16)
	pdf.CellFormat(0, 14, g.options.Title, "", 1, "C", true, 0, "")
	pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	pdf.CellFormat(0, 8, g.options.RegistryName, "", 1, "C", true, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(8)
}

func (g *CertificateGenerator) addStatement(pdf *gofpdf.Fpdf, r *store.Retirement) {
	pdf.SetFont(g.options.FontFamily, "", g.options.FontSize+1)
	statement := fmt.Sprintf("This certifies that %d carbon credit units (tCO2e) held by %s were permanently retired on %s.",
		r.Amount, r.Holder, r.RetiredAt.Format(g.options.DateFormat))
	pdf.MultiCell(0, 6, statement, "", "L", false)
	pdf.Ln(4)

	items := [][2]string{
		{"Retirement ID", r.ID.String()},
		{"Reason", r.Reason},
	}
	if r.Beneficiary != "" {
		items = append(items, [2]string{"Beneficiary", r.Beneficiary})
	}
	for _, item := range items {
		pdf.SetFont(g.options.FontFamily, "B", g.options.FontSize)
		pdf.CellFormat(40, 6, item[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
		pdf.CellFormat(0, 6, item[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)
}

var allocationColumns = []struct {
	label string
	width float64
}{
	{"Batch", 16},
	{"Serial number", 50},
	{"Project", 34},
	{"Vintage", 18},
	{"Methodology", 30},
	{"Units", 26},
}

func (g *CertificateGenerator) addAllocations(pdf *gofpdf.Fpdf, cert Certificate) {
	c := g.options.HeaderColor
	pdf.SetFont(g.options.FontFamily, "B", g.options.FontSize)
	pdf.SetFillColor(c.R, c.G, c.B)
	pdf.SetTextColor(255, 255, 255)
	for _, col := range allocationColumns {
		pdf.CellFormat(col.width, 8, col.label, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	pdf.SetTextColor(0, 0, 0)
	for i, a := range cert.Retirement.Allocations {
		if i%2 == 1 {
			pdf.SetFillColor(242, 242, 242)
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		b := cert.Batches[a.BatchID]
		cells := []string{
			fmt.Sprintf("%d", b.ID),
			b.SerialNumber,
			b.ProjectID,
			fmt.Sprintf("%d", b.VintageYear),
			b.Methodology,
			fmt.Sprintf("%d", a.Amount),
		}
		for j, col := range allocationColumns {
			align := "L"
			if j == len(cells)-1 {
				align = "R"
			}
			pdf.CellFormat(col.width, 7, cells[j], "1", 0, align, true, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(8)
}

func (g *CertificateGenerator) addVerification(pdf *gofpdf.Fpdf, r *store.Retirement) {
	pdf.SetFont(g.options.FontFamily, "I", g.options.FontSize-1)
	pdf.SetTextColor(100, 100, 100)
	pdf.MultiCell(0, 5, fmt.Sprintf(
		"Retired units can never be transferred or re-issued. Verify this certificate with retirement id %s. Generated %s.",
		r.ID, g.now().UTC().Format(time.RFC3339)), "", "L", false)
}
