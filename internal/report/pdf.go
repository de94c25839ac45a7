package report

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jung-kurt/gofpdf"

	"forwarding-audit-go/internal/model"
)

const (
	labelWidth = 55.0
	valueWidth = 115.0
	lineHeight = 6.0
)

type rgb struct{ r, g, b int }

var (
	headerGrey = rgb{128, 128, 128}
	headerBlue = rgb{173, 216, 230}
	beige      = rgb{245, 245, 220}
	white      = rgb{255, 255, 255}
)

// PDFRenderer lays out audit reports with gofpdf
type PDFRenderer struct {
	// Compress enables stream compression; tests turn it off to inspect text
	Compress bool
}

// NewPDFRenderer returns a renderer producing compressed documents
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{Compress: true}
}

var _ Renderer = (*PDFRenderer)(nil)

type document struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
}

// Render builds the document for in
func (r *PDFRenderer) Render(ctx context.Context, in Input) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.Compress)
	pdf.SetTitle(in.Title, true)
	pdf.SetCreator("forwarding-audit", true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	d := &document{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, d.tr(in.Title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Generated: "+in.GeneratedAt.Format("2006-01-02 15:04:05 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	if in.Stats != nil {
		d.heading("Statistics")
		d.table([2]string{"Metric", "Value"}, [][2]string{
			{"Total Rules", fmt.Sprint(in.Stats.TotalRules)},
			{"Rules With Filter", fmt.Sprint(in.Stats.RulesWithFilter)},
			{"Active Forwarding", fmt.Sprint(in.Stats.ActiveForwarding)},
			{"Rules With Errors", fmt.Sprint(in.Stats.RulesWithErrors)},
			{"Total Filters", fmt.Sprint(in.Stats.TotalFilters)},
		}, headerGrey, beige)
		pdf.Ln(6)
	}

	if in.Rules != nil {
		d.heading("Forwarding Rules")
		if len(in.Rules) == 0 {
			d.paragraph("No forwarding rules recorded.")
		}
		for _, rule := range in.Rules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d.rule(rule, in.Filters)
		}
	}

	if in.Note != "" {
		d.paragraph(in.Note)
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to lay out report: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "None"
	}
	return *s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (d *document) heading(text string) {
	d.pdf.SetFont("Helvetica", "B", 13)
	d.pdf.CellFormat(0, 9, d.tr(text), "", 1, "L", false, 0, "")
	d.pdf.Ln(2)
}

func (d *document) paragraph(text string) {
	d.pdf.SetFont("Helvetica", "", 10)
	d.pdf.MultiCell(0, 5, d.tr(text), "", "L", false)
	d.pdf.Ln(4)
}

func (d *document) rule(rule model.ForwardingRule, filters map[uint]model.FilterConfig) {
	d.pdf.SetFont("Helvetica", "B", 11)
	d.pdf.CellFormat(0, 8, d.tr(fmt.Sprintf("Rule #%d: %s", rule.ID, rule.OwnerEmail)), "", 1, "L", false, 0, "")

	disposition := "None"
	if rule.Disposition != nil {
		disposition = string(*rule.Disposition)
	}
	d.table([2]string{"Attribute", "Value"}, [][2]string{
		{"Name", rule.OwnerName},
		{"Forwarding Email", orNone(rule.ForwardingAddress)},
		{"Disposition", disposition},
		{"Has Filters", yesNo(rule.HasFilter)},
		{"Error", orNone(rule.ErrorMessage)},
		{"Investigation Note", orNone(rule.InvestigationNote)},
	}, headerGrey, white)
	d.pdf.Ln(3)

	if filters != nil && rule.HasFilter {
		if f, ok := filters[rule.ID]; ok {
			d.pdf.SetFont("Helvetica", "B", 10)
			d.pdf.CellFormat(0, 7, "Filter Configuration:", "", 1, "L", false, 0, "")
			d.table([2]string{"Attribute", "Value"}, [][2]string{
				{"Filter ID", fmt.Sprint(f.ID)},
				{"Created At", f.CreatedAt.Format("2006-01-02 15:04:05")},
				{"Criteria", prettyJSON(f.Criteria)},
				{"Action", prettyJSON(f.Action)},
			}, headerBlue, white)
			d.pdf.Ln(3)
		}
	}
	d.pdf.Ln(5)
}

func prettyJSON(v interface{}) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

// table draws a two-column grid; value cells wrap and grow the row height
func (d *document) table(header [2]string, rows [][2]string, head, body rgb) {
	pdf := d.pdf
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(head.r, head.g, head.b)
	pdf.CellFormat(labelWidth, 8, d.tr(header[0]), "1", 0, "C", true, 0, "")
	pdf.CellFormat(valueWidth, 8, d.tr(header[1]), "1", 1, "C", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetFillColor(body.r, body.g, body.b)
	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()

	for _, row := range rows {
		lines := pdf.SplitLines([]byte(d.tr(row[1])), valueWidth)
		height := lineHeight * float64(max(1, len(lines)))
		if pdf.GetY()+height > pageHeight-bottom-10 {
			pdf.AddPage()
		}

		x, y := pdf.GetXY()
		pdf.Rect(x, y, labelWidth, height, "FD")
		pdf.Rect(x+labelWidth, y, valueWidth, height, "FD")
		pdf.SetXY(x, y)
		pdf.CellFormat(labelWidth, lineHeight, d.tr(row[0]), "", 0, "L", false, 0, "")
		for i, line := range lines {
			pdf.SetXY(x+labelWidth, y+float64(i)*lineHeight)
			pdf.CellFormat(valueWidth, lineHeight, string(line), "", 0, "L", false, 0, "")
		}
		pdf.SetXY(x, y+height)
	}
}
