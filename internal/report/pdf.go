package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/rescene/internal/common"
)

// PDFOptions controls the rendering of SavePDF.
type PDFOptions struct {
	Lang Language
	// QRSize is the pixel size of the manifest digest QR code.
	QRSize int
}

// SavePDF renders j into a PDF document at out.
func SavePDF(j Job, out string, opts PDFOptions) error {
	l := NewLabels(opts.Lang)
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(l.T("title")), false)
	pdf.SetAuthor(j.Tool, false)
	pdf.SetCreator(j.Tool, false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, tr(l.T("title")))
	addSummarySection(pdf, j, l, tr)
	if j.ManifestDigest != "" {
		if err := addManifestSection(pdf, j.ManifestDigest, opts.QRSize, l, tr); err != nil {
			return err
		}
	}
	addFilesSection(pdf, l.T("inputs"), j.Inputs, l, tr)
	addFilesSection(pdf, l.T("outputs"), j.Outputs, l, tr)
	addListSection(pdf, l.T("mismatches"), j.Mismatches, l, tr)
	addListSection(pdf, l.T("warnings"), j.Warnings, l, tr)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addHeading(pdf *gofpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, text)
	pdf.Ln(9)
}

func addSummarySection(pdf *gofpdf.Fpdf, j Job, l Labels, tr func(string) string) {
	addHeading(pdf, tr(l.T("summary")))
	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: l.T("operation"), value: j.Op},
		{label: l.T("tool"), value: j.Tool},
		{label: l.T("started"), value: j.Started.Format(time.RFC3339)},
		{label: l.T("duration"), value: j.Duration.String()},
		{label: l.T("result"), value: passLabel(j.OK(), l)},
		{label: l.T("exit_code"), value: fmt.Sprint(j.ExitCode)},
	}
	if j.Error != "" {
		items = append(items, struct {
			label string
			value string
		}{label: l.T("error"), value: j.Error})
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, tr(item.label), "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 6, tr(emptyFallback(item.value, "-")), "", "L", false)
	}
	pdf.Ln(4)
}

func addManifestSection(pdf *gofpdf.Fpdf, d string, size int, l Labels, tr func(string) string) error {
	png, err := ManifestDigestToQR(d, size)
	if err != nil {
		return err
	}
	addHeading(pdf, tr(l.T("manifest")))
	pdf.SetFont("Courier", "", 8)
	pdf.MultiCell(0, 4, d, "", "L", false)
	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	pdf.RegisterImageOptionsReader("manifest-qr", opts, bytes.NewReader(png))
	pdf.ImageOptions("manifest-qr", pdf.GetX(), pdf.GetY()+2, 30, 30, true, opts, 0, "")
	pdf.Ln(4)
	return nil
}

func addFilesSection(pdf *gofpdf.Fpdf, title string, files []File, l Labels, tr func(string) string) {
	if len(files) == 0 {
		return
	}
	addHeading(pdf, tr(title))
	headers := []string{l.T("path"), l.T("size"), l.T("crc"), l.T("status")}
	widths := []float64{100, 30, 22, 28}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, tr(h), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, f := range files {
		values := []string{
			tr(f.Path),
			common.FormatBytes(f.Size),
			f.CRC,
			f.Status,
		}
		renderTableRow(pdf, widths, values, 5)
	}
	pdf.Ln(4)
}

func addListSection(pdf *gofpdf.Fpdf, title string, lines []string, l Labels, tr func(string) string) {
	addHeading(pdf, tr(title))
	pdf.SetFont("Helvetica", "", 10)
	if len(lines) == 0 {
		pdf.MultiCell(0, 5, tr(l.T("none")), "", "L", false)
		pdf.Ln(2)
		return
	}
	for i, s := range lines {
		pdf.MultiCell(0, 5, tr(fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(s))), "", "L", false)
	}
	pdf.Ln(2)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	cols := make([][]string, len(values))
	for i, val := range values {
		lines := pdf.SplitText(emptyFallback(val, "-"), widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		cols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	if yStart+rowHeight > 277 {
		pdf.AddPage()
		xStart, yStart = pdf.GetX(), pdf.GetY()
	}
	x := xStart
	for i, lines := range cols {
		pdf.SetXY(x, yStart)
		// pad short columns so every cell in the row has the same border
		for len(lines) < maxLines {
			lines = append(lines, "")
		}
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func passLabel(pass bool, l Labels) string {
	if pass {
		return l.T("pass")
	}
	return l.T("fail")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
