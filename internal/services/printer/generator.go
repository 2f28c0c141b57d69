package printer

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/crs-solar/panelmes/internal/barcode"
	"github.com/crs-solar/panelmes/internal/mes"
	"github.com/crs-solar/panelmes/internal/models"
)

// LabelConfig holds configuration for label sheet generation
type LabelConfig struct {
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	MarginTop  float64 `json:"marginTop"`
	MarginLeft float64 `json:"marginLeft"`
	GapX       float64 `json:"gapX"`
	GapY       float64 `json:"gapY"`
}

// DefaultLabelConfig matches the 3x8 sticker sheets used on the line
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{Cols: 3, Rows: 8, MarginTop: 10, MarginLeft: 7, GapX: 2.5, GapY: 0}
}

// GenerateLabelsPDF renders an MO's reserved barcode range as a grid of QR
// labels. It works purely off the derived range; nothing is allocated.
func GenerateLabelsPDF(mo *models.ManufacturingOrder, cfg LabelConfig) ([]byte, error) {
	rng := barcode.RangeFor(mo)
	count := rng.End - rng.Start + 1
	if count <= 0 {
		return nil, fmt.Errorf("order %s has no remaining barcode range", mo.OrderNumber)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Arial", "B", 10)

	pageWidth, pageHeight := 210.0, 297.0

	totalGapX := float64(cfg.Cols-1) * cfg.GapX
	totalGapY := float64(cfg.Rows-1) * cfg.GapY
	availW := pageWidth - (cfg.MarginLeft * 2)
	availH := pageHeight - (cfg.MarginTop * 2)
	labelW := (availW - totalGapX) / float64(cfg.Cols)
	labelH := (availH - totalGapY) / float64(cfg.Rows)

	labelsPerPage := cfg.Cols * cfg.Rows

	for i := 0; i < count; i++ {
		if i%labelsPerPage == 0 {
			pdf.AddPage()
		}

		indexOnPage := i % labelsPerPage
		col := indexOnPage % cfg.Cols
		row := indexOnPage / cfg.Cols

		x := cfg.MarginLeft + float64(col)*(labelW+cfg.GapX)
		y := cfg.MarginTop + float64(row)*(labelH+cfg.GapY)

		code := barcode.BarcodeFor(mo, rng.Start+i)

		qrPng, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			return nil, err
		}

		imgName := fmt.Sprintf("qr_%d", i)
		imgOptions := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}
		_ = pdf.RegisterImageOptionsReader(imgName, imgOptions, bytes.NewReader(qrPng))

		qrSize := labelH * 0.7
		if qrSize > labelW {
			qrSize = labelW * 0.9
		}
		qrX := x + (labelW-qrSize)/2
		qrY := y + (labelH-qrSize)/2 - 2

		pdf.ImageOptions(imgName, qrX, qrY, qrSize, qrSize, false, imgOptions, 0, "")

		pdf.SetXY(x, y+labelH-6)
		pdf.SetFontSize(8)
		pdf.CellFormat(labelW, 5, code, "", 0, "C", false, 0, "")

		pdf.SetXY(x, y+1)
		pdf.SetFontSize(6)
		pdf.CellFormat(labelW, 3, mo.OrderNumber, "", 0, "R", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateCompletionReportPDF renders a closure completion report
func GenerateCompletionReportPDF(report *mes.CompletionReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Completion Report - %s", report.OrderNumber), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 11)
	line := func(label, value string) {
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(60, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}

	line("Panel type", fmt.Sprintf("%d cells", report.PanelType))
	line("Target quantity", fmt.Sprintf("%d", report.TargetQuantity))
	line("Completed", fmt.Sprintf("%d", report.Completed))
	line("Failed", fmt.Sprintf("%d", report.Failed))
	line("Failure rate", fmt.Sprintf("%.1f%%", report.FailureRate))
	line("Pallets", fmt.Sprintf("%d", report.PalletCount))
	line("Average wattage", fmt.Sprintf("%.0f W", report.Quality.AvgWattage))
	if report.StartedAt != nil {
		line("Started", report.StartedAt.Format("2006-01-02 15:04"))
	}
	line("Closed", report.ClosedAt.Format("2006-01-02 15:04"))
	line("Duration", fmt.Sprintf("%.1f h", report.DurationHours))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
