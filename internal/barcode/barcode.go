package barcode

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/crs-solar/panelmes/internal/models"
)

// Panel barcode grammar:
//
//	CRS <YY:2 digits> <frame:1 char> <backsheet:1 char> <panelType:2-3 digits> <sequence:5 digits>
//
// Example: CRS25WT3600001 (year 25, silver frame, transparent backsheet,
// 36-cell panel, sequence 1)
//
// Frame codes:     SILVER -> 'W', BLACK -> 'B'
// Backsheet codes: TRANSPARENT -> 'T', WHITE -> 'W', BLACK -> 'B'
// 'W' appears in both tables; position disambiguates. The mapping is fixed
// by labels already in the field, do not change it.
const Prefix = "CRS"

// ErrInvalidBarcode is returned when a string does not match the grammar
var ErrInvalidBarcode = errors.New("invalid barcode")

var barcodeRe = regexp.MustCompile(`^CRS(\d{2})([WB])([TWB])(\d{2,3})(\d{5})$`)

var frameCodes = map[models.FrameType]string{
	models.FrameSilver: "W",
	models.FrameBlack:  "B",
}

var backsheetCodes = map[models.BacksheetType]string{
	models.BacksheetTransparent: "T",
	models.BacksheetWhite:       "W",
	models.BacksheetBlack:       "B",
}

// Spec holds the attributes a barcode encodes
type Spec struct {
	YearCode       string
	FrameType      models.FrameType
	BacksheetType  models.BacksheetType
	PanelType      int
	SequenceNumber int
}

// Components is the parsed form of a barcode string
type Components struct {
	YearCode       string `json:"year_code"`
	FrameCode      string `json:"frame_code"`
	BacksheetCode  string `json:"backsheet_code"`
	PanelType      int    `json:"panel_type"`
	SequenceNumber int    `json:"sequence_number"`
}

// FrameCode maps a frame type to its single-letter code
func FrameCode(ft models.FrameType) string {
	return frameCodes[ft]
}

// BacksheetCode maps a backsheet type to its single-letter code
func BacksheetCode(bt models.BacksheetType) string {
	return backsheetCodes[bt]
}

// Build constructs a barcode string from a spec. It is a pure function with
// no failure modes; sequence numbers beyond 5 digits would overflow the
// fixed-width field, but target quantities are orders of magnitude smaller.
func Build(spec Spec) string {
	return fmt.Sprintf("%s%s%s%s%d%05d",
		Prefix,
		spec.YearCode,
		frameCodes[spec.FrameType],
		backsheetCodes[spec.BacksheetType],
		spec.PanelType,
		spec.SequenceNumber,
	)
}

// Parse extracts the components of a barcode string. Returns
// ErrInvalidBarcode for anything not matching the fixed-width grammar.
func Parse(code string) (*Components, error) {
	m := barcodeRe.FindStringSubmatch(code)
	if m == nil {
		return nil, ErrInvalidBarcode
	}

	panelType, _ := strconv.Atoi(m[4])
	if !models.IsValidPanelType(panelType) {
		return nil, ErrInvalidBarcode
	}
	seq, _ := strconv.Atoi(m[5])

	return &Components{
		YearCode:       m[1],
		FrameCode:      m[2],
		BacksheetCode:  m[3],
		PanelType:      panelType,
		SequenceNumber: seq,
	}, nil
}

// ValidateAgainstSpec checks parsed components field by field against an
// MO's specification. All mismatches are accumulated so the caller sees
// every reason the barcode does not belong to the candidate order.
func ValidateAgainstSpec(c *Components, mo *models.ManufacturingOrder) (bool, []string) {
	var errs []string

	if c.YearCode != mo.YearCode {
		errs = append(errs, fmt.Sprintf("year code mismatch: barcode has %s, order has %s", c.YearCode, mo.YearCode))
	}
	if c.PanelType != mo.PanelType {
		errs = append(errs, fmt.Sprintf("panel type mismatch: barcode has %d, order has %d", c.PanelType, mo.PanelType))
	}
	if want := frameCodes[mo.FrameType]; c.FrameCode != want {
		errs = append(errs, fmt.Sprintf("frame code mismatch: barcode has %s, order expects %s", c.FrameCode, want))
	}
	if want := backsheetCodes[mo.BacksheetType]; c.BacksheetCode != want {
		errs = append(errs, fmt.Sprintf("backsheet code mismatch: barcode has %s, order expects %s", c.BacksheetCode, want))
	}

	return len(errs) == 0, errs
}

// Range is the sequence window [Start, End] reserved for an MO at creation
// time. It is a derived preview; the live counter on the MO row stays
// authoritative for allocation.
type Range struct {
	Start        int    `json:"start"`
	End          int    `json:"end"`
	FirstBarcode string `json:"first_barcode"`
	LastBarcode  string `json:"last_barcode"`
}

// RangeFor derives the reserved barcode range of an MO
func RangeFor(mo *models.ManufacturingOrder) Range {
	start := mo.NextSequenceNumber
	end := start + mo.TargetQuantity - 1
	spec := Spec{
		YearCode:      mo.YearCode,
		FrameType:     mo.FrameType,
		BacksheetType: mo.BacksheetType,
		PanelType:     mo.PanelType,
	}
	spec.SequenceNumber = start
	first := Build(spec)
	spec.SequenceNumber = end
	last := Build(spec)
	return Range{Start: start, End: end, FirstBarcode: first, LastBarcode: last}
}

// BarcodeFor builds the barcode an MO would mint for a given sequence number
func BarcodeFor(mo *models.ManufacturingOrder, seq int) string {
	return Build(Spec{
		YearCode:       mo.YearCode,
		FrameType:      mo.FrameType,
		BacksheetType:  mo.BacksheetType,
		PanelType:      mo.PanelType,
		SequenceNumber: seq,
	})
}
