package mes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/crs-solar/panelmes/internal/barcode"
	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/models"
)

// AllocationResult is returned by GenerateNextBarcode
type AllocationResult struct {
	Barcode        string    `json:"barcode"`
	SequenceNumber int       `json:"sequence_number"`
	PanelID        uint      `json:"panel_id"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// GenerateNextBarcode issues the next unused sequence number for an MO and
// mints its barcode. The MO row is read under an exclusive lock restricted to
// allocatable statuses, so existence and allocatability are checked
// atomically and two concurrent allocators for the same order serialize.
// The counter only advances on successful commit; a failed attempt leaves
// no trace.
func (s *Service) GenerateNextBarcode(ctx context.Context, moID uint) (*AllocationResult, error) {
	var result AllocationResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mo models.ManufacturingOrder
		err := database.RowLock(tx, "").
			Where("id = ? AND status IN ?", moID, models.AllocatableStatuses).
			First(&mo).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(CodeMONotFound, "manufacturing order %d not found or not allocatable", moID)
		}
		if err != nil {
			return dbErr(err)
		}

		if mo.TotalProduced() >= mo.TargetQuantity {
			return E(CodeMOTargetReached, "order %s already produced %d of %d units",
				mo.OrderNumber, mo.TotalProduced(), mo.TargetQuantity)
		}

		seq := mo.NextSequenceNumber
		code := barcode.BarcodeFor(&mo, seq)

		panel := models.Panel{
			MOID:           mo.ID,
			Barcode:        code,
			SequenceNumber: seq,
			Status:         models.PanelStatusInProgress,
		}
		if err := tx.Create(&panel).Error; err != nil {
			if isUniqueViolation(err) {
				return E(CodeBarcodeDuplicate, "barcode %s already exists", code)
			}
			return dbErr(err)
		}

		updates := map[string]interface{}{
			"next_sequence_number": seq + 1,
			"in_progress_quantity": mo.InProgressQuantity + 1,
		}
		// First successful allocation is the named DRAFT -> ACTIVE transition.
		if mo.Status == models.MOStatusDraft {
			now := time.Now().UTC()
			updates["status"] = models.MOStatusActive
			updates["started_at"] = &now
		}
		if err := tx.Model(&models.ManufacturingOrder{}).
			Where("id = ?", mo.ID).
			Updates(updates).Error; err != nil {
			return dbErr(err)
		}

		oldJSON, _ := json.Marshal(map[string]int{"in_progress_quantity": mo.InProgressQuantity, "next_sequence_number": seq})
		newJSON, _ := json.Marshal(map[string]interface{}{"in_progress_quantity": mo.InProgressQuantity + 1, "next_sequence_number": seq + 1, "barcode": code})
		audit := models.AuditLog{
			EntityType: "manufacturing_order",
			EntityID:   mo.ID,
			Action:     "barcode_allocated",
			OldValues:  datatypes.JSON(oldJSON),
			NewValues:  datatypes.JSON(newJSON),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return dbErr(err)
		}

		result = AllocationResult{
			Barcode:        code,
			SequenceNumber: seq,
			PanelID:        panel.ID,
			GeneratedAt:    time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, asDomainErr(err)
	}

	s.invalidateProgress(ctx, moID)
	return &result, nil
}

// ValidationIssue is one reason a barcode does not belong to an MO
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is returned by ValidateBarcodeAgainstMO
type ValidationResult struct {
	IsValid   bool                       `json:"is_valid"`
	MO        *models.ManufacturingOrder `json:"mo,omitempty"`
	Issues    []ValidationIssue          `json:"issues,omitempty"`
	CheckedAt time.Time                  `json:"checked_at"`
}

// ValidateBarcodeAgainstMO checks an externally presented barcode against an
// MO's specification, its live sequence window and global panel uniqueness.
// All spec mismatches are accumulated rather than failing fast. When moID is
// nil, a candidate order matching the encoded attributes is searched for.
func (s *Service) ValidateBarcodeAgainstMO(ctx context.Context, code string, moID *uint) (*ValidationResult, error) {
	components, err := barcode.Parse(code)
	if err != nil {
		return nil, E(CodeInvalidBarcode, "barcode %q does not match the CRS grammar", code)
	}

	var mo *models.ManufacturingOrder
	if moID != nil {
		mo, err = s.GetManufacturingOrder(ctx, *moID)
		if err != nil {
			return nil, err
		}
	} else {
		mo, err = s.findCandidateMO(ctx, components)
		if err != nil {
			return nil, err
		}
	}

	result := &ValidationResult{MO: mo, CheckedAt: time.Now().UTC()}

	if ok, specErrs := barcode.ValidateAgainstSpec(components, mo); !ok {
		for _, msg := range specErrs {
			result.Issues = append(result.Issues, ValidationIssue{Code: CodeBarcodeMOMismatch, Message: msg})
		}
	}

	if issue := validateSequenceRange(components.SequenceNumber, mo); issue != nil {
		result.Issues = append(result.Issues, *issue)
	}

	if issue, err := s.checkBarcodeUniqueness(ctx, code); err != nil {
		return nil, err
	} else if issue != nil {
		result.Issues = append(result.Issues, *issue)
	}

	result.IsValid = len(result.Issues) == 0
	return result, nil
}

// findCandidateMO looks for an allocatable order whose spec matches the
// barcode's encoded attributes.
func (s *Service) findCandidateMO(ctx context.Context, c *barcode.Components) (*models.ManufacturingOrder, error) {
	var candidates []models.ManufacturingOrder
	err := s.db.WithContext(ctx).
		Where("year_code = ? AND panel_type = ? AND status IN ?",
			c.YearCode, c.PanelType, models.AllocatableStatuses).
		Order("created_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, dbErr(err)
	}

	for i := range candidates {
		if barcode.FrameCode(candidates[i].FrameType) == c.FrameCode &&
			barcode.BacksheetCode(candidates[i].BacksheetType) == c.BacksheetCode {
			return &candidates[i], nil
		}
	}
	return nil, E(CodeBarcodeMOMismatch, "no open manufacturing order matches this barcode")
}

// validateSequenceRange checks an embedded sequence number s against the
// MO's live counter c and remaining capacity r: valid iff c <= s <= c+r.
// Anything below c was already consumed; anything above c+r cannot fit the
// target.
func validateSequenceRange(s int, mo *models.ManufacturingOrder) *ValidationIssue {
	c := mo.NextSequenceNumber
	r := mo.RemainingCapacity()

	if s < 1 || s < c {
		return &ValidationIssue{
			Code:    CodeSequenceAlreadyUsed,
			Message: "sequence number was already consumed by a prior allocation",
		}
	}
	if s > c+r {
		return &ValidationIssue{
			Code:    CodeSequenceExceedsTarget,
			Message: "sequence number exceeds the order's remaining capacity",
		}
	}
	return nil
}

// checkBarcodeUniqueness verifies global uniqueness across all panels,
// regardless of owning MO.
func (s *Service) checkBarcodeUniqueness(ctx context.Context, code string) (*ValidationIssue, error) {
	var panel models.Panel
	err := s.db.WithContext(ctx).Select("id").Where("barcode = ?", code).First(&panel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err)
	}
	return &ValidationIssue{
		Code:    CodeBarcodeDuplicate,
		Message: fmt.Sprintf("barcode already assigned to panel %d", panel.ID),
	}, nil
}
