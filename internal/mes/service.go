package mes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/crs-solar/panelmes/internal/barcode"
	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/models"
)

// Service implements the manufacturing order lifecycle: sequence allocation,
// progress aggregation, closure readiness and closure execution. One instance
// is constructed at process start and shared; all state lives in the
// database.
type Service struct {
	db    *database.DB
	cache *ProgressCache
}

// NewService creates the MO service. cache may be nil to disable progress
// snapshot caching.
func NewService(db *database.DB, cache *ProgressCache) *Service {
	return &Service{db: db, cache: cache}
}

// CreateMORequest is the input for creating a manufacturing order
type CreateMORequest struct {
	PanelType      int                  `json:"panel_type" validate:"required"`
	TargetQuantity int                  `json:"target_quantity" validate:"required,gt=0"`
	FrameType      models.FrameType     `json:"frame_type" validate:"required,oneof=SILVER BLACK"`
	BacksheetType  models.BacksheetType `json:"backsheet_type" validate:"required,oneof=TRANSPARENT WHITE BLACK"`
	YearCode       string               `json:"year_code" validate:"omitempty,len=2,numeric"`
	Priority       string               `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	CustomerName   string               `json:"customer_name"`
	CustomerPO     string               `json:"customer_po"`
	Notes          string               `json:"notes"`
}

// CreateMOResult carries the created order and its reserved barcode window
type CreateMOResult struct {
	MO           *models.ManufacturingOrder `json:"mo"`
	BarcodeRange barcode.Range              `json:"barcode_range"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// CreateManufacturingOrder validates the spec, mints an order number of the
// form MO<YY><seq> and persists the new order in DRAFT with its sequence
// counter at 1.
func (s *Service) CreateManufacturingOrder(ctx context.Context, req CreateMORequest) (*CreateMOResult, error) {
	if !models.IsValidPanelType(req.PanelType) {
		return nil, E(CodeInvalidPanelType, "unknown panel type %d", req.PanelType)
	}

	yearCode := req.YearCode
	if yearCode == "" {
		yearCode = time.Now().UTC().Format("06")
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}

	mo := &models.ManufacturingOrder{
		PanelType:          req.PanelType,
		TargetQuantity:     req.TargetQuantity,
		FrameType:          req.FrameType,
		BacksheetType:      req.BacksheetType,
		YearCode:           yearCode,
		NextSequenceNumber: 1,
		Status:             models.MOStatusDraft,
		Priority:           priority,
		CustomerName:       req.CustomerName,
		CustomerPO:         req.CustomerPO,
		Notes:              req.Notes,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ManufacturingOrder{}).
			Unscoped().
			Where("year_code = ?", yearCode).
			Count(&count).Error; err != nil {
			return dbErr(err)
		}
		mo.OrderNumber = fmt.Sprintf("MO%s%04d", yearCode, count+1)

		if err := tx.Create(mo).Error; err != nil {
			if isUniqueViolation(err) {
				return E(CodeOrderNumberDuplicate, "order number %s already exists", mo.OrderNumber)
			}
			return dbErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, asDomainErr(err)
	}

	return &CreateMOResult{
		MO:           mo,
		BarcodeRange: barcode.RangeFor(mo),
		CreatedAt:    mo.CreatedAt,
	}, nil
}

// GetManufacturingOrder fetches an MO by id
func (s *Service) GetManufacturingOrder(ctx context.Context, moID uint) (*models.ManufacturingOrder, error) {
	var mo models.ManufacturingOrder
	err := s.db.WithContext(ctx).First(&mo, moID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(CodeMONotFound, "manufacturing order %d not found", moID)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	return &mo, nil
}

// MOListParams filters the MO listing
type MOListParams struct {
	Status    string
	PanelType int
	Page      int
	Size      int
}

// ListManufacturingOrders returns a filtered, paginated MO list
func (s *Service) ListManufacturingOrders(ctx context.Context, params MOListParams) ([]models.ManufacturingOrder, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.ManufacturingOrder{})
	if params.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(params.Status))
	}
	if params.PanelType != 0 {
		query = query.Where("panel_type = ?", params.PanelType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, dbErr(err)
	}

	if params.Page <= 0 {
		params.Page = 1
	}
	if params.Size <= 0 {
		params.Size = 20
	}

	var mos []models.ManufacturingOrder
	err := query.Order("created_at DESC").
		Offset((params.Page - 1) * params.Size).
		Limit(params.Size).
		Find(&mos).Error
	if err != nil {
		return nil, 0, dbErr(err)
	}
	return mos, total, nil
}

// isUniqueViolation detects unique constraint errors across the postgres
// and sqlite dialects.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

// asDomainErr passes through *Error and wraps everything else as a
// DATABASE_ERROR.
func asDomainErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return dbErr(err)
}
