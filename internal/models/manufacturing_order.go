package models

import (
	"time"

	"gorm.io/gorm"
)

// MOStatus defines possible manufacturing order statuses
type MOStatus string

const (
	MOStatusDraft     MOStatus = "DRAFT"     // Created, no production yet
	MOStatusActive    MOStatus = "ACTIVE"    // Production in progress
	MOStatusPaused    MOStatus = "PAUSED"    // Production temporarily halted
	MOStatusCompleted MOStatus = "COMPLETED" // Closed
	MOStatusCancelled MOStatus = "CANCELLED" // Abandoned
)

// AllocatableStatuses are the statuses in which an MO may still hand out
// sequence numbers.
var AllocatableStatuses = []MOStatus{MOStatusDraft, MOStatusActive, MOStatusPaused}

// FrameType of the panel frame
type FrameType string

const (
	FrameSilver FrameType = "SILVER"
	FrameBlack  FrameType = "BLACK"
)

// BacksheetType of the panel backsheet
type BacksheetType string

const (
	BacksheetTransparent BacksheetType = "TRANSPARENT"
	BacksheetWhite       BacksheetType = "WHITE"
	BacksheetBlack       BacksheetType = "BLACK"
)

// ValidPanelTypes are the cell counts we manufacture
var ValidPanelTypes = []int{36, 40, 60, 72, 144}

// ManufacturingOrder represents one production order for a batch of panels
// with fixed attributes. The sequence counter embedded here is the single
// source of truth for barcode allocation.
type ManufacturingOrder struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	OrderNumber string `gorm:"uniqueIndex;not null" json:"order_number"`

	// Panel specification (fixed for the whole order)
	PanelType     int           `gorm:"not null" json:"panel_type"`
	FrameType     FrameType     `gorm:"type:varchar(20);not null" json:"frame_type"`
	BacksheetType BacksheetType `gorm:"type:varchar(20);not null" json:"backsheet_type"`
	YearCode      string        `gorm:"type:varchar(2);not null" json:"year_code"`

	// Allocation state. NextSequenceNumber only ever advances, by exactly
	// one per successfully committed allocation.
	TargetQuantity     int `gorm:"not null" json:"target_quantity"`
	NextSequenceNumber int `gorm:"not null;default:1" json:"next_sequence_number"`

	// Progress counters, mutated only through the progress aggregator
	CompletedQuantity  int `gorm:"not null;default:0" json:"completed_quantity"`
	FailedQuantity     int `gorm:"not null;default:0" json:"failed_quantity"`
	InProgressQuantity int `gorm:"not null;default:0" json:"in_progress_quantity"`

	Status   MOStatus `gorm:"type:varchar(20);default:DRAFT;index" json:"status"`
	Priority string   `gorm:"default:normal" json:"priority"` // low | normal | high | urgent

	// Documentation (checked by the closure readiness engine)
	CustomerName string `gorm:"index" json:"customer_name"`
	CustomerPO   string `json:"customer_po"`
	Notes        string `gorm:"type:text" json:"notes"`

	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	ActualCompletionDate *time.Time     `json:"actual_completion_date,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`

	// Relations
	Panels  []Panel  `gorm:"foreignKey:MOID" json:"panels,omitempty"`
	Pallets []Pallet `gorm:"foreignKey:MOID" json:"pallets,omitempty"`
}

// TableName specifies the table name for ManufacturingOrder model
func (ManufacturingOrder) TableName() string {
	return "manufacturing_orders"
}

// TotalProduced is the number of units that have consumed a slot of the
// target quantity, whatever their current state.
func (mo *ManufacturingOrder) TotalProduced() int {
	return mo.CompletedQuantity + mo.FailedQuantity + mo.InProgressQuantity
}

// RemainingCapacity is target minus terminally counted units. In-progress
// units are deliberately not subtracted here; sequence range validation
// depends on this exact arithmetic.
func (mo *ManufacturingOrder) RemainingCapacity() int {
	return mo.TargetQuantity - mo.CompletedQuantity - mo.FailedQuantity
}

// IsValidPanelType reports whether the cell count is one we manufacture
func IsValidPanelType(panelType int) bool {
	for _, t := range ValidPanelTypes {
		if t == panelType {
			return true
		}
	}
	return false
}
