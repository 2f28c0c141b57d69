package models

import (
	"time"

	"gorm.io/gorm"
)

// PanelStatus defines possible panel statuses
type PanelStatus string

const (
	PanelStatusPending    PanelStatus = "PENDING"
	PanelStatusInProgress PanelStatus = "IN_PROGRESS"
	PanelStatusPassed     PanelStatus = "PASSED"
	PanelStatusFailed     PanelStatus = "FAILED"
	PanelStatusRework     PanelStatus = "REWORK"
)

// Panel is a single physical unit. It is born when its barcode is allocated
// and never deleted; terminal states are expressed through Status.
type Panel struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	MOID           uint        `gorm:"not null;index" json:"mo_id"`
	Barcode        string      `gorm:"uniqueIndex;not null" json:"barcode"`
	SequenceNumber int         `gorm:"not null" json:"sequence_number"`
	Status         PanelStatus `gorm:"type:varchar(20);default:PENDING;index" json:"status"`
	ReworkCount    int         `gorm:"default:0" json:"rework_count"`

	// Station completion timestamps, in line order
	StringingDoneAt  *time.Time `json:"stringing_done_at,omitempty"`
	LaminationDoneAt *time.Time `json:"lamination_done_at,omitempty"`
	FramingDoneAt    *time.Time `json:"framing_done_at,omitempty"`
	FlashingDoneAt   *time.Time `json:"flashing_done_at,omitempty"`

	// Electrical measurements from the flasher. Nil means not yet measured.
	Wattage *float64 `json:"wattage,omitempty"`
	Voc     *float64 `json:"voc,omitempty"`
	Isc     *float64 `json:"isc,omitempty"`
	Vmp     *float64 `json:"vmp,omitempty"`
	Imp     *float64 `json:"imp,omitempty"`

	PalletID  *uint          `gorm:"index" json:"pallet_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for Panel model
func (Panel) TableName() string {
	return "panels"
}

// HasMeasurements reports whether the panel went through the flasher
func (p *Panel) HasMeasurements() bool {
	return p.Wattage != nil && p.Voc != nil && p.Isc != nil
}
