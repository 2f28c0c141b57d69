package models

import (
	"time"

	"gorm.io/gorm"
)

// PalletStatus defines possible pallet statuses
type PalletStatus string

const (
	PalletStatusOpen    PalletStatus = "OPEN"
	PalletStatusFull    PalletStatus = "FULL"
	PalletStatusClosed  PalletStatus = "CLOSED"
	PalletStatusShipped PalletStatus = "SHIPPED"
)

// Pallet aggregates finished panels of one manufacturing order. Every pallet
// must reach CLOSED or SHIPPED before its MO can be closed.
type Pallet struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	MOID         uint         `gorm:"not null;index" json:"mo_id"`
	PalletNumber string       `gorm:"uniqueIndex;not null" json:"pallet_number"`
	Status       PalletStatus `gorm:"type:varchar(20);default:OPEN;index" json:"status"`
	Capacity     int          `gorm:"default:30" json:"capacity"`
	PanelCount   int          `gorm:"default:0" json:"panel_count"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	ShippedAt    *time.Time     `json:"shipped_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	Panels []Panel `gorm:"foreignKey:PalletID" json:"panels,omitempty"`
}

// TableName specifies the table name for Pallet model
func (Pallet) TableName() string {
	return "pallets"
}

// IsFinalized reports whether the pallet no longer blocks MO closure
func (p *Pallet) IsFinalized() bool {
	return p.Status == PalletStatusClosed || p.Status == PalletStatusShipped
}
