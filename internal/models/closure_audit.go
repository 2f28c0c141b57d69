package models

import (
	"time"

	"gorm.io/datatypes"
)

// ClosureType classifies a closure audit entry
type ClosureType string

const (
	ClosureTypeAutomatic ClosureType = "AUTOMATIC"
	ClosureTypeRollback  ClosureType = "ROLLBACK"
)

// ClosureAuditRecord is the append-only compliance trail of closure and
// rollback actions. Rows are never updated or deleted.
type ClosureAuditRecord struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	MOID        uint        `gorm:"not null;index" json:"mo_id"`
	ClosedBy    string      `gorm:"not null" json:"closed_by"`
	ClosureType ClosureType `gorm:"type:varchar(20);not null" json:"closure_type"`
	Reason      string      `gorm:"type:text" json:"reason"`

	// JSON snapshots taken inside the closing transaction
	Assessment   datatypes.JSON `json:"assessment,omitempty"`
	FinalStats   datatypes.JSON `json:"final_stats,omitempty"`
	PalletResult datatypes.JSON `json:"pallet_result,omitempty"`
	Report       datatypes.JSON `json:"report,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for ClosureAuditRecord model
func (ClosureAuditRecord) TableName() string {
	return "mo_closure_audit"
}
