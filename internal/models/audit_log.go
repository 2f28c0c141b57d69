package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is the generic entity audit trail. The progress aggregator writes
// a before/after row here in the same transaction as every counter update.
type AuditLog struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	EntityType string         `gorm:"not null;index" json:"entity_type"`
	EntityID   uint           `gorm:"not null;index" json:"entity_id"`
	Action     string         `gorm:"not null" json:"action"`
	OldValues  datatypes.JSON `json:"old_values,omitempty"`
	NewValues  datatypes.JSON `json:"new_values,omitempty"`
	UserID     *uint          `json:"user_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TableName specifies the table name for AuditLog model
func (AuditLog) TableName() string {
	return "audit_log"
}
