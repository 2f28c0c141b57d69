package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox publish statuses
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSent       = "SENT"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

// OutboxMessage is a post-commit event written inside the same transaction
// as the state change it describes. The dispatcher publishes it best-effort
// after commit; losing one never affects logical MO state.
type OutboxMessage struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	EventType string         `gorm:"not null;index" json:"event_type"`
	MOID      uint           `gorm:"not null;index" json:"mo_id"`
	Payload   datatypes.JSON `json:"payload"`

	PublishStatus    string     `gorm:"type:varchar(20);default:PENDING;index" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	LastPublishError *string    `json:"last_publish_error,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         *string    `json:"locked_by,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for OutboxMessage model
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
