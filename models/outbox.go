package models

import (
	"time"
)

// OutboxEntry is a durable, not yet acknowledged notification for one subscribed guild.
type OutboxEntry struct {
	ID             uint64    `gorm:"primaryKey"`
	GuildID        Snowflake `gorm:"not null;index:idx_outbox_guild_id,priority:1"`
	ReportID       uint64    `gorm:"not null"`
	IdempotencyKey string    `gorm:"not null"`
	Payload        []byte    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
}

func (OutboxEntry) TableName() string {
	return "outbox_entries"
}

// DeliveryGap records notifications dropped because a guild's queue overflowed.
type DeliveryGap struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	GuildID      Snowflake `gorm:"not null;index" json:"guild_id"`
	Dropped      int       `gorm:"not null" json:"dropped"`
	FirstEntryID uint64    `gorm:"not null" json:"first_entry_id"`
	LastEntryID  uint64    `gorm:"not null" json:"last_entry_id"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
}

// DeliveryFailure records a notification that exhausted its retries.
type DeliveryFailure struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	GuildID        Snowflake `gorm:"not null;index" json:"guild_id"`
	EndpointURL    string    `gorm:"not null" json:"endpoint_url"`
	ReportID       uint64    `gorm:"not null" json:"report_id"`
	IdempotencyKey string    `gorm:"not null" json:"idempotency_key"`
	Attempts       int       `gorm:"not null" json:"attempts"`
	LastStatus     int       `json:"last_status,omitempty"`
	Error          string    `json:"error"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
}
