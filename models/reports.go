package models

import (
	"time"
)

// Report is a single bad-actor report. Reports are never deleted; retraction clears IsActive and the row stays
// for audit.
type Report struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	SubjectID      Snowflake `gorm:"column:user_id;not null;index:idx_bad_actor_subject_active" json:"subject_user_id"`
	IsActive       bool      `gorm:"not null;index:idx_bad_actor_subject_active" json:"is_active"`
	Category       Category  `gorm:"column:actor_type;not null" json:"category"`
	OriginGuildID  Snowflake `gorm:"not null;index" json:"origin_guild_id"`
	EvidenceRef    *string   `gorm:"column:screenshot_proof" json:"evidence_ref,omitempty"`
	Explanation    *string   `json:"explanation,omitempty"`
	FalseReport    bool      `gorm:"not null" json:"false_report"`
	CreatedAt      time.Time `gorm:"not null;index;autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
	LastModifiedBy Snowflake `gorm:"column:updated_by_user_id;not null" json:"last_modified_by"`
}

func (Report) TableName() string {
	return "bad_actors"
}

// IdempotencyKey identifies one revision of a report. Two notifications carrying the same key describe the same
// state change.
func (r *Report) IdempotencyKey() string {
	return IdempotencyKey(r.ID, r.UpdatedAt)
}

func IdempotencyKey(reportID uint64, updatedAt time.Time) string {
	return formatUint(reportID) + ":" + updatedAt.UTC().Format(time.RFC3339Nano)
}

// UserScore caches the reputation score of a reported user.
type UserScore struct {
	UserID    Snowflake `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Score     int64     `gorm:"not null;index" json:"score"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// GuildScore caches the trustworthiness of a guild as a report source.
type GuildScore struct {
	GuildID      Snowflake `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	Score        int64     `gorm:"not null;index" json:"score"`
	Filed        int64     `gorm:"not null" json:"filed"`
	FalseReports int64     `gorm:"not null" json:"false_reports"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}
