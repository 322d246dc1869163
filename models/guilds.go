package models

import (
	"strconv"
	"time"
)

// GuildPolicy is the moderation configuration of a single guild. Action levels are report-count thresholds
// per category; zero disables the category.
type GuildPolicy struct {
	GuildID                  Snowflake  `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	LogChannel               *Snowflake `gorm:"column:log_channel_id" json:"log_channel,omitempty"`
	PingOnAction             bool       `gorm:"column:ping_users;not null" json:"ping_on_action"`
	PingTarget               *Snowflake `gorm:"column:ping_role" json:"ping_target,omitempty"`
	SpamActionLevel          int        `gorm:"not null" json:"spam_action_level"`
	ImpersonationActionLevel int        `gorm:"not null" json:"impersonation_action_level"`
	BigotryActionLevel       int        `gorm:"not null" json:"bigotry_action_level"`
	HoneypotActionLevel      int        `gorm:"not null" json:"honeypot_action_level"`
	HoneypotChannel          *Snowflake `gorm:"column:honeypot_channel_id" json:"honeypot_channel,omitempty"`
	IgnoredRoles             RoleSet    `gorm:"serializer:json;type:text" json:"ignored_roles"`
	TimeoutUsersWithRole     bool       `gorm:"not null" json:"timeout_users_with_role"`
	CreatedAt                time.Time  `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt                time.Time  `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (GuildPolicy) TableName() string {
	return "server_configs"
}

// Threshold returns the configured report-count threshold for a category.
func (p *GuildPolicy) Threshold(c Category) int {
	switch c {
	case CategorySpam:
		return p.SpamActionLevel
	case CategoryImpersonation:
		return p.ImpersonationActionLevel
	case CategoryBigotry:
		return p.BigotryActionLevel
	case CategoryHoneypot:
		return p.HoneypotActionLevel
	}
	return 0
}

// WebhookSubscription is the single propagation endpoint of a guild. Generation increases every time the
// endpoint is replaced.
type WebhookSubscription struct {
	GuildID     Snowflake `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	GuildName   string    `gorm:"not null" json:"guild_name"`
	EndpointURL string    `gorm:"column:webhook_url;not null" json:"endpoint_url"`
	Generation  uint64    `gorm:"not null" json:"generation"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (WebhookSubscription) TableName() string {
	return "webhooks"
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
