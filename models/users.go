package models

import (
	"time"
)

type Admin struct {
	ID        Snowflake `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TrackedUser is a principal allowed to interact with the network on behalf of one or more guilds. Guild
// memberships live in their own table, keyed by user and indexed by guild.
type TrackedUser struct {
	ID        Snowflake `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Role      Role      `gorm:"column:user_type;not null" json:"role"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (TrackedUser) TableName() string {
	return "users"
}

type GuildMembership struct {
	UserID  Snowflake `gorm:"primaryKey;autoIncrement:false"`
	GuildID Snowflake `gorm:"primaryKey;autoIncrement:false;index"`
}

func (GuildMembership) TableName() string {
	return "user_guilds"
}
