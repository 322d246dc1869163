package migrate

import (
	"time"

	"github.com/crossguard/janitor/models"
)

// Table snapshots, one per schema revision. Each migration migrates against the snapshot of its own revision so
// that later changes to the models package never rewrite history.

type adminV1 struct {
	ID        models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time        `gorm:"not null"`
}

func (adminV1) TableName() string { return "admins" }

type userV1 struct {
	ID        models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	UserType  string           `gorm:"not null"`
	CreatedAt time.Time        `gorm:"not null"`
	UpdatedAt time.Time        `gorm:"not null"`
}

func (userV1) TableName() string { return "users" }

type userGuildV1 struct {
	UserID  models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	GuildID models.Snowflake `gorm:"primaryKey;autoIncrement:false;index"`
}

func (userGuildV1) TableName() string { return "user_guilds" }

type badActorV1 struct {
	ID              uint64           `gorm:"primaryKey"`
	UserID          models.Snowflake `gorm:"not null;index:idx_bad_actor_subject_active"`
	IsActive        bool             `gorm:"not null;index:idx_bad_actor_subject_active"`
	ActorType       string           `gorm:"not null"`
	OriginGuildID   models.Snowflake `gorm:"not null;index"`
	ScreenshotProof *string
	Explanation     *string
	CreatedAt       time.Time        `gorm:"not null;index"`
	UpdatedAt       time.Time        `gorm:"not null"`
	UpdatedByUserID models.Snowflake `gorm:"not null"`
}

func (badActorV1) TableName() string { return "bad_actors" }

type serverConfigV1 struct {
	GuildID                  models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	LogChannelID             *models.Snowflake
	PingUsers                bool      `gorm:"not null;default:false"`
	SpamActionLevel          int       `gorm:"not null;default:0"`
	ImpersonationActionLevel int       `gorm:"not null;default:0"`
	BigotryActionLevel       int       `gorm:"not null;default:0"`
	IgnoredRoles             string    `gorm:"type:text"`
	CreatedAt                time.Time `gorm:"not null"`
	UpdatedAt                time.Time `gorm:"not null"`
}

func (serverConfigV1) TableName() string { return "server_configs" }

type webhookV1 struct {
	GuildID    models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	GuildName  string           `gorm:"not null"`
	WebhookURL string           `gorm:"not null"`
}

func (webhookV1) TableName() string { return "webhooks" }

type userScoreV2 struct {
	UserID    models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	Score     int64            `gorm:"not null;default:0;index"`
	UpdatedAt time.Time        `gorm:"not null"`
}

func (userScoreV2) TableName() string { return "user_scores" }

type guildScoreV2 struct {
	GuildID   models.Snowflake `gorm:"primaryKey;autoIncrement:false"`
	Score     int64            `gorm:"not null;default:0;index"`
	UpdatedAt time.Time        `gorm:"not null"`
}

func (guildScoreV2) TableName() string { return "guild_scores" }

type serverConfigV2 struct {
	PingRole *models.Snowflake
}

func (serverConfigV2) TableName() string { return "server_configs" }

type serverConfigV3 struct {
	HoneypotChannelID    *models.Snowflake
	HoneypotActionLevel  int  `gorm:"not null;default:0"`
	TimeoutUsersWithRole bool `gorm:"not null;default:false"`
}

func (serverConfigV3) TableName() string { return "server_configs" }

type badActorV4 struct {
	FalseReport bool `gorm:"not null;default:false"`
}

func (badActorV4) TableName() string { return "bad_actors" }

type guildScoreV4 struct {
	Filed        int64 `gorm:"not null;default:0"`
	FalseReports int64 `gorm:"not null;default:0"`
}

func (guildScoreV4) TableName() string { return "guild_scores" }

type webhookV4 struct {
	Generation uint64    `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (webhookV4) TableName() string { return "webhooks" }

type outboxEntryV4 struct {
	ID             uint64           `gorm:"primaryKey"`
	GuildID        models.Snowflake `gorm:"not null;index:idx_outbox_guild_id,priority:1"`
	ReportID       uint64           `gorm:"not null"`
	IdempotencyKey string           `gorm:"not null"`
	Payload        []byte           `gorm:"not null"`
	CreatedAt      time.Time        `gorm:"not null"`
}

func (outboxEntryV4) TableName() string { return "outbox_entries" }

type deliveryGapV4 struct {
	ID           string           `gorm:"primaryKey"`
	GuildID      models.Snowflake `gorm:"not null;index"`
	Dropped      int              `gorm:"not null"`
	FirstEntryID uint64           `gorm:"not null"`
	LastEntryID  uint64           `gorm:"not null"`
	CreatedAt    time.Time        `gorm:"not null"`
}

func (deliveryGapV4) TableName() string { return "delivery_gaps" }

type deliveryFailureV4 struct {
	ID             string           `gorm:"primaryKey"`
	GuildID        models.Snowflake `gorm:"not null;index"`
	EndpointURL    string           `gorm:"not null"`
	ReportID       uint64           `gorm:"not null"`
	IdempotencyKey string           `gorm:"not null"`
	Attempts       int              `gorm:"not null"`
	LastStatus     int
	Error          string
	CreatedAt      time.Time `gorm:"not null"`
}

func (deliveryFailureV4) TableName() string { return "delivery_failures" }
