// Package migrate applies the versioned, forward-only schema migrations. Applied versions are recorded in the
// schema_migrations table; a database at version N only ever runs migrations N+1 and later.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

type SchemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

type Migration struct {
	Version int
	Name    string
	Up      func(tx *gorm.DB) error
}

// Migrations in application order. Versions are contiguous starting at 1.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial schema",
		Up: func(tx *gorm.DB) error {
			return tx.Migrator().CreateTable(
				&adminV1{},
				&userV1{},
				&userGuildV1{},
				&badActorV1{},
				&serverConfigV1{},
				&webhookV1{},
			)
		},
	},
	{
		Version: 2,
		Name:    "scoreboards and ping role",
		Up: func(tx *gorm.DB) error {
			if err := tx.Migrator().CreateTable(&userScoreV2{}, &guildScoreV2{}); err != nil {
				return err
			}
			return addColumns(tx, &serverConfigV2{}, "PingRole")
		},
	},
	{
		Version: 3,
		Name:    "honeypot channel and role-aware timeouts",
		Up: func(tx *gorm.DB) error {
			return addColumns(tx, &serverConfigV3{}, "HoneypotChannelID", "HoneypotActionLevel", "TimeoutUsersWithRole")
		},
	},
	{
		Version: 4,
		Name:    "delivery outbox and false report tracking",
		Up: func(tx *gorm.DB) error {
			if err := addColumns(tx, &badActorV4{}, "FalseReport"); err != nil {
				return err
			}
			if err := addColumns(tx, &guildScoreV4{}, "Filed", "FalseReports"); err != nil {
				return err
			}
			if err := addColumns(tx, &webhookV4{}, "Generation", "CreatedAt", "UpdatedAt"); err != nil {
				return err
			}
			return tx.Migrator().CreateTable(&outboxEntryV4{}, &deliveryGapV4{}, &deliveryFailureV4{})
		},
	},
}

// Latest is the schema version the current code expects.
func Latest() int {
	return Migrations[len(Migrations)-1].Version
}

func addColumns(tx *gorm.DB, model any, fields ...string) error {
	m := tx.Migrator()
	for _, f := range fields {
		if m.HasColumn(model, f) {
			continue
		}
		if err := m.AddColumn(model, f); err != nil {
			return fmt.Errorf("adding column %s: %w", f, err)
		}
	}
	return nil
}

// Current returns the highest applied migration version, or 0 for an empty database.
func Current(ctx context.Context, db *gorm.DB) (int, error) {
	db = db.WithContext(ctx)
	if !db.Migrator().HasTable(&SchemaMigration{}) {
		return 0, nil
	}
	var version int
	if err := db.Model(&SchemaMigration{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error; err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Run applies every pending migration, each in its own transaction, and returns the resulting version.
func Run(ctx context.Context, db *gorm.DB, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrate")

	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	current, err := Current(ctx, db)
	if err != nil {
		return 0, err
	}
	if current > Latest() {
		return current, fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, Latest())
	}

	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		start := time.Now()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{
				Version:   m.Version,
				Name:      m.Name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return current, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		current = m.Version
		logger.Info("applied schema migration", "version", m.Version, "name", m.Name, "duration", time.Since(start))
	}

	return current, nil
}
