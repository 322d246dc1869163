// Package policy holds per-guild moderation configuration and decides what a guild should do about a user.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/util/keyedlock"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("policy")

// MaxActionLevel bounds per-category thresholds.
const MaxActionLevel = 1000

type StoreConfig struct {
	Logger *slog.Logger
	Access *access.Controller
	Clock  func() time.Time
}

// Store persists one GuildPolicy per guild. Writes for a guild are serialized; each one advances UpdatedAt.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	access *access.Controller
	clock  func() time.Time
	locks  *keyedlock.Locker[models.Snowflake]
}

func NewStore(db *gorm.DB, config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "policy_store"),
		access: config.Access,
		clock:  clock,
		locks:  keyedlock.New[models.Snowflake](),
	}
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// Default returns the unsaved default policy for a guild: every category disabled, no notification targets.
func Default(guild models.Snowflake) *models.GuildPolicy {
	return &models.GuildPolicy{
		GuildID:      guild,
		IgnoredRoles: models.RoleSet{},
	}
}

func (s *Store) Get(ctx context.Context, guild models.Snowflake) (*models.GuildPolicy, error) {
	var p models.GuildPolicy
	err := s.db.WithContext(ctx).Where("guild_id = ?", guild).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("policy", guild)
	} else if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	return &p, nil
}

// GetOrDefault returns the stored policy, or the default when the guild never configured one.
func (s *Store) GetOrDefault(ctx context.Context, guild models.Snowflake) (*models.GuildPolicy, error) {
	p, err := s.Get(ctx, guild)
	if errs.IsNotFound(err) {
		return Default(guild), nil
	}
	return p, err
}

// EnsureDefault stores the default policy for a guild that has none. It reports whether a record was created.
func (s *Store) EnsureDefault(ctx context.Context, guild models.Snowflake) (*models.GuildPolicy, bool, error) {
	if !guild.Valid() {
		return nil, false, errs.Invalid("guild", "must be a non-zero snowflake")
	}
	unlock, err := s.locks.Lock(ctx, guild)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.Get(ctx, guild)
	if err == nil {
		return existing, false, nil
	} else if !errs.IsNotFound(err) {
		return nil, false, err
	}

	p := Default(guild)
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, false, fmt.Errorf("creating default policy: %w", err)
	}
	s.logger.Info("default policy created", "guild", guild)
	return p, true, nil
}

// PolicyUpdate lists the fields to change; nil leaves a field as stored. For the optional channel and role
// targets, a pointer to zero clears the target.
type PolicyUpdate struct {
	LogChannel               *models.Snowflake `json:"log_channel,omitempty"`
	PingOnAction             *bool             `json:"ping_on_action,omitempty"`
	PingTarget               *models.Snowflake `json:"ping_target,omitempty"`
	SpamActionLevel          *int              `json:"spam_action_level,omitempty"`
	ImpersonationActionLevel *int              `json:"impersonation_action_level,omitempty"`
	BigotryActionLevel       *int              `json:"bigotry_action_level,omitempty"`
	HoneypotActionLevel      *int              `json:"honeypot_action_level,omitempty"`
	HoneypotChannel          *models.Snowflake `json:"honeypot_channel,omitempty"`
	IgnoredRoles             *models.RoleSet   `json:"ignored_roles,omitempty"`
	TimeoutUsersWithRole     *bool             `json:"timeout_users_with_role,omitempty"`

	// IfUnmodifiedSince rejects the write with a ConflictError unless the stored UpdatedAt equals it.
	IfUnmodifiedSince *time.Time `json:"if_unmodified_since,omitempty"`
}

func (u *PolicyUpdate) validate() error {
	levels := []struct {
		field string
		v     *int
	}{
		{"spam_action_level", u.SpamActionLevel},
		{"impersonation_action_level", u.ImpersonationActionLevel},
		{"bigotry_action_level", u.BigotryActionLevel},
		{"honeypot_action_level", u.HoneypotActionLevel},
	}
	for _, l := range levels {
		if l.v != nil && (*l.v < 0 || *l.v > MaxActionLevel) {
			return errs.Invalid(l.field, "must be between 0 and %d", MaxActionLevel)
		}
	}
	return nil
}

func optionalID(v models.Snowflake) *models.Snowflake {
	if v == 0 {
		return nil
	}
	return &v
}

func (u *PolicyUpdate) apply(p *models.GuildPolicy) {
	if u.LogChannel != nil {
		p.LogChannel = optionalID(*u.LogChannel)
	}
	if u.PingOnAction != nil {
		p.PingOnAction = *u.PingOnAction
	}
	if u.PingTarget != nil {
		p.PingTarget = optionalID(*u.PingTarget)
	}
	if u.SpamActionLevel != nil {
		p.SpamActionLevel = *u.SpamActionLevel
	}
	if u.ImpersonationActionLevel != nil {
		p.ImpersonationActionLevel = *u.ImpersonationActionLevel
	}
	if u.BigotryActionLevel != nil {
		p.BigotryActionLevel = *u.BigotryActionLevel
	}
	if u.HoneypotActionLevel != nil {
		p.HoneypotActionLevel = *u.HoneypotActionLevel
	}
	if u.HoneypotChannel != nil {
		p.HoneypotChannel = optionalID(*u.HoneypotChannel)
	}
	if u.IgnoredRoles != nil {
		p.IgnoredRoles = u.IgnoredRoles.Normalize()
	}
	if u.TimeoutUsersWithRole != nil {
		p.TimeoutUsersWithRole = *u.TimeoutUsersWithRole
	}
}

// Upsert creates or modifies the policy of a guild. Applying the same update twice leaves every field unchanged
// except UpdatedAt.
func (s *Store) Upsert(ctx context.Context, actor, guild models.Snowflake, guildAdmin bool, upd PolicyUpdate) (*models.GuildPolicy, error) {
	ctx, span := tracer.Start(ctx, "Upsert")
	defer span.End()

	if !guild.Valid() {
		return nil, errs.Invalid("guild", "must be a non-zero snowflake")
	}
	if err := upd.validate(); err != nil {
		return nil, err
	}
	if err := s.access.AuthorizePolicyWrite(ctx, actor, guild, guildAdmin); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, guild)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *models.GuildPolicy
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.GuildPolicy
		err := tx.Where("guild_id = ?", guild).Take(&p).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("loading policy: %w", err)
		}

		if upd.IfUnmodifiedSince != nil {
			if !exists {
				return &errs.ConflictError{Kind: "policy", ID: guild.String(), Detail: "policy does not exist yet"}
			}
			if !p.UpdatedAt.Equal(*upd.IfUnmodifiedSince) {
				return &errs.ConflictError{Kind: "policy", ID: guild.String(), Detail: "modified since " + upd.IfUnmodifiedSince.UTC().Format(time.RFC3339Nano)}
			}
		}

		now := s.now()
		if !exists {
			p = *Default(guild)
			p.CreatedAt = now
		} else if !now.After(p.UpdatedAt) {
			now = p.UpdatedAt.Add(time.Microsecond)
		}
		upd.apply(&p)
		p.UpdatedAt = now

		if exists {
			err = tx.Save(&p).Error
		} else {
			err = tx.Create(&p).Error
		}
		if err != nil {
			return fmt.Errorf("saving policy: %w", err)
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	policyWrites.WithLabelValues("upsert").Inc()
	s.logger.Info("policy updated", "guild", guild, "actor", actor)
	return out, nil
}

// Delete removes a guild's policy. The guild falls back to the default policy.
func (s *Store) Delete(ctx context.Context, actor, guild models.Snowflake, guildAdmin bool) error {
	if err := s.access.AuthorizePolicyWrite(ctx, actor, guild, guildAdmin); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, guild)
	if err != nil {
		return err
	}
	defer unlock()

	res := s.db.WithContext(ctx).Where("guild_id = ?", guild).Delete(&models.GuildPolicy{})
	if res.Error != nil {
		return fmt.Errorf("deleting policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("policy", guild)
	}
	policyWrites.WithLabelValues("delete").Inc()
	s.logger.Info("policy deleted", "guild", guild, "actor", actor)
	return nil
}

// DeleteIfUnused removes the policy of a guild no tracked user belongs to any more. It reports whether a policy
// was deleted.
func (s *Store) DeleteIfUnused(ctx context.Context, guild models.Snowflake) (bool, error) {
	unlock, err := s.locks.Lock(ctx, guild)
	if err != nil {
		return false, err
	}
	defer unlock()

	users, err := s.access.UsersInGuild(ctx, guild)
	if err != nil {
		return false, err
	}
	if len(users) > 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Where("guild_id = ?", guild).Delete(&models.GuildPolicy{})
	if res.Error != nil {
		return false, fmt.Errorf("deleting unused policy: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		policyWrites.WithLabelValues("delete_unused").Inc()
		s.logger.Info("unused policy deleted", "guild", guild)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) List(ctx context.Context) ([]models.GuildPolicy, error) {
	var out []models.GuildPolicy
	if err := s.db.WithContext(ctx).Order("guild_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	return out, nil
}

// HoneypotChannels maps every configured honeypot channel to the guild it belongs to.
func (s *Store) HoneypotChannels(ctx context.Context) (map[models.Snowflake]models.Snowflake, error) {
	var rows []models.GuildPolicy
	err := s.db.WithContext(ctx).Select("guild_id", "honeypot_channel_id").Where("honeypot_channel_id IS NOT NULL").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing honeypot channels: %w", err)
	}
	out := make(map[models.Snowflake]models.Snowflake, len(rows))
	for _, p := range rows {
		out[*p.HoneypotChannel] = p.GuildID
	}
	return out, nil
}
