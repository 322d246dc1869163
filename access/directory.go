package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User is a tracked user together with the guilds it acts for.
type User struct {
	models.TrackedUser
	Guilds []models.Snowflake `json:"guilds"`
}

func (u *User) MemberOf(guild models.Snowflake) bool {
	for _, g := range u.Guilds {
		if g == guild {
			return true
		}
	}
	return false
}

// AddAdmin grants global privileges. Adding an existing admin is a no-op.
func (c *Controller) AddAdmin(ctx context.Context, id models.Snowflake) error {
	if !id.Valid() {
		return errs.Invalid("admin id", "must be a non-zero snowflake")
	}
	admin := models.Admin{ID: id, CreatedAt: c.now()}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&admin).Error
	if err != nil {
		return fmt.Errorf("adding admin: %w", err)
	}
	c.logger.Info("admin added", "admin", id)
	return nil
}

func (c *Controller) RemoveAdmin(ctx context.Context, id models.Snowflake) error {
	res := c.db.WithContext(ctx).Delete(&models.Admin{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("removing admin: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("admin", id)
	}
	c.logger.Info("admin removed", "admin", id)
	return nil
}

func (c *Controller) IsAdmin(ctx context.Context, id models.Snowflake) (bool, error) {
	var n int64
	if err := c.db.WithContext(ctx).Model(&models.Admin{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("looking up admin: %w", err)
	}
	return n > 0, nil
}

func (c *Controller) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	var admins []models.Admin
	if err := c.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&admins).Error; err != nil {
		return nil, fmt.Errorf("listing admins: %w", err)
	}
	return admins, nil
}

// UpsertUser creates or replaces a tracked user and its full set of guild memberships.
func (c *Controller) UpsertUser(ctx context.Context, id models.Snowflake, role models.Role, guilds []models.Snowflake) (*User, error) {
	if !id.Valid() {
		return nil, errs.Invalid("user id", "must be a non-zero snowflake")
	}
	if !role.Valid() {
		return nil, errs.Invalid("role", "unknown role %q", role)
	}
	for _, g := range guilds {
		if !g.Valid() {
			return nil, errs.Invalid("guild id", "must be a non-zero snowflake")
		}
	}
	guilds = dedupeGuilds(guilds)

	now := c.now()
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.TrackedUser
		err := tx.Where("id = ?", id).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&models.TrackedUser{ID: id, Role: role, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&models.TrackedUser{}).Where("id = ?", id).
				Updates(map[string]any{"user_type": role, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("user_id = ?", id).Delete(&models.GuildMembership{}).Error; err != nil {
			return err
		}
		if len(guilds) == 0 {
			return nil
		}
		rows := make([]models.GuildMembership, len(guilds))
		for i, g := range guilds {
			rows[i] = models.GuildMembership{UserID: id, GuildID: g}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("saving user %s: %w", id, err)
	}

	c.logger.Info("tracked user saved", "user", id, "role", role, "guilds", len(guilds))
	return c.GetUser(ctx, id)
}

func (c *Controller) GetUser(ctx context.Context, id models.Snowflake) (*User, error) {
	db := c.db.WithContext(ctx)
	var u models.TrackedUser
	if err := db.Where("id = ?", id).Take(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("user", id)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	var guilds []models.Snowflake
	if err := db.Model(&models.GuildMembership{}).Where("user_id = ?", id).Order("guild_id").Pluck("guild_id", &guilds).Error; err != nil {
		return nil, fmt.Errorf("loading user guilds: %w", err)
	}
	return &User{TrackedUser: u, Guilds: guilds}, nil
}

func (c *Controller) RemoveUser(ctx context.Context, id models.Snowflake) error {
	var removed int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.GuildMembership{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.TrackedUser{}, "id = ?", id)
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("removing user: %w", err)
	}
	if removed == 0 {
		return errs.NotFound("user", id)
	}
	c.logger.Info("tracked user removed", "user", id)
	return nil
}

// UsersInGuild lists tracked users acting for a guild, using the guild secondary index.
func (c *Controller) UsersInGuild(ctx context.Context, guild models.Snowflake) ([]models.Snowflake, error) {
	var ids []models.Snowflake
	err := c.db.WithContext(ctx).Model(&models.GuildMembership{}).
		Where("guild_id = ?", guild).Order("user_id").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing guild users: %w", err)
	}
	return ids, nil
}

func dedupeGuilds(guilds []models.Snowflake) []models.Snowflake {
	seen := make(map[models.Snowflake]bool, len(guilds))
	out := make([]models.Snowflake, 0, len(guilds))
	for _, g := range guilds {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
