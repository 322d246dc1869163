// Package access decides which principals may write reports and policies, and which guilds may read what.
//
// Principals are platform user ids. Admins hold global privileges. Every other principal must be a tracked user,
// and acts only on behalf of the guilds listed in its memberships.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"gorm.io/gorm"
)

type Controller struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewController(db *gorm.DB, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		db:     db,
		logger: logger.With("component", "access"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) deny(op string, reason errs.DenyReason, detail string, args ...any) error {
	accessDenied.WithLabelValues(op, string(reason)).Inc()
	return errs.Denied(reason, detail, args...)
}

// member loads a tracked user and checks that it acts for guild.
func (c *Controller) member(ctx context.Context, op string, actor, guild models.Snowflake) (*User, error) {
	u, err := c.GetUser(ctx, actor)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, c.deny(op, errs.DenyNotMember, "user %s is not a tracked user", actor)
		}
		return nil, err
	}
	if !u.MemberOf(guild) {
		return nil, c.deny(op, errs.DenyNotMember, "user %s does not act for guild %s", actor, guild)
	}
	return u, nil
}

// AuthorizeReport checks that actor may file or edit reports attributed to originGuild: an admin, or a
// reporter acting for that guild.
func (c *Controller) AuthorizeReport(ctx context.Context, actor, originGuild models.Snowflake) error {
	admin, err := c.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	u, err := c.member(ctx, "report", actor, originGuild)
	if err != nil {
		return err
	}
	if u.Role != models.RoleReporter {
		return c.deny("report", errs.DenyInsufficientRole, "user %s is a %s", actor, u.Role)
	}
	return nil
}

// AuthorizeAdmin checks for global admin privileges.
func (c *Controller) AuthorizeAdmin(ctx context.Context, actor models.Snowflake) error {
	admin, err := c.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !admin {
		return c.deny("admin", errs.DenyNotAdmin, "user %s is not an admin", actor)
	}
	return nil
}

// AuthorizePolicyWrite checks that actor may change guild's policy or subscription: an admin, or a tracked
// member of the guild that the platform reports as a guild administrator.
func (c *Controller) AuthorizePolicyWrite(ctx context.Context, actor, guild models.Snowflake, guildAdmin bool) error {
	admin, err := c.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	if _, err := c.member(ctx, "policy_write", actor, guild); err != nil {
		return err
	}
	if !guildAdmin {
		return c.deny("policy_write", errs.DenyNotAdmin, "user %s is not an administrator of guild %s", actor, guild)
	}
	return nil
}

// AuthorizeHistory checks that viewer may read category-level report history from viewingGuild.
func (c *Controller) AuthorizeHistory(ctx context.Context, viewer, viewingGuild models.Snowflake) error {
	admin, err := c.IsAdmin(ctx, viewer)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	_, err = c.member(ctx, "history", viewer, viewingGuild)
	return err
}

// AuthorizeScore checks that viewer may read aggregate scores from viewingGuild. Every subscribed guild may read
// scores; otherwise viewer must act for viewingGuild.
func (c *Controller) AuthorizeScore(ctx context.Context, viewer, viewingGuild models.Snowflake) error {
	admin, err := c.IsAdmin(ctx, viewer)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	var subscribed int64
	if err := c.db.WithContext(ctx).Model(&models.WebhookSubscription{}).Where("guild_id = ?", viewingGuild).Count(&subscribed).Error; err != nil {
		return fmt.Errorf("checking subscription: %w", err)
	}
	if subscribed > 0 {
		return nil
	}
	_, err = c.member(ctx, "score", viewer, viewingGuild)
	return err
}

// CanSeeEvidence reports whether evidence of a report is visible to viewer from viewingGuild. Evidence stays
// within the origin guild and admins.
func (c *Controller) CanSeeEvidence(ctx context.Context, viewer, viewingGuild models.Snowflake, r *models.Report) (bool, error) {
	admin, err := c.IsAdmin(ctx, viewer)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	if viewingGuild != r.OriginGuildID {
		return false, nil
	}
	u, err := c.GetUser(ctx, viewer)
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return u.MemberOf(r.OriginGuildID), nil
}

// RedactEvidence returns copies of reports with evidence cleared wherever viewer may not see it.
func (c *Controller) RedactEvidence(ctx context.Context, viewer, viewingGuild models.Snowflake, reports []models.Report) ([]models.Report, error) {
	out := make([]models.Report, len(reports))
	for i := range reports {
		out[i] = reports[i]
		if out[i].EvidenceRef == nil {
			continue
		}
		ok, err := c.CanSeeEvidence(ctx, viewer, viewingGuild, &out[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			out[i].EvidenceRef = nil
			evidenceRedacted.Inc()
		}
	}
	return out, nil
}
