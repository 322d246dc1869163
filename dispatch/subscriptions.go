package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"gorm.io/gorm"
)

const MaxGuildNameLength = 100

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.Invalid("endpoint_url", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.Invalid("endpoint_url", "scheme must be http or https")
	}
	if u.Host == "" {
		return errs.Invalid("endpoint_url", "missing host")
	}
	return nil
}

// Subscribe registers or replaces the webhook endpoint of a guild. Replacing an endpoint cancels any delivery
// in flight to the old one; queued notifications are delivered to the new endpoint.
func (d *Dispatcher) Subscribe(ctx context.Context, actor, guild models.Snowflake, guildAdmin bool, name, endpoint string) (*models.WebhookSubscription, error) {
	if !guild.Valid() {
		return nil, errs.Invalid("guild", "must be a non-zero snowflake")
	}
	name = strings.TrimSpace(name)
	if len(name) > MaxGuildNameLength {
		return nil, errs.Invalid("guild_name", "longer than %d characters", MaxGuildNameLength)
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if err := d.access.AuthorizePolicyWrite(ctx, actor, guild, guildAdmin); err != nil {
		return nil, err
	}

	var sub models.WebhookSubscription
	replaced := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("guild_id = ?", guild).Take(&sub).Error
		now := d.now()
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sub = models.WebhookSubscription{
				GuildID:     guild,
				GuildName:   name,
				EndpointURL: endpoint,
				Generation:  1,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return tx.Create(&sub).Error
		case err != nil:
			return err
		}
		replaced = true
		sub.GuildName = name
		sub.EndpointURL = endpoint
		sub.Generation++
		sub.UpdatedAt = now
		return tx.Save(&sub).Error
	})
	if err != nil {
		return nil, fmt.Errorf("saving subscription: %w", err)
	}

	if replaced {
		d.cancelInFlight(guild)
		d.logger.Info("webhook subscription replaced", "guild", guild, "generation", sub.Generation, "actor", actor)
	} else {
		d.logger.Info("webhook subscription created", "guild", guild, "actor", actor)
	}
	d.kick(guild)
	return &sub, nil
}

// Unsubscribe removes the endpoint of a guild and purges its queue.
func (d *Dispatcher) Unsubscribe(ctx context.Context, actor, guild models.Snowflake, guildAdmin bool) error {
	if err := d.access.AuthorizePolicyWrite(ctx, actor, guild, guildAdmin); err != nil {
		return err
	}

	var purged int64
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("guild_id = ?", guild).Delete(&models.WebhookSubscription{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("subscription", guild)
		}
		res = tx.Where("guild_id = ?", guild).Delete(&models.OutboxEntry{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		if errs.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("deleting subscription: %w", err)
	}

	d.cancelInFlight(guild)
	d.logger.Info("webhook subscription deleted", "guild", guild, "purged", purged, "actor", actor)
	return nil
}

func (d *Dispatcher) GetSubscription(ctx context.Context, guild models.Snowflake) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := d.db.WithContext(ctx).Where("guild_id = ?", guild).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("subscription", guild)
	} else if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}
	return &sub, nil
}

func (d *Dispatcher) ListSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error) {
	var out []models.WebhookSubscription
	if err := d.db.WithContext(ctx).Order("guild_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return out, nil
}

// ListFailures returns the most recent permanent delivery failures of a guild, newest first.
func (d *Dispatcher) ListFailures(ctx context.Context, guild models.Snowflake, limit int) ([]models.DeliveryFailure, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.DeliveryFailure
	err := d.db.WithContext(ctx).Where("guild_id = ?", guild).Order("created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing delivery failures: %w", err)
	}
	return out, nil
}

// ListGaps returns the recorded queue overflows of a guild, newest first.
func (d *Dispatcher) ListGaps(ctx context.Context, guild models.Snowflake, limit int) ([]models.DeliveryGap, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.DeliveryGap
	err := d.db.WithContext(ctx).Where("guild_id = ?", guild).Order("created_at DESC").Order("last_entry_id DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing delivery gaps: %w", err)
	}
	return out, nil
}

// QueueDepth counts the notifications waiting for a guild.
func (d *Dispatcher) QueueDepth(ctx context.Context, guild models.Snowflake) (int64, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&models.OutboxEntry{}).Where("guild_id = ?", guild).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting queued notifications: %w", err)
	}
	return n, nil
}
