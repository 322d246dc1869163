package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"gorm.io/gorm"
)

const MaxLeaderboard = 100

// UserScore returns the cached score of a user; users never reported score zero.
func (s *Scorer) UserScore(ctx context.Context, user models.Snowflake) (int64, error) {
	if v, ok := s.cacheGet(ctx, cacheUserScore, user); ok {
		cacheHits.WithLabelValues("user").Inc()
		return v, nil
	}
	cacheMisses.WithLabelValues("user").Inc()

	// a fill racing a recompute must not cache the older value after the recompute cached the newer one
	unlock, err := s.userLocks.Lock(ctx, user)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var row models.UserScore
	err = s.db.WithContext(ctx).Where("user_id = ?", user).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("loading user score: %w", err)
	}
	s.cacheSet(ctx, cacheUserScore, user, row.Score)
	return row.Score, nil
}

// GuildScore returns the score row of a guild, zero-valued if it never filed a report.
func (s *Scorer) GuildScore(ctx context.Context, guild models.Snowflake) (*models.GuildScore, error) {
	var row models.GuildScore
	err := s.db.WithContext(ctx).Where("guild_id = ?", guild).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.GuildScore{GuildID: guild}, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading guild score: %w", err)
	}
	return &row, nil
}

// GuildScoreValue is the cached scalar form of GuildScore.
func (s *Scorer) GuildScoreValue(ctx context.Context, guild models.Snowflake) (int64, error) {
	if v, ok := s.cacheGet(ctx, cacheGuildScore, guild); ok {
		cacheHits.WithLabelValues("guild").Inc()
		return v, nil
	}
	cacheMisses.WithLabelValues("guild").Inc()

	unlock, err := s.guildLocks.Lock(ctx, guild)
	if err != nil {
		return 0, err
	}
	defer unlock()
	row, err := s.GuildScore(ctx, guild)
	if err != nil {
		return 0, err
	}
	s.cacheSet(ctx, cacheGuildScore, guild, row.Score)
	return row.Score, nil
}

func checkLimit(limit int) (int, error) {
	if limit <= 0 {
		return 10, nil
	}
	if limit > MaxLeaderboard {
		return 0, errs.Invalid("limit", "must be at most %d", MaxLeaderboard)
	}
	return limit, nil
}

// TopUsers lists the highest user scores, ties broken by user id. Zero scores are omitted.
func (s *Scorer) TopUsers(ctx context.Context, limit int) ([]models.UserScore, error) {
	limit, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}
	var out []models.UserScore
	err = s.db.WithContext(ctx).Where("score > 0").Order("score DESC, user_id ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing top users: %w", err)
	}
	return out, nil
}

func (s *Scorer) TopGuilds(ctx context.Context, limit int) ([]models.GuildScore, error) {
	limit, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}
	var out []models.GuildScore
	err = s.db.WithContext(ctx).Where("score > 0").Order("score DESC, guild_id ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing top guilds: %w", err)
	}
	return out, nil
}

// Rebuild recomputes every user and guild score from the registry.
func (s *Scorer) Rebuild(ctx context.Context) (users int, guilds int, err error) {
	db := s.db.WithContext(ctx)

	var userIDs []models.Snowflake
	if err := db.Model(&models.Report{}).Distinct("user_id").Pluck("user_id", &userIDs).Error; err != nil {
		return 0, 0, fmt.Errorf("listing reported users: %w", err)
	}
	// users whose reports all vanished from the registry still hold a stale row
	var scored []models.Snowflake
	if err := db.Model(&models.UserScore{}).Pluck("user_id", &scored).Error; err != nil {
		return 0, 0, fmt.Errorf("listing scored users: %w", err)
	}
	for _, u := range union(userIDs, scored) {
		if _, err := s.RecomputeUser(ctx, u); err != nil {
			return users, guilds, err
		}
		users++
	}

	var guildIDs []models.Snowflake
	if err := db.Model(&models.Report{}).Distinct("origin_guild_id").Pluck("origin_guild_id", &guildIDs).Error; err != nil {
		return users, 0, fmt.Errorf("listing reporting guilds: %w", err)
	}
	for _, g := range guildIDs {
		if _, err := s.RecomputeGuild(ctx, g); err != nil {
			return users, guilds, err
		}
		guilds++
	}

	s.logger.Info("scores rebuilt", "users", users, "guilds", guilds)
	return users, guilds, nil
}

func union(a, b []models.Snowflake) []models.Snowflake {
	seen := make(map[models.Snowflake]bool, len(a)+len(b))
	out := make([]models.Snowflake, 0, len(a)+len(b))
	for _, list := range [][]models.Snowflake{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
