// Package scoring derives reputation scores from the report registry. Scores are caches: every recomputation
// reads the full current state for its subject, so replays in any order converge on the same values and a
// Rebuild restores them from scratch.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/crossguard/janitor/cachestore"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/util/keyedlock"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	cacheUserScore  = "user-score"
	cacheGuildScore = "guild-score"
)

type Config struct {
	Logger  *slog.Logger
	Weights Weights
	// optional read cache for score lookups
	Cache cachestore.CacheStore
	// attempts per recomputation on store errors
	MaxAttempts int
	Clock       func() time.Time
}

type Scorer struct {
	db          *gorm.DB
	logger      *slog.Logger
	weights     Weights
	cache       cachestore.CacheStore
	maxAttempts int
	clock       func() time.Time
	userLocks   *keyedlock.Locker[models.Snowflake]
	guildLocks  *keyedlock.Locker[models.Snowflake]
}

func NewScorer(db *gorm.DB, config Config) *Scorer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	weights := config.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scorer{
		db:          db,
		logger:      logger.With("component", "scorer"),
		weights:     weights,
		cache:       config.Cache,
		maxAttempts: attempts,
		clock:       clock,
		userLocks:   keyedlock.New[models.Snowflake](),
		guildLocks:  keyedlock.New[models.Snowflake](),
	}
}

func (s *Scorer) Weights() Weights {
	return s.weights
}

// HandleEvent recomputes the scores touched by a report change.
func (s *Scorer) HandleEvent(ctx context.Context, evt *event.ReportChanged) error {
	if !evt.AffectsScore() {
		return nil
	}
	_, uerr := s.RecomputeUser(ctx, evt.Subject)
	_, gerr := s.RecomputeGuild(ctx, evt.OriginGuild)
	return errors.Join(uerr, gerr)
}

// RecomputeUser rebuilds a user's score from its active reports.
func (s *Scorer) RecomputeUser(ctx context.Context, user models.Snowflake) (int64, error) {
	unlock, err := s.userLocks.Lock(ctx, user)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var score int64
	err = s.withRetry(ctx, "user", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			counts, err := activeCounts(tx, user)
			if err != nil {
				return err
			}
			score = ComputeUserScore(s.weights, counts)
			row := models.UserScore{UserID: user, Score: score, UpdatedAt: s.clock().UTC()}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
			}).Create(&row).Error
		})
	})
	if err != nil {
		recomputeFailures.WithLabelValues("user").Inc()
		return 0, fmt.Errorf("recomputing score of user %s: %w", user, err)
	}

	recomputations.WithLabelValues("user").Inc()
	s.cacheSet(ctx, cacheUserScore, user, score)
	s.logger.Debug("user score recomputed", "user", user, "score", score)
	return score, nil
}

// RecomputeGuild rebuilds a guild's score from every report it has filed.
func (s *Scorer) RecomputeGuild(ctx context.Context, guild models.Snowflake) (*models.GuildScore, error) {
	unlock, err := s.guildLocks.Lock(ctx, guild)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var row models.GuildScore
	err = s.withRetry(ctx, "guild", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			tally, err := guildTally(tx, guild)
			if err != nil {
				return err
			}
			row = models.GuildScore{
				GuildID:      guild,
				Score:        ComputeGuildScore(s.weights, tally),
				Filed:        int64(tally.Total()),
				FalseReports: int64(tally.FalseReports),
				UpdatedAt:    s.clock().UTC(),
			}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "guild_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"score", "filed", "false_reports", "updated_at"}),
			}).Create(&row).Error
		})
	})
	if err != nil {
		recomputeFailures.WithLabelValues("guild").Inc()
		return nil, fmt.Errorf("recomputing score of guild %s: %w", guild, err)
	}

	recomputations.WithLabelValues("guild").Inc()
	s.cacheSet(ctx, cacheGuildScore, guild, row.Score)
	s.logger.Debug("guild score recomputed", "guild", guild, "score", row.Score, "filed", row.Filed, "false_reports", row.FalseReports)
	return &row, nil
}

func activeCounts(tx *gorm.DB, user models.Snowflake) (map[models.Category]int, error) {
	type row struct {
		Category models.Category
		N        int
	}
	var rows []row
	err := tx.Model(&models.Report{}).
		Select("actor_type AS category, COUNT(*) AS n").
		Where("user_id = ? AND is_active = ?", user, true).
		Group("actor_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.Category]int, len(rows))
	for _, r := range rows {
		out[r.Category] = r.N
	}
	return out, nil
}

func guildTally(tx *gorm.DB, guild models.Snowflake) (GuildTally, error) {
	type row struct {
		Category models.Category
		N        int
		F        int
	}
	var rows []row
	err := tx.Model(&models.Report{}).
		Select("actor_type AS category, COUNT(*) AS n, SUM(CASE WHEN false_report THEN 1 ELSE 0 END) AS f").
		Where("origin_guild_id = ?", guild).
		Group("actor_type").
		Scan(&rows).Error
	if err != nil {
		return GuildTally{}, err
	}
	t := GuildTally{Filed: make(map[models.Category]int, len(rows))}
	for _, r := range rows {
		t.Filed[r.Category] = r.N
		t.FalseReports += r.F
	}
	return t, nil
}

// withRetry retries fn with jittered exponential backoff until it succeeds, attempts run out, or ctx ends.
func (s *Scorer) withRetry(ctx context.Context, kind string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			recomputeRetries.WithLabelValues(kind).Inc()
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(retryBackoff(attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("score recomputation failed, retrying", "kind", kind, "attempt", attempt+1, "err", err)
	}
	return err
}

func retryBackoff(attempt int) time.Duration {
	dur := 25 * time.Millisecond << attempt
	if dur > time.Second {
		dur = time.Second
	}
	jitter := time.Millisecond * time.Duration(rand.Intn(25))
	return dur + jitter
}

func (s *Scorer) cacheSet(ctx context.Context, name string, id models.Snowflake, score int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, name, id.String(), strconv.FormatInt(score, 10)); err != nil {
		s.logger.Warn("failed to cache score", "name", name, "id", id, "err", err)
		// a stale entry is worse than none
		_ = s.cache.Purge(ctx, name, id.String())
	}
}

func (s *Scorer) cacheGet(ctx context.Context, name string, id models.Snowflake) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	v, err := s.cache.Get(ctx, name, id.String())
	if err != nil {
		s.logger.Warn("score cache read failed", "name", name, "id", id, "err", err)
		return 0, false
	}
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
