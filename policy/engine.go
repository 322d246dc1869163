package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/flagstore"
	"github.com/crossguard/janitor/models"
)

// State is where a user stands with respect to one guild's policy.
type State string

var (
	StateClear    = State("clear")
	StateFlagged  = State("flagged")
	StateActioned = State("actioned")
)

// Trigger is one category whose active report count reached the guild's threshold.
type Trigger struct {
	Category  models.Category `json:"category"`
	Count     int             `json:"count"`
	Threshold int             `json:"threshold"`
	Action    models.Action   `json:"action"`
}

type Decision struct {
	GuildID models.Snowflake `json:"guild_id"`
	UserID  models.Snowflake `json:"user_id"`
	State   State            `json:"state"`
	Action  models.Action    `json:"action"`
	// most severe triggered category, empty when nothing triggered
	Category  models.Category         `json:"category,omitempty"`
	Triggered []Trigger               `json:"triggered"`
	Counts    map[models.Category]int `json:"counts"`
	Score     int64                   `json:"score"`
	// set when the user holds an ignored role; Action is then always none
	Exempt      bool           `json:"exempt,omitempty"`
	ExemptRoles models.RoleSet `json:"exempt_roles,omitempty"`
	// set when TimeoutUsersWithRole lowered the action
	Capped bool `json:"capped,omitempty"`
	// strongest action the guild recorded as enacted
	Enacted models.Action `json:"enacted"`
	// an action is recorded as enacted but no category triggers any more; the guild may lift it and
	// clear the marker
	StaleActioned bool `json:"stale_actioned,omitempty"`
}

// Decide applies a guild policy to a user's active report counts. It has no side effects.
func Decide(t Tuning, p *models.GuildPolicy, counts map[models.Category]int, memberRoles models.RoleSet) Decision {
	d := Decision{
		GuildID:   p.GuildID,
		State:     StateClear,
		Action:    models.ActionNone,
		Triggered: []Trigger{},
		Counts:    counts,
	}

	step := t.Step
	if step < 1 {
		step = 1
	}
	for _, c := range t.Severity {
		threshold := p.Threshold(c)
		n := counts[c]
		if threshold <= 0 || n < threshold {
			continue
		}
		strength := t.Base[c] + models.Action((n-threshold)/step)
		if strength > models.ActionBan {
			strength = models.ActionBan
		}
		d.Triggered = append(d.Triggered, Trigger{Category: c, Count: n, Threshold: threshold, Action: strength})
		if d.Category == "" {
			d.Category = c
		}
		if strength > d.Action {
			d.Action = strength
		}
	}

	// the everyone role shares the guild's id and is held by every member
	held := make(models.RoleSet, 0, len(memberRoles))
	for _, r := range memberRoles.Normalize() {
		if r != p.GuildID {
			held = append(held, r)
		}
	}
	for _, r := range held {
		if p.IgnoredRoles.Contains(r) {
			d.ExemptRoles = append(d.ExemptRoles, r)
		}
	}
	if len(d.ExemptRoles) > 0 {
		d.Exempt = true
		d.Action = models.ActionNone
		return d
	}

	if len(d.Triggered) > 0 {
		d.State = StateFlagged
	}
	if p.TimeoutUsersWithRole && len(held) > 0 && d.Action > models.ActionTimeout {
		d.Action = models.ActionTimeout
		d.Capped = true
	}
	return d
}

// CountSource reports a user's active reports per category.
type CountSource interface {
	ActiveCounts(ctx context.Context, user models.Snowflake) (map[models.Category]int, error)
}

// ScoreSource reports a user's reputation score.
type ScoreSource interface {
	UserScore(ctx context.Context, user models.Snowflake) (int64, error)
}

type EngineConfig struct {
	Logger *slog.Logger
	Tuning Tuning
	Counts CountSource
	// optional; Decision.Score stays zero without it
	Scores ScoreSource
	// optional; without it no user is ever reported as actioned
	Flags flagstore.FlagStore
}

type Engine struct {
	store  *Store
	logger *slog.Logger
	tuning Tuning
	counts CountSource
	scores ScoreSource
	flags  flagstore.FlagStore
}

func NewEngine(store *Store, config EngineConfig) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tuning := config.Tuning.Merge()
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy tuning: %w", err)
	}
	if config.Counts == nil {
		return nil, fmt.Errorf("policy engine needs a report count source")
	}
	return &Engine{
		store:  store,
		logger: logger.With("component", "policy_engine"),
		tuning: tuning,
		counts: config.Counts,
		scores: config.Scores,
		flags:  config.Flags,
	}, nil
}

func actionedKey(guild, user models.Snowflake) string {
	return guild.String() + "/" + user.String()
}

// Evaluate decides what guild should do about user, given the roles user holds in that guild. It only reads.
func (e *Engine) Evaluate(ctx context.Context, guild, user models.Snowflake, memberRoles models.RoleSet) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "Evaluate")
	defer span.End()

	p, err := e.store.GetOrDefault(ctx, guild)
	if err != nil {
		return nil, err
	}
	counts, err := e.counts.ActiveCounts(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("loading report counts: %w", err)
	}

	d := Decide(e.tuning, p, counts, memberRoles)
	d.UserID = user

	if e.scores != nil {
		if d.Score, err = e.scores.UserScore(ctx, user); err != nil {
			return nil, err
		}
	}

	if e.flags != nil {
		enacted, err := e.enacted(ctx, guild, user)
		if err != nil {
			return nil, err
		}
		d.Enacted = enacted
		switch {
		case enacted > models.ActionNone && d.State == StateFlagged:
			d.State = StateActioned
		case enacted > models.ActionNone && len(d.Triggered) == 0:
			// the reports behind the enacted action were retracted
			d.StaleActioned = true
		}
	}

	if d.Exempt {
		exemptions.Inc()
		e.logger.Info("user exempt from guild policy by ignored role", "guild", guild, "user", user, "roles", d.ExemptRoles, "would_trigger", len(d.Triggered))
	}
	evaluations.WithLabelValues(d.Action.String(), string(d.State)).Inc()
	return &d, nil
}

func (e *Engine) enacted(ctx context.Context, guild, user models.Snowflake) (models.Action, error) {
	flags, err := e.flags.Get(ctx, actionedKey(guild, user))
	if err != nil {
		return models.ActionNone, fmt.Errorf("loading actioned markers: %w", err)
	}
	out := models.ActionNone
	for _, f := range flags {
		a, err := models.ParseAction(f)
		if err != nil {
			e.logger.Warn("ignoring unknown actioned marker", "guild", guild, "user", user, "marker", f)
			continue
		}
		if a > out {
			out = a
		}
	}
	return out, nil
}

// RecordActioned marks that guild enacted action against user, moving the user from flagged to actioned.
func (e *Engine) RecordActioned(ctx context.Context, guild, user models.Snowflake, action models.Action) error {
	if e.flags == nil {
		return fmt.Errorf("no flag store configured for actioned markers")
	}
	if !action.Valid() || action == models.ActionNone {
		return errs.Invalid("action", "cannot record %s as an enacted action", action)
	}
	if err := e.flags.Add(ctx, actionedKey(guild, user), []string{action.String()}); err != nil {
		return fmt.Errorf("recording actioned marker: %w", err)
	}
	e.logger.Info("action recorded", "guild", guild, "user", user, "action", action)
	return nil
}

// ClearActioned drops every actioned marker guild recorded for user.
func (e *Engine) ClearActioned(ctx context.Context, guild, user models.Snowflake) error {
	if e.flags == nil {
		return nil
	}
	all := []string{models.ActionWarn.String(), models.ActionTimeout.String(), models.ActionBan.String()}
	if err := e.flags.Remove(ctx, actionedKey(guild, user), all); err != nil {
		return fmt.Errorf("clearing actioned markers: %w", err)
	}
	return nil
}
