package policy

import (
	"context"
	"testing"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/flagstore"
	"github.com/crossguard/janitor/internal/testutil"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminID     = models.Snowflake(1)
	modID       = models.Snowflake(10)
	guildA      = models.Snowflake(100)
	guildB      = models.Snowflake(200)
	suspect     = models.Snowflake(5000)
	modRole     = models.Snowflake(900)
	regularRole = models.Snowflake(901)
)

func intp(v int) *int {
	return &v
}

func boolp(v bool) *bool {
	return &v
}

func TestDecideHoneypotBelowThreshold(t *testing.T) {
	assert := assert.New(t)

	p := Default(guildA)
	p.HoneypotActionLevel = 2
	d := Decide(DefaultTuning(), p, map[models.Category]int{models.CategoryHoneypot: 1}, nil)
	assert.Equal(models.ActionNone, d.Action)
	assert.Equal(StateClear, d.State)
	assert.Empty(d.Triggered)
}

func TestDecideIgnoredRoleIsExempt(t *testing.T) {
	assert := assert.New(t)

	p := Default(guildA)
	p.SpamActionLevel = 1
	p.ImpersonationActionLevel = 1
	p.BigotryActionLevel = 1
	p.HoneypotActionLevel = 1
	p.IgnoredRoles = models.RoleSet{modRole}
	counts := map[models.Category]int{
		models.CategorySpam:          5,
		models.CategoryImpersonation: 5,
		models.CategoryBigotry:       5,
		models.CategoryHoneypot:      5,
	}

	d := Decide(DefaultTuning(), p, counts, models.RoleSet{regularRole, modRole})
	assert.Equal(models.ActionNone, d.Action)
	assert.True(d.Exempt)
	assert.Equal(models.RoleSet{modRole}, d.ExemptRoles)
	assert.Len(d.Triggered, 4)

	d = Decide(DefaultTuning(), p, counts, models.RoleSet{regularRole})
	assert.Equal(models.ActionBan, d.Action)
	assert.False(d.Exempt)
}

func TestDecideThresholdScaling(t *testing.T) {
	assert := assert.New(t)
	tuning := DefaultTuning()

	p := Default(guildA)
	p.SpamActionLevel = 3

	d := Decide(tuning, p, map[models.Category]int{models.CategorySpam: 3}, nil)
	assert.GreaterOrEqual(d.Action, models.ActionTimeout)
	assert.Equal(StateFlagged, d.State)
	assert.Equal(models.CategorySpam, d.Category)

	d = Decide(tuning, p, map[models.Category]int{models.CategorySpam: 2}, nil)
	assert.LessOrEqual(d.Action, models.ActionWarn)

	// each report past the threshold adds a level, capped at ban
	d = Decide(tuning, p, map[models.Category]int{models.CategorySpam: 4}, nil)
	assert.Equal(models.ActionBan, d.Action)
	d = Decide(tuning, p, map[models.Category]int{models.CategorySpam: 40}, nil)
	assert.Equal(models.ActionBan, d.Action)

	// a zero threshold disables the category
	p.SpamActionLevel = 0
	d = Decide(tuning, p, map[models.Category]int{models.CategorySpam: 40}, nil)
	assert.Equal(models.ActionNone, d.Action)
}

func TestDecideSeverityAndCap(t *testing.T) {
	assert := assert.New(t)

	p := Default(guildA)
	p.HoneypotActionLevel = 1
	p.BigotryActionLevel = 1
	counts := map[models.Category]int{models.CategoryHoneypot: 6, models.CategoryBigotry: 1}

	d := Decide(DefaultTuning(), p, counts, nil)
	assert.Equal(models.CategoryBigotry, d.Category)
	assert.Equal(models.ActionBan, d.Action)
	for _, tr := range d.Triggered {
		assert.LessOrEqual(tr.Action, d.Action)
	}

	p.TimeoutUsersWithRole = true
	d = Decide(DefaultTuning(), p, counts, models.RoleSet{regularRole})
	assert.Equal(models.ActionTimeout, d.Action)
	assert.True(d.Capped)

	// users without roles are not capped, and the everyone role does not count
	d = Decide(DefaultTuning(), p, counts, nil)
	assert.Equal(models.ActionBan, d.Action)
	d = Decide(DefaultTuning(), p, counts, models.RoleSet{guildA})
	assert.Equal(models.ActionBan, d.Action)
	assert.False(d.Capped)

	// a custom severity order changes the reported category, not the strength
	tuning := DefaultTuning()
	tuning.Severity = []models.Category{models.CategoryHoneypot, models.CategorySpam, models.CategoryImpersonation, models.CategoryBigotry}
	require.NoError(t, tuning.Validate())
	p.TimeoutUsersWithRole = false
	d = Decide(tuning, p, counts, nil)
	assert.Equal(models.CategoryHoneypot, d.Category)
	assert.Equal(models.ActionBan, d.Action)
}

func TestTuningValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(DefaultTuning().Validate())
	assert.NoError(Tuning{}.Merge().Validate())

	bad := DefaultTuning()
	bad.Severity = bad.Severity[:2]
	assert.Error(bad.Validate())

	bad = DefaultTuning()
	bad.Base[models.CategorySpam] = models.ActionNone
	assert.Error(bad.Validate())

	merged := Tuning{Base: map[models.Category]models.Action{models.CategorySpam: models.ActionWarn}}.Merge()
	assert.Equal(models.ActionWarn, merged.Base[models.CategorySpam])
	assert.Equal(models.ActionBan, merged.Base[models.CategoryBigotry])
	assert.Equal(1, merged.Step)
}

type testEnv struct {
	access *access.Controller
	store  *Store
	engine *Engine
	reg    *registry.Registry
	clock  *testutil.Clock
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := testutil.TestDB(t)
	logger := testutil.QuietLogger()
	clock := testutil.NewClock()

	ac := access.NewController(db, logger).WithClock(clock.Now)
	require.NoError(t, ac.AddAdmin(ctx, adminID))
	_, err := ac.UpsertUser(ctx, modID, models.RoleReporter, []models.Snowflake{guildA})
	require.NoError(t, err)

	reg := registry.NewRegistry(db, registry.Config{Logger: logger, Access: ac, Clock: clock.Now})
	store := NewStore(db, StoreConfig{Logger: logger, Access: ac, Clock: clock.Now})
	engine, err := NewEngine(store, EngineConfig{
		Logger: logger,
		Counts: reg,
		Flags:  flagstore.NewMemFlagStore(),
	})
	require.NoError(t, err)
	return &testEnv{access: ac, store: store, engine: engine, reg: reg, clock: clock}
}

func TestUpsertTwiceOnlyBumpsUpdatedAt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t)

	logChannel := models.Snowflake(42)
	upd := PolicyUpdate{
		LogChannel:         &logChannel,
		PingOnAction:       boolp(true),
		SpamActionLevel:    intp(3),
		BigotryActionLevel: intp(1),
		IgnoredRoles:       &models.RoleSet{modRole, modRole},
	}
	first, err := env.store.Upsert(ctx, adminID, guildA, false, upd)
	require.NoError(t, err)
	assert.Equal(models.RoleSet{modRole}, first.IgnoredRoles)

	env.clock.Advance(time.Minute)
	second, err := env.store.Upsert(ctx, adminID, guildA, false, upd)
	require.NoError(t, err)

	assert.True(second.UpdatedAt.After(first.UpdatedAt))
	assert.True(second.CreatedAt.Equal(first.CreatedAt))
	assert.Equal(first.SpamActionLevel, second.SpamActionLevel)
	assert.Equal(first.BigotryActionLevel, second.BigotryActionLevel)
	assert.Equal(first.ImpersonationActionLevel, second.ImpersonationActionLevel)
	assert.Equal(first.HoneypotActionLevel, second.HoneypotActionLevel)
	assert.Equal(first.IgnoredRoles, second.IgnoredRoles)

	stored, err := env.store.Get(ctx, guildA)
	require.NoError(t, err)
	assert.True(stored.UpdatedAt.Equal(second.UpdatedAt))
	assert.Equal(logChannel, *stored.LogChannel)
	assert.Equal(models.RoleSet{modRole}, stored.IgnoredRoles)

	// a frozen clock still advances the version stamp
	third, err := env.store.Upsert(ctx, adminID, guildA, false, upd)
	require.NoError(t, err)
	assert.True(third.UpdatedAt.After(second.UpdatedAt))
}

func TestUpsertPartialAndConflict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t)

	p, err := env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{SpamActionLevel: intp(2), HoneypotChannel: func() *models.Snowflake { v := models.Snowflake(77); return &v }()})
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	p2, err := env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{BigotryActionLevel: intp(1), IfUnmodifiedSince: &p.UpdatedAt})
	require.NoError(t, err)
	assert.Equal(2, p2.SpamActionLevel)
	assert.Equal(1, p2.BigotryActionLevel)

	// stale version stamp
	_, err = env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{SpamActionLevel: intp(9), IfUnmodifiedSince: &p.UpdatedAt})
	assert.True(errs.IsConflict(err))

	_, err = env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{SpamActionLevel: intp(-1)})
	assert.True(errs.IsValidation(err))

	channels, err := env.store.HoneypotChannels(ctx)
	require.NoError(t, err)
	assert.Equal(map[models.Snowflake]models.Snowflake{77: guildA}, channels)

	// clearing an optional target
	zero := models.Snowflake(0)
	p3, err := env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{HoneypotChannel: &zero})
	require.NoError(t, err)
	assert.Nil(p3.HoneypotChannel)
}

func TestPolicyWriteAuthorization(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t)

	// a member of the guild without platform administrator rights
	_, err := env.store.Upsert(ctx, modID, guildA, false, PolicyUpdate{SpamActionLevel: intp(1)})
	assert.Equal(errs.DenyNotAdmin, errs.DenialReason(err))

	_, err = env.store.Upsert(ctx, modID, guildA, true, PolicyUpdate{SpamActionLevel: intp(1)})
	assert.NoError(err)

	_, err = env.store.Upsert(ctx, modID, guildB, true, PolicyUpdate{SpamActionLevel: intp(1)})
	assert.Equal(errs.DenyNotMember, errs.DenialReason(err))

	assert.True(errs.IsNotFound(env.store.Delete(ctx, adminID, guildB, false)))
	assert.NoError(env.store.Delete(ctx, modID, guildA, true))
	_, err = env.store.Get(ctx, guildA)
	assert.True(errs.IsNotFound(err))
}

func TestEnsureDefaultAndDeleteIfUnused(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t)

	p, created, err := env.store.EnsureDefault(ctx, guildB)
	require.NoError(t, err)
	assert.True(created)
	assert.Equal(0, p.SpamActionLevel)

	_, created, err = env.store.EnsureDefault(ctx, guildB)
	require.NoError(t, err)
	assert.False(created)

	_, _, err = env.store.EnsureDefault(ctx, guildA)
	require.NoError(t, err)

	all, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Len(all, 2)

	// guild A still has a tracked member
	deleted, err := env.store.DeleteIfUnused(ctx, guildA)
	require.NoError(t, err)
	assert.False(deleted)

	deleted, err = env.store.DeleteIfUnused(ctx, guildB)
	require.NoError(t, err)
	assert.True(deleted)
}

func TestEvaluateLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t)

	_, err := env.store.Upsert(ctx, adminID, guildA, false, PolicyUpdate{SpamActionLevel: intp(3)})
	require.NoError(t, err)

	var ids []uint64
	for i := 0; i < 3; i++ {
		rep, err := env.reg.FileReport(ctx, registry.FileReportInput{Subject: suspect, Category: models.CategorySpam, OriginGuild: guildA, Actor: modID})
		require.NoError(t, err)
		ids = append(ids, rep.ID)
		env.clock.Advance(time.Second)
	}

	d, err := env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.Equal(StateFlagged, d.State)
	assert.GreaterOrEqual(d.Action, models.ActionTimeout)

	require.NoError(t, env.engine.RecordActioned(ctx, guildA, suspect, d.Action))
	d, err = env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.Equal(StateActioned, d.State)
	assert.Equal(models.ActionTimeout, d.Enacted)

	// unconfigured guilds never act
	d, err = env.engine.Evaluate(ctx, guildB, suspect, nil)
	require.NoError(t, err)
	assert.Equal(models.ActionNone, d.Action)

	_, err = env.reg.DeactivateReport(ctx, ids[0], adminID, registry.DeactivateOptions{})
	require.NoError(t, err)
	d, err = env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.LessOrEqual(d.Action, models.ActionWarn)
	assert.Equal(StateClear, d.State)
	// evaluating never drops the marker; the guild clears it once it lifts the action
	assert.Equal(models.ActionTimeout, d.Enacted)
	assert.True(d.StaleActioned)
	d, err = env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.True(d.StaleActioned)

	require.NoError(t, env.engine.ClearActioned(ctx, guildA, suspect))
	d, err = env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.Equal(models.ActionNone, d.Enacted)
	assert.False(d.StaleActioned)

	for _, id := range ids[1:] {
		_, err = env.reg.DeactivateReport(ctx, id, adminID, registry.DeactivateOptions{})
		require.NoError(t, err)
	}
	d, err = env.engine.Evaluate(ctx, guildA, suspect, nil)
	require.NoError(t, err)
	assert.Equal(StateClear, d.State)
	assert.Equal(models.ActionNone, d.Action)
	assert.Empty(d.Counts)
}

func TestRecordActionedRejectsNone(t *testing.T) {
	env := setup(t)
	err := env.engine.RecordActioned(context.Background(), guildA, suspect, models.ActionNone)
	assert.True(t, errs.IsValidation(err))
}
