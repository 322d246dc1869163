package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/countstore"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/internal/testutil"
	"github.com/crossguard/janitor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminID    = models.Snowflake(1)
	reporterID = models.Snowflake(10)
	listenerID = models.Snowflake(11)
	guildA     = models.Snowflake(100)
	guildB     = models.Snowflake(200)
	subject    = models.Snowflake(5000)
)

type recorder struct {
	mu     sync.Mutex
	events []*event.ReportChanged
}

func (r *recorder) HandleEvent(ctx context.Context, evt *event.ReportChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type testEnv struct {
	reg   *Registry
	clock *testutil.Clock
	rec   *recorder
}

func setup(t *testing.T, quota int) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := testutil.TestDB(t)
	logger := testutil.QuietLogger()
	clock := testutil.NewClock()

	ac := access.NewController(db, logger).WithClock(clock.Now)
	require.NoError(t, ac.AddAdmin(ctx, adminID))
	_, err := ac.UpsertUser(ctx, reporterID, models.RoleReporter, []models.Snowflake{guildA})
	require.NoError(t, err)
	_, err = ac.UpsertUser(ctx, listenerID, models.RoleListener, []models.Snowflake{guildA})
	require.NoError(t, err)

	rec := &recorder{}
	bus := event.NewBus(logger)
	bus.Subscribe("recorder", rec)

	reg := NewRegistry(db, Config{
		Logger:          logger,
		Access:          ac,
		Bus:             bus,
		Counters:        countstore.NewMemCountStore().WithClock(clock.Now),
		GuildDailyQuota: quota,
		Clock:           clock.Now,
	})
	return &testEnv{reg: reg, clock: clock, rec: rec}
}

func (e *testEnv) file(t *testing.T, cat models.Category) *models.Report {
	t.Helper()
	rep, err := e.reg.FileReport(context.Background(), FileReportInput{
		Subject:     subject,
		Category:    cat,
		OriginGuild: guildA,
		Actor:       reporterID,
	})
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	return rep
}

func TestFileReport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	proof := "attachment://1234"
	why := "posted phishing links in #general"
	rep, err := env.reg.FileReport(ctx, FileReportInput{
		Subject:     subject,
		Category:    models.CategorySpam,
		OriginGuild: guildA,
		EvidenceRef: &proof,
		Explanation: &why,
		Actor:       reporterID,
	})
	require.NoError(t, err)
	assert.NotZero(rep.ID)
	assert.True(rep.IsActive)
	assert.Equal(rep.CreatedAt, rep.UpdatedAt)
	assert.Equal(reporterID, rep.LastModifiedBy)

	second := env.file(t, models.CategoryHoneypot)
	assert.Greater(second.ID, rep.ID)

	assert.Equal([]event.Kind{event.KindFiled, event.KindHoneypot}, env.rec.kinds())
	evt := env.rec.events[0]
	assert.Equal(subject, evt.Subject)
	assert.Equal(guildA, evt.OriginGuild)
	assert.Equal(models.CategorySpam, evt.Category)

	got, err := env.reg.GetReport(ctx, rep.ID)
	assert.NoError(err)
	assert.Equal(proof, *got.EvidenceRef)
	assert.Equal(why, *got.Explanation)
}

func TestFileReportRejections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	valid := FileReportInput{Subject: subject, Category: models.CategorySpam, OriginGuild: guildA, Actor: reporterID}

	in := valid
	in.Subject = 0
	_, err := env.reg.FileReport(ctx, in)
	assert.True(errs.IsValidation(err))

	in = valid
	in.Category = "rudeness"
	_, err = env.reg.FileReport(ctx, in)
	assert.True(errs.IsValidation(err))

	empty := ""
	in = valid
	in.EvidenceRef = &empty
	_, err = env.reg.FileReport(ctx, in)
	assert.True(errs.IsValidation(err))

	in = valid
	in.Actor = listenerID
	_, err = env.reg.FileReport(ctx, in)
	assert.Equal(errs.DenyInsufficientRole, errs.DenialReason(err))

	in = valid
	in.OriginGuild = guildB
	_, err = env.reg.FileReport(ctx, in)
	assert.Equal(errs.DenyNotMember, errs.DenialReason(err))

	// admins may file for any guild
	in.Actor = adminID
	_, err = env.reg.FileReport(ctx, in)
	assert.NoError(err)

	assert.Len(env.rec.kinds(), 1)
}

func TestGuildQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 2)

	env.file(t, models.CategorySpam)
	env.file(t, models.CategorySpam)

	in := FileReportInput{Subject: subject, Category: models.CategorySpam, OriginGuild: guildA, Actor: reporterID}
	_, err := env.reg.FileReport(ctx, in)
	assert.Equal(errs.DenyQuotaExceeded, errs.DenialReason(err))

	// admins bypass the quota
	in.Actor = adminID
	_, err = env.reg.FileReport(ctx, in)
	assert.NoError(err)

	// the next day the guild may file again
	env.clock.Advance(24 * time.Hour)
	in.Actor = reporterID
	_, err = env.reg.FileReport(ctx, in)
	assert.NoError(err)
}

func TestGuildQuotaUnderConcurrentFilings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 3)

	const filers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, filers)
	for i := 0; i < filers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reg.FileReport(ctx, FileReportInput{Subject: subject, Category: models.CategorySpam, OriginGuild: guildA, Actor: reporterID})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var filed, denied int
	for err := range errCh {
		switch {
		case err == nil:
			filed++
		case errs.DenialReason(err) == errs.DenyQuotaExceeded:
			denied++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(3, filed)
	assert.Equal(filers-3, denied)

	reports, err := env.reg.ListReportsBySubject(ctx, subject)
	require.NoError(t, err)
	assert.Len(reports, 3)
}

func TestDeactivateReport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	rep := env.file(t, models.CategoryBigotry)

	note := "appeal accepted"
	out, err := env.reg.DeactivateReport(ctx, rep.ID, adminID, DeactivateOptions{Explanation: &note, FalseReport: true})
	require.NoError(t, err)
	assert.False(out.IsActive)
	assert.True(out.FalseReport)
	assert.Equal(adminID, out.LastModifiedBy)
	assert.True(out.UpdatedAt.After(out.CreatedAt))
	assert.Equal(note, *out.Explanation)
	assert.NotEqual(rep.IdempotencyKey(), out.IdempotencyKey())

	_, err = env.reg.DeactivateReport(ctx, rep.ID, adminID, DeactivateOptions{})
	assert.True(errs.IsAlreadyInactive(err))

	_, err = env.reg.DeactivateReport(ctx, 9999, adminID, DeactivateOptions{})
	assert.True(errs.IsNotFound(err))

	// listeners may not deactivate
	other := env.file(t, models.CategorySpam)
	_, err = env.reg.DeactivateReport(ctx, other.ID, listenerID, DeactivateOptions{})
	assert.True(errs.IsPermissionDenied(err))

	assert.Equal([]event.Kind{event.KindFiled, event.KindDeactivated, event.KindFiled}, env.rec.kinds())

	// retained for audit
	all, err := env.reg.ListReportsBySubject(ctx, subject)
	assert.NoError(err)
	assert.Len(all, 2)
}

func TestRevisionsAreDistinctWithFrozenClock(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	rep, err := env.reg.FileReport(ctx, FileReportInput{Subject: subject, Category: models.CategorySpam, OriginGuild: guildA, Actor: reporterID})
	require.NoError(t, err)

	// no clock advance between revisions
	edited, err := env.reg.UpdateExplanation(ctx, rep.ID, reporterID, "more context")
	require.NoError(t, err)
	off, err := env.reg.DeactivateReport(ctx, rep.ID, reporterID, DeactivateOptions{})
	require.NoError(t, err)

	keys := map[string]bool{rep.IdempotencyKey(): true, edited.IdempotencyKey(): true, off.IdempotencyKey(): true}
	assert.Len(keys, 3)
	assert.True(off.UpdatedAt.After(edited.UpdatedAt))
}

func TestUpdateEvidenceAndExplanation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	rep := env.file(t, models.CategoryImpersonation)

	out, err := env.reg.UpdateEvidence(ctx, rep.ID, reporterID, "attachment://1")
	require.NoError(t, err)
	assert.Equal("attachment://1", *out.EvidenceRef)

	env.clock.Advance(time.Second)
	out, err = env.reg.UpdateEvidence(ctx, rep.ID, reporterID, "attachment://2")
	require.NoError(t, err)
	assert.Equal("attachment://2", *out.EvidenceRef)

	out, err = env.reg.UpdateExplanation(ctx, rep.ID, adminID, "impersonating a moderator")
	require.NoError(t, err)
	assert.Equal("impersonating a moderator", *out.Explanation)
	assert.Equal(adminID, out.LastModifiedBy)
	assert.True(out.IsActive)

	_, err = env.reg.UpdateEvidence(ctx, rep.ID, reporterID, "")
	assert.True(errs.IsValidation(err))
	_, err = env.reg.UpdateExplanation(ctx, 777, reporterID, "x")
	assert.True(errs.IsNotFound(err))

	assert.Equal([]event.Kind{
		event.KindFiled,
		event.KindEvidenceAdded,
		event.KindEvidenceReplaced,
		event.KindExplanationUpdated,
	}, env.rec.kinds())
}

func TestQueries(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := setup(t, 0)

	first := env.file(t, models.CategorySpam)
	second := env.file(t, models.CategorySpam)
	third := env.file(t, models.CategoryBigotry)
	_, err := env.reg.DeactivateReport(ctx, second.ID, reporterID, DeactivateOptions{})
	require.NoError(t, err)

	active, err := env.reg.ListActiveReports(ctx, subject)
	assert.NoError(err)
	assert.Len(active, 2)
	assert.Equal(first.ID, active[0].ID)
	assert.Equal(third.ID, active[1].ID)

	counts, err := env.reg.ActiveCounts(ctx, subject)
	assert.NoError(err)
	assert.Equal(map[models.Category]int{models.CategorySpam: 1, models.CategoryBigotry: 1}, counts)

	has, err := env.reg.HasActiveReport(ctx, subject)
	assert.NoError(err)
	assert.True(has)
	has, err = env.reg.HasActiveReport(ctx, subject+1)
	assert.NoError(err)
	assert.False(has)

	recent, err := env.reg.ListRecent(ctx, FilterAll, 2)
	assert.NoError(err)
	assert.Len(recent, 2)
	assert.Equal(third.ID, recent[0].ID)

	inactive, err := env.reg.ListRecent(ctx, FilterInactive, 0)
	assert.NoError(err)
	assert.Len(inactive, 1)
	assert.Equal(second.ID, inactive[0].ID)

	_, err = env.reg.ListRecent(ctx, ListFilter("bogus"), 5)
	assert.True(errs.IsValidation(err))
	_, err = env.reg.ListRecent(ctx, FilterAll, MaxListLimit+1)
	assert.True(errs.IsValidation(err))

	_, err = env.reg.ListActiveReports(ctx, 0)
	assert.True(errs.IsValidation(err))

	f, err := ParseListFilter("")
	assert.NoError(err)
	assert.Equal(FilterAll, f)
}
