// Package registry is the ledger of bad-actor reports and the source of truth for whether a user is currently
// flagged. Reports are only ever appended or deactivated, never deleted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/countstore"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/util/keyedlock"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("registry")

const (
	// counter name for per-guild filing quotas
	CounterGuildReports = "guild-reports"

	MaxEvidenceLength    = 2048
	MaxExplanationLength = 4000
	DefaultListLimit     = 10
	MaxListLimit         = 200
)

type Config struct {
	Logger *slog.Logger
	Access *access.Controller
	Bus    *event.Bus
	// Counters and GuildDailyQuota enable the per-guild filing limit; a quota of zero disables it
	Counters        countstore.CountStore
	GuildDailyQuota int
	Clock           func() time.Time
}

type Registry struct {
	db       *gorm.DB
	logger   *slog.Logger
	access   *access.Controller
	bus      *event.Bus
	counters countstore.CountStore
	quota    int
	clock    func() time.Time
	// serializes edits of a single report within this process
	reportLocks *keyedlock.Locker[uint64]
	// serializes quota check and filing per origin guild
	quotaLocks *keyedlock.Locker[models.Snowflake]
}

func NewRegistry(db *gorm.DB, config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	bus := config.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}
	return &Registry{
		db:          db,
		logger:      logger.With("component", "registry"),
		access:      config.Access,
		bus:         bus,
		counters:    config.Counters,
		quota:       config.GuildDailyQuota,
		clock:       clock,
		reportLocks: keyedlock.New[uint64](),
		quotaLocks:  keyedlock.New[models.Snowflake](),
	}
}

// now returns the current time at the precision every supported store round-trips.
func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// nextRevision returns a timestamp strictly after prev, so every revision of a report carries a distinct
// idempotency key.
func (r *Registry) nextRevision(prev time.Time) time.Time {
	ts := r.now()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

type FileReportInput struct {
	Subject     models.Snowflake
	Category    models.Category
	OriginGuild models.Snowflake
	EvidenceRef *string
	Explanation *string
	Actor       models.Snowflake
}

func (in *FileReportInput) validate() error {
	if !in.Subject.Valid() {
		return errs.Invalid("subject", "must be a non-zero snowflake")
	}
	if !in.OriginGuild.Valid() {
		return errs.Invalid("origin guild", "must be a non-zero snowflake")
	}
	if !in.Actor.Valid() {
		return errs.Invalid("actor", "must be a non-zero snowflake")
	}
	if !in.Category.Valid() {
		return errs.Invalid("category", "unknown category %q", in.Category)
	}
	if err := validateEvidence(in.EvidenceRef); err != nil {
		return err
	}
	return validateExplanation(in.Explanation)
}

func validateEvidence(ref *string) error {
	if ref == nil {
		return nil
	}
	if *ref == "" {
		return errs.Invalid("evidence", "must not be empty")
	}
	if len(*ref) > MaxEvidenceLength {
		return errs.Invalid("evidence", "longer than %d bytes", MaxEvidenceLength)
	}
	return nil
}

func validateExplanation(text *string) error {
	if text == nil {
		return nil
	}
	if len(*text) > MaxExplanationLength {
		return errs.Invalid("explanation", "longer than %d bytes", MaxExplanationLength)
	}
	return nil
}

func (r *Registry) quotaEnabled() bool {
	return r.counters != nil && r.quota > 0
}

// FileReport records a new active report and announces it.
func (r *Registry) FileReport(ctx context.Context, in FileReportInput) (*models.Report, error) {
	ctx, span := tracer.Start(ctx, "FileReport")
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("category", string(in.Category)), attribute.String("guild", in.OriginGuild.String()))

	if err := r.access.AuthorizeReport(ctx, in.Actor, in.OriginGuild); err != nil {
		return nil, err
	}
	releaseQuota := func() {}
	if r.quotaEnabled() {
		unlock, err := r.quotaLocks.Lock(ctx, in.OriginGuild)
		if err != nil {
			return nil, err
		}
		releaseQuota = sync.OnceFunc(unlock)
		defer releaseQuota()
	}
	if err := r.checkQuota(ctx, in.Actor, in.OriginGuild); err != nil {
		return nil, err
	}

	kind := event.KindFiled
	if in.Category == models.CategoryHoneypot {
		kind = event.KindHoneypot
	}

	now := r.now()
	rep := models.Report{
		SubjectID:      in.Subject,
		IsActive:       true,
		Category:       in.Category,
		OriginGuildID:  in.OriginGuild,
		EvidenceRef:    in.EvidenceRef,
		Explanation:    in.Explanation,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastModifiedBy: in.Actor,
	}
	var evt *event.ReportChanged
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rep).Error; err != nil {
			return fmt.Errorf("inserting report: %w", err)
		}
		evt = event.NewReportChanged(kind, &rep)
		return r.bus.PublishTx(tx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("filing report: %w", err)
	}

	if r.quotaEnabled() {
		if err := r.counters.Increment(ctx, CounterGuildReports, in.OriginGuild.String()); err != nil {
			r.logger.Warn("failed to count filed report against guild quota", "guild", in.OriginGuild, "err", err)
		}
	}
	releaseQuota()

	reportsFiled.WithLabelValues(string(rep.Category)).Inc()
	r.logger.Info("report filed", "report", rep.ID, "subject", rep.SubjectID, "category", rep.Category, "guild", rep.OriginGuildID, "actor", in.Actor)
	r.bus.Publish(ctx, evt)
	return &rep, nil
}

func (r *Registry) checkQuota(ctx context.Context, actor, guild models.Snowflake) error {
	if !r.quotaEnabled() {
		return nil
	}
	admin, err := r.access.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	n, err := r.counters.GetCount(ctx, CounterGuildReports, guild.String(), countstore.PeriodDay)
	if err != nil {
		// counters are advisory; a broken counter store must not block reporting
		r.logger.Warn("failed to read guild report quota", "guild", guild, "err", err)
		return nil
	}
	if n >= r.quota {
		quotaRejections.Inc()
		return errs.Denied(errs.DenyQuotaExceeded, "guild %s filed %d reports today (limit %d)", guild, n, r.quota)
	}
	return nil
}

type DeactivateOptions struct {
	// replaces the stored explanation when set
	Explanation *string
	// marks the report as filed in error, which counts against the origin guild's score
	FalseReport bool
}

// DeactivateReport retracts an active report. The report stays in the ledger for audit.
func (r *Registry) DeactivateReport(ctx context.Context, id uint64, actor models.Snowflake, opts DeactivateOptions) (*models.Report, error) {
	ctx, span := tracer.Start(ctx, "DeactivateReport")
	defer span.End()

	if err := validateExplanation(opts.Explanation); err != nil {
		return nil, err
	}

	unlock, err := r.reportLocks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := r.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.access.AuthorizeReport(ctx, actor, prev.OriginGuildID); err != nil {
		return nil, err
	}
	if !prev.IsActive {
		return nil, &errs.AlreadyInactiveError{ReportID: id}
	}

	updates := map[string]any{
		"is_active":          false,
		"false_report":       opts.FalseReport,
		"updated_at":         r.nextRevision(prev.UpdatedAt),
		"updated_by_user_id": actor,
	}
	if opts.Explanation != nil {
		updates["explanation"] = *opts.Explanation
	}

	// the is_active guard makes concurrent deactivations from other processes lose cleanly
	rep, evt, err := r.update(ctx, id, updates, event.KindDeactivated, "is_active = ?", true)
	if errs.IsConflict(err) {
		return nil, &errs.AlreadyInactiveError{ReportID: id}
	} else if err != nil {
		return nil, err
	}

	reportsDeactivated.WithLabelValues(string(rep.Category)).Inc()
	r.logger.Info("report deactivated", "report", rep.ID, "subject", rep.SubjectID, "false_report", rep.FalseReport, "actor", actor)
	r.bus.Publish(ctx, evt)
	return rep, nil
}

// UpdateEvidence attaches or replaces the evidence reference of a report.
func (r *Registry) UpdateEvidence(ctx context.Context, id uint64, actor models.Snowflake, ref string) (*models.Report, error) {
	if err := validateEvidence(&ref); err != nil {
		return nil, err
	}
	return r.edit(ctx, id, actor, func(prev *models.Report) (map[string]any, event.Kind) {
		kind := event.KindEvidenceAdded
		if prev.EvidenceRef != nil {
			kind = event.KindEvidenceReplaced
		}
		return map[string]any{"screenshot_proof": ref}, kind
	})
}

func (r *Registry) UpdateExplanation(ctx context.Context, id uint64, actor models.Snowflake, text string) (*models.Report, error) {
	if err := validateExplanation(&text); err != nil {
		return nil, err
	}
	return r.edit(ctx, id, actor, func(prev *models.Report) (map[string]any, event.Kind) {
		return map[string]any{"explanation": text}, event.KindExplanationUpdated
	})
}

func (r *Registry) edit(ctx context.Context, id uint64, actor models.Snowflake, change func(prev *models.Report) (map[string]any, event.Kind)) (*models.Report, error) {
	unlock, err := r.reportLocks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := r.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.access.AuthorizeReport(ctx, actor, prev.OriginGuildID); err != nil {
		return nil, err
	}

	updates, kind := change(prev)
	updates["updated_at"] = r.nextRevision(prev.UpdatedAt)
	updates["updated_by_user_id"] = actor

	rep, evt, err := r.update(ctx, id, updates, kind, "updated_at = ?", prev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	reportEdits.WithLabelValues(string(kind)).Inc()
	r.logger.Info("report updated", "report", rep.ID, "kind", kind, "actor", actor)
	r.bus.Publish(ctx, evt)
	return rep, nil
}

// update applies updates to a report if guard still holds, and runs the transactional handlers in the same
// transaction. A guard that no longer matches yields a ConflictError.
func (r *Registry) update(ctx context.Context, id uint64, updates map[string]any, kind event.Kind, guard string, guardArg any) (*models.Report, *event.ReportChanged, error) {
	var rep models.Report
	var evt *event.ReportChanged
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Report{}).Where("id = ?", id).Where(guard, guardArg).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating report: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &errs.ConflictError{Kind: "report", ID: fmt.Sprint(id), Detail: "modified concurrently"}
		}
		if err := tx.Where("id = ?", id).Take(&rep).Error; err != nil {
			return fmt.Errorf("loading report: %w", err)
		}
		evt = event.NewReportChanged(kind, &rep)
		return r.bus.PublishTx(tx, evt)
	})
	if err != nil {
		return nil, nil, err
	}
	return &rep, evt, nil
}

func (r *Registry) GetReport(ctx context.Context, id uint64) (*models.Report, error) {
	var rep models.Report
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundID("report", id)
		}
		return nil, fmt.Errorf("loading report: %w", err)
	}
	return &rep, nil
}
