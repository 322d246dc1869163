package registry

import (
	"context"
	"fmt"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
)

// ListFilter selects reports by activity state.
type ListFilter string

var (
	FilterAll      = ListFilter("all")
	FilterActive   = ListFilter("active")
	FilterInactive = ListFilter("inactive")
)

func ParseListFilter(raw string) (ListFilter, error) {
	switch f := ListFilter(raw); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterActive, FilterInactive:
		return f, nil
	}
	return "", errs.Invalid("filter", "must be one of all, active, inactive")
}

// ListActiveReports returns the subject's active reports, oldest first.
func (r *Registry) ListActiveReports(ctx context.Context, subject models.Snowflake) ([]models.Report, error) {
	if !subject.Valid() {
		return nil, errs.Invalid("subject", "must be a non-zero snowflake")
	}
	var out []models.Report
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", subject, true).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing active reports: %w", err)
	}
	return out, nil
}

// ListReportsBySubject returns every report about the subject, active or not, oldest first.
func (r *Registry) ListReportsBySubject(ctx context.Context, subject models.Snowflake) ([]models.Report, error) {
	if !subject.Valid() {
		return nil, errs.Invalid("subject", "must be a non-zero snowflake")
	}
	var out []models.Report
	err := r.db.WithContext(ctx).
		Where("user_id = ?", subject).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return out, nil
}

// ListRecent returns the most recently filed reports matching filter, newest first.
func (r *Registry) ListRecent(ctx context.Context, filter ListFilter, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		return nil, errs.Invalid("limit", "must be at most %d", MaxListLimit)
	}

	q := r.db.WithContext(ctx).Model(&models.Report{})
	switch filter {
	case FilterActive:
		q = q.Where("is_active = ?", true)
	case FilterInactive:
		q = q.Where("is_active = ?", false)
	case FilterAll, "":
	default:
		return nil, errs.Invalid("filter", "must be one of all, active, inactive")
	}

	var out []models.Report
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing recent reports: %w", err)
	}
	return out, nil
}

// ActiveCounts returns the number of active reports per category for the subject. Categories without active
// reports are absent.
func (r *Registry) ActiveCounts(ctx context.Context, subject models.Snowflake) (map[models.Category]int, error) {
	type row struct {
		Category models.Category
		N        int
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Report{}).
		Select("actor_type AS category, COUNT(*) AS n").
		Where("user_id = ? AND is_active = ?", subject, true).
		Group("actor_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting active reports: %w", err)
	}
	out := make(map[models.Category]int, len(rows))
	for _, rw := range rows {
		out[rw.Category] = rw.N
	}
	return out, nil
}

func (r *Registry) HasActiveReport(ctx context.Context, subject models.Snowflake) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Report{}).
		Where("user_id = ? AND is_active = ?", subject, true).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("checking active reports: %w", err)
	}
	return n > 0, nil
}
