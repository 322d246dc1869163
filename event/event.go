package event

import (
	"time"

	"github.com/crossguard/janitor/models"
)

// Kind is the kind of change a ReportChanged describes.
type Kind string

var (
	KindFiled              = Kind("filed")
	KindHoneypot           = Kind("honeypot")
	KindDeactivated        = Kind("deactivated")
	KindEvidenceAdded      = Kind("evidence_added")
	KindEvidenceReplaced   = Kind("evidence_replaced")
	KindExplanationUpdated = Kind("explanation_updated")
)

// ReportChanged is emitted after every committed change to a report.
type ReportChanged struct {
	ReportID    uint64           `json:"report_id"`
	Kind        Kind             `json:"kind"`
	Subject     models.Snowflake `json:"subject_user_id"`
	OriginGuild models.Snowflake `json:"origin_guild_id"`
	Category    models.Category  `json:"category"`
	IsActive    bool             `json:"is_active"`
	FalseReport bool             `json:"false_report,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Actor       models.Snowflake `json:"actor_id"`
}

// NewReportChanged captures the current state of a report.
func NewReportChanged(kind Kind, r *models.Report) *ReportChanged {
	return &ReportChanged{
		ReportID:    r.ID,
		Kind:        kind,
		Subject:     r.SubjectID,
		OriginGuild: r.OriginGuildID,
		Category:    r.Category,
		IsActive:    r.IsActive,
		FalseReport: r.FalseReport,
		UpdatedAt:   r.UpdatedAt,
		Actor:       r.LastModifiedBy,
	}
}

// IsNewReport is true for changes that introduce a report, as opposed to edits of an existing one.
func (e *ReportChanged) IsNewReport() bool {
	return e.Kind == KindFiled || e.Kind == KindHoneypot
}

// AffectsScore is false for edits that leave every score input unchanged.
func (e *ReportChanged) AffectsScore() bool {
	return e.IsNewReport() || e.Kind == KindDeactivated
}

func (e *ReportChanged) IdempotencyKey() string {
	return models.IdempotencyKey(e.ReportID, e.UpdatedAt)
}
