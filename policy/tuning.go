package policy

import (
	"fmt"

	"github.com/crossguard/janitor/models"
)

// Tuning controls how report counts above a guild's thresholds map to action strength. It is deployment-wide;
// the thresholds themselves are per guild.
type Tuning struct {
	// Severity orders categories for reporting the deciding category, most severe first.
	Severity []models.Category `yaml:"severity"`
	// Base is the strength of a category the moment its threshold is reached.
	Base map[models.Category]models.Action `yaml:"base"`
	// Step is how many reports beyond the threshold raise the strength by one level.
	Step int `yaml:"step"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Severity: append([]models.Category(nil), models.AllCategories...),
		Base: map[models.Category]models.Action{
			models.CategoryBigotry:       models.ActionBan,
			models.CategoryImpersonation: models.ActionTimeout,
			models.CategorySpam:          models.ActionTimeout,
			models.CategoryHoneypot:      models.ActionWarn,
		},
		Step: 1,
	}
}

// Merge fills every unset field of t from DefaultTuning.
func (t Tuning) Merge() Tuning {
	def := DefaultTuning()
	if len(t.Severity) == 0 {
		t.Severity = def.Severity
	}
	base := make(map[models.Category]models.Action, len(def.Base))
	for k, v := range def.Base {
		base[k] = v
	}
	for k, v := range t.Base {
		base[k] = v
	}
	t.Base = base
	if t.Step <= 0 {
		t.Step = def.Step
	}
	return t
}

func (t Tuning) Validate() error {
	if len(t.Severity) != len(models.AllCategories) {
		return fmt.Errorf("severity order must list all %d categories exactly once", len(models.AllCategories))
	}
	seen := make(map[models.Category]bool, len(t.Severity))
	for _, c := range t.Severity {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q in severity order", c)
		}
		if seen[c] {
			return fmt.Errorf("category %s listed twice in severity order", c)
		}
		seen[c] = true
	}
	for c, a := range t.Base {
		if !c.Valid() {
			return fmt.Errorf("base strength for unknown category %q", c)
		}
		if !a.Valid() || a == models.ActionNone {
			return fmt.Errorf("base strength for %s must be warn, timeout or ban", c)
		}
	}
	if t.Step < 1 {
		return fmt.Errorf("step must be at least 1")
	}
	return nil
}
