package scoring

import (
	"fmt"

	"github.com/crossguard/janitor/models"
)

// Weights assigns each report category its contribution to a score.
type Weights map[models.Category]int64

func DefaultWeights() Weights {
	return Weights{
		models.CategorySpam:          1,
		models.CategoryImpersonation: 2,
		models.CategoryBigotry:       3,
		models.CategoryHoneypot:      1,
	}
}

// Merge returns w with every category from override replaced.
func (w Weights) Merge(override Weights) Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (w Weights) Validate() error {
	for c, v := range w {
		if !c.Valid() {
			return fmt.Errorf("weight for unknown category %q", c)
		}
		if v < 0 {
			return fmt.Errorf("negative weight %d for category %s", v, c)
		}
	}
	return nil
}

// ComputeUserScore is the weighted sum of a user's active report counts.
func ComputeUserScore(w Weights, active map[models.Category]int) int64 {
	var total int64
	for c, n := range active {
		total += w[c] * int64(n)
	}
	return total
}

// GuildTally summarizes every report a guild has filed.
type GuildTally struct {
	Filed        map[models.Category]int
	FalseReports int
}

func (t GuildTally) Total() int {
	n := 0
	for _, v := range t.Filed {
		n += v
	}
	return n
}

// ComputeGuildScore weighs the guild's filed reports by the share of them that were not retracted as false:
// weight(all filed) * (filed - false) / filed. A guild that never filed scores zero.
func ComputeGuildScore(w Weights, t GuildTally) int64 {
	n := int64(t.Total())
	if n == 0 {
		return 0
	}
	f := int64(t.FalseReports)
	if f > n {
		f = n
	}
	return ComputeUserScore(w, t.Filed) * (n - f) / n
}
