package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Gauntlet acceptance thresholds.
const (
	MinAttemptRate = 0.6
	MinPassRate    = 0.8
)

// SessionTally aggregates instance outcomes for finalisation.
type SessionTally struct {
	Total       int
	Attempted   int
	Passed      int
	Failed      int
	Skipped     int
	PassesByDay []int
	SkipsByDay  []int
	TotalByDay  []int
}

// Tally walks a session's day groups and counts outcomes.
func Tally(s *core.VerificationSession) SessionTally {
	days := len(s.DailyChallenges)
	t := SessionTally{
		PassesByDay: make([]int, days),
		SkipsByDay:  make([]int, days),
		TotalByDay:  make([]int, days),
	}
	for d := range s.DailyChallenges {
		for _, inst := range s.DailyChallenges[d].Challenges {
			t.Total++
			t.TotalByDay[d]++
			switch inst.Status {
			case core.StatusPassed:
				t.Passed++
				t.Attempted++
				t.PassesByDay[d]++
			case core.StatusFailed:
				t.Failed++
				t.Attempted++
			case core.StatusSkipped:
				t.Skipped++
				t.SkipsByDay[d]++
			}
		}
	}
	return t
}

// AttemptRate is attempted over total. Skipped does not count.
func (t SessionTally) AttemptRate() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Attempted) / float64(t.Total)
}

// PassRate is passed over attempted.
func (t SessionTally) PassRate() float64 {
	if t.Attempted == 0 {
		return 0
	}
	return float64(t.Passed) / float64(t.Attempted)
}

// DaysMissingPass lists 1-based day numbers that had challenges but no
// successful response.
func (t SessionTally) DaysMissingPass() []int {
	var missing []int
	for d := range t.PassesByDay {
		if t.TotalByDay[d] > 0 && t.PassesByDay[d] == 0 {
			missing = append(missing, d+1)
		}
	}
	sort.Ints(missing)
	return missing
}

// ConsecutiveDays counts gauntlet days that qualify for the initial
// streak: the day has at least one instance and its skip count stays
// within the grace allowance. The count stops at the first bad day.
func (t SessionTally) ConsecutiveDays(skipsAllowed int) int {
	streak := 0
	for d := range t.TotalByDay {
		if t.TotalByDay[d] == 0 || t.SkipsByDay[d] > skipsAllowed {
			break
		}
		streak++
	}
	return streak
}

// RejectionReason produces the gate-specific failure text for
// finalisation, empty when the gates pass. Autonomy is checked by the
// caller since it may be waived in test mode.
func (t SessionTally) RejectionReason(waivePerDay bool) string {
	if t.AttemptRate() < MinAttemptRate {
		return fmt.Sprintf("Too few challenge responses: attempted %d of %d (need %.0f%%)",
			t.Attempted, t.Total, MinAttemptRate*100)
	}
	if !waivePerDay {
		if missing := t.DaysMissingPass(); len(missing) > 0 {
			parts := make([]string, len(missing))
			for i, d := range missing {
				parts[i] = fmt.Sprintf("%d", d)
			}
			return fmt.Sprintf("Missing successful responses on day(s): %s", strings.Join(parts, ", "))
		}
	}
	if t.PassRate() < MinPassRate {
		return fmt.Sprintf("Passed %d/%d attempted challenges (need %.0f%%)",
			t.Passed, t.Attempted, MinPassRate*100)
	}
	return ""
}
