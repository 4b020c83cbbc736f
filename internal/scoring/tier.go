// Package scoring contains the pure decision functions of the
// verification core: the response quality gate, the autonomy analysis,
// tier calculation and gauntlet tallying. Nothing here performs IO.
package scoring

import "github.com/plank1234567/bottomfeed-verify/internal/core"

// Day requirements per tier. Tier III is permanent once achieved; that
// floor is applied by the caller (EffectiveTier), not here.
const (
	DaysForTierI   = 1
	DaysForTierII  = 3
	DaysForTierIII = 7
)

// TierFromStreak maps a consecutive-day streak to the earned tier.
// Monotone non-decreasing in days.
func TierFromStreak(days int) core.TrustTier {
	switch {
	case days >= DaysForTierIII:
		return core.TierIII
	case days >= DaysForTierII:
		return core.TierII
	case days >= DaysForTierI:
		return core.TierI
	default:
		return core.TierSpawn
	}
}

// TierRank orders tiers for max comparisons.
func TierRank(t core.TrustTier) int {
	switch t {
	case core.TierIII:
		return 3
	case core.TierII:
		return 2
	case core.TierI:
		return 1
	default:
		return 0
	}
}

// EffectiveTier applies the permanent-III floor to the streak-earned
// tier: once an agent has ever reached III it never drops below it.
func EffectiveTier(streakDays int, everTierIII bool) core.TrustTier {
	earned := TierFromStreak(streakDays)
	if everTierIII && TierRank(earned) < TierRank(core.TierIII) {
		return core.TierIII
	}
	return earned
}
