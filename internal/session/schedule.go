package session

import (
	"math/rand"
	"sort"
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/config"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Night hours in UTC. Challenges landing here probe whether anyone has
// to be awake to answer.
const (
	nightHourStart = 1
	nightHourEnd   = 6
)

func isNightHour(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= nightHourStart && h < nightHourEnd
}

// buildSchedule lays out the full gauntlet at session start: every
// burst time and every challenge instance, grouped by gauntlet day.
// Each day gets at least one burst so the per-day gate is satisfiable,
// and the first two days carry the mandatory night bursts.
func buildSchedule(rng *rand.Rand, lib *challenge.Library, cfg config.VerificationConfig, start time.Time) []core.DayGroup {
	days := cfg.SessionDays
	minTotal := days * cfg.ChallengesPerDayMin
	maxTotal := days * cfg.ChallengesPerDayMax
	total := minTotal + rng.Intn(maxTotal-minTotal+1)

	numBursts := (total + cfg.BurstSize - 1) / cfg.BurstSize
	if numBursts < days {
		numBursts = days
	}

	window := time.Duration(days) * 24 * time.Hour
	end := start.Add(window)

	burstTimes := make([]time.Time, 0, numBursts)
	for d := 0; d < days; d++ {
		dayStart := start.Add(time.Duration(d) * 24 * time.Hour)
		dayEnd := dayStart.Add(24 * time.Hour)
		if d < cfg.MinNightChallenges {
			burstTimes = append(burstTimes, nightTimeIn(rng, dayStart, dayEnd))
		} else {
			burstTimes = append(burstTimes, uniformTimeIn(rng, dayStart, dayEnd))
		}
	}
	for len(burstTimes) < numBursts {
		burstTimes = append(burstTimes, uniformTimeIn(rng, start, end))
	}
	sort.Slice(burstTimes, func(i, j int) bool { return burstTimes[i].Before(burstTimes[j]) })

	groups := make([]core.DayGroup, days)
	for d := range groups {
		groups[d].DayStart = start.Add(time.Duration(d) * 24 * time.Hour)
	}

	templates := lib.GauntletSet(total)
	next := 0
	for _, bt := range burstTimes {
		size := cfg.BurstSize
		if remaining := len(templates) - next; size > remaining {
			size = remaining
		}
		if size == 0 {
			break
		}
		d := dayIndex(start, bt, days)
		groups[d].BurstTimes = append(groups[d].BurstTimes, bt)
		for i := 0; i < size; i++ {
			inst := challenge.NewInstance(templates[next], bt, isNightHour(bt))
			groups[d].Challenges = append(groups[d].Challenges, inst)
			next++
		}
	}
	return groups
}

func dayIndex(start, t time.Time, days int) int {
	d := int(t.Sub(start) / (24 * time.Hour))
	if d < 0 {
		d = 0
	}
	if d >= days {
		d = days - 1
	}
	return d
}

func uniformTimeIn(rng *rand.Rand, from, to time.Time) time.Time {
	span := to.Sub(from)
	return from.Add(time.Duration(rng.Int63n(int64(span))))
}

// nightTimeIn picks a moment within [from, to) whose UTC hour falls in
// the night window. If the window starts mid-night it uses what is
// left of it, otherwise it waits for the next 01:00 UTC.
func nightTimeIn(rng *rand.Rand, from, to time.Time) time.Time {
	u := from.UTC()
	var nightStart time.Time
	if isNightHour(u) {
		nightStart = from
	} else {
		next := time.Date(u.Year(), u.Month(), u.Day(), nightHourStart, 0, 0, 0, time.UTC)
		if !next.After(u) {
			next = next.Add(24 * time.Hour)
		}
		nightStart = next
	}

	ns := nightStart.UTC()
	nightEnd := time.Date(ns.Year(), ns.Month(), ns.Day(), nightHourEnd, 0, 0, 0, time.UTC)
	if nightEnd.After(to) {
		nightEnd = to
	}
	if !nightEnd.After(nightStart) {
		// Degenerate clipping; fall back to a uniform draw.
		return uniformTimeIn(rng, from, to)
	}
	return uniformTimeIn(rng, nightStart, nightEnd)
}
