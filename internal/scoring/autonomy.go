package scoring

import (
	"fmt"
	"math"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Verdict is the categorical output of the autonomy analysis.
type Verdict string

const (
	VerdictAutonomous    Verdict = "autonomous"
	VerdictSuspicious    Verdict = "suspicious"
	VerdictHumanDirected Verdict = "likely_human_directed"
)

// Signal weights. They sum to 1.0.
const (
	weightVariance  = 0.25
	weightNight     = 0.35
	weightSleep     = 0.20
	weightRespRate  = 0.20
	sleepHourStart  = 22 // [22, 08) UTC counts as human sleep hours
	sleepHourEnd    = 8
	sleepMinSamples = 3
)

// Analysis is the result of the post-hoc autonomy scoring.
type Analysis struct {
	Score   int                `json:"score"`
	Verdict Verdict            `json:"verdict"`
	Signals map[string]float64 `json:"signals"`
	Reasons []string           `json:"reasons"`
}

// Autonomy scores the session's instances for signs of a human
// operator: consistent machine-like latency, night-hour availability,
// offline periods that correlate with sleep, and overall reachability.
func Autonomy(instances []*core.ChallengeInstance) Analysis {
	signals := map[string]float64{}
	var reasons []string

	// Response-time variance: humans answering novel questions show
	// high relative spread; an inference pipeline is steady.
	vScore := 100.0
	if v, ok := latencyVariation(instances); ok && v > 0.5 {
		vScore = 30
		reasons = append(reasons, fmt.Sprintf("response times vary widely (coefficient %.2f), consistent with a human answering by hand", v))
	}
	signals["response_time_variance"] = vScore

	// Night-hour performance.
	nScore := 100.0
	nightTotal, nightAttempted, nightPassed := 0, 0, 0
	for _, inst := range instances {
		if !inst.IsNightChallenge {
			continue
		}
		nightTotal++
		if inst.Attempted() {
			nightAttempted++
		}
		if inst.Status == core.StatusPassed {
			nightPassed++
		}
	}
	if nightTotal > 0 {
		attemptRate := float64(nightAttempted) / float64(nightTotal)
		if attemptRate < 0.5 {
			nScore = 20
			reasons = append(reasons, fmt.Sprintf("missed %d of %d night-hour challenges", nightTotal-nightAttempted, nightTotal))
		} else if nightAttempted > 0 {
			if float64(nightPassed)/float64(nightAttempted) < 0.6 {
				nScore = 50
				reasons = append(reasons, fmt.Sprintf("night-hour answers degraded: %d/%d passed", nightPassed, nightAttempted))
			}
		}
	}
	signals["night_performance"] = nScore

	// Offline sleep correlation over skipped instances' send times.
	sScore := 100.0
	skippedTotal, skippedAtNight := 0, 0
	for _, inst := range instances {
		if inst.Status != core.StatusSkipped || inst.SentAt == nil {
			continue
		}
		skippedTotal++
		h := inst.SentAt.UTC().Hour()
		if h >= sleepHourStart || h < sleepHourEnd {
			skippedAtNight++
		}
	}
	if skippedTotal >= sleepMinSamples {
		frac := float64(skippedAtNight) / float64(skippedTotal)
		if frac > 0.7 {
			sScore = 20
			reasons = append(reasons, fmt.Sprintf("offline periods cluster in human sleep hours (%d of %d)", skippedAtNight, skippedTotal))
		}
	}
	signals["offline_sleep_correlation"] = sScore

	// Overall response rate over sent instances.
	rScore := 100.0
	sent, attempted := 0, 0
	for _, inst := range instances {
		if inst.SentAt == nil {
			continue
		}
		sent++
		if inst.Attempted() {
			attempted++
		}
	}
	if sent > 0 {
		r := float64(attempted) / float64(sent)
		switch {
		case r < 0.6:
			rScore = 30
			reasons = append(reasons, fmt.Sprintf("only %.0f%% of delivered challenges were answered", r*100))
		case r < 0.8:
			rScore = 60
			reasons = append(reasons, fmt.Sprintf("%.0f%% of delivered challenges were answered", r*100))
		}
	}
	signals["response_rate"] = rScore

	score := int(math.Round(
		vScore*weightVariance +
			nScore*weightNight +
			sScore*weightSleep +
			rScore*weightRespRate))

	verdict := VerdictHumanDirected
	switch {
	case score >= 75:
		verdict = VerdictAutonomous
	case score >= 50:
		verdict = VerdictSuspicious
	}

	return Analysis{Score: score, Verdict: verdict, Signals: signals, Reasons: reasons}
}

// latencyVariation returns stddev/mean over passed response times.
func latencyVariation(instances []*core.ChallengeInstance) (float64, bool) {
	var times []float64
	for _, inst := range instances {
		if inst.Status == core.StatusPassed && inst.ResponseTimeMs > 0 {
			times = append(times, float64(inst.ResponseTimeMs))
		}
	}
	if len(times) < 2 {
		return 0, false
	}
	var sum float64
	for _, t := range times {
		sum += t
	}
	mean := sum / float64(len(times))
	if mean == 0 {
		return 0, false
	}
	var variance float64
	for _, t := range times {
		variance += math.Pow(t-mean, 2)
	}
	variance /= float64(len(times))
	return math.Sqrt(variance) / mean, true
}
