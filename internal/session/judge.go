// Package session runs the verification core: gauntlet scheduling, the
// tick loop that dispatches due bursts, session finalisation, and the
// continuous spot-check and tier machinery for verified agents.
package session

import (
	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/scoring"
)

// GauntletJudge scores webhook responses: the quality gate runs first
// so gamed answers are rejected before the template validator sees
// them, and every rejection names the stage that produced it.
type GauntletJudge struct {
	lib *challenge.Library
}

func NewGauntletJudge(lib *challenge.Library) GauntletJudge {
	return GauntletJudge{lib: lib}
}

func (j GauntletJudge) Judge(inst *core.ChallengeInstance, response string) (bool, string, map[string]interface{}) {
	groundTruth := j.lib.GroundTruth(inst.TemplateID)
	if ok, reason := scoring.QualityGate(inst.Category, groundTruth, response); !ok {
		return false, scoring.GateError(reason), nil
	}
	if !j.lib.Validate(inst.TemplateID, response) {
		return false, "incorrect answer", nil
	}
	return true, "", j.lib.ExtractData(inst.TemplateID, response)
}
