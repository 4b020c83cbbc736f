package challenge

import "strings"

// ContentAnalysis is advisory scoring over post content. It never
// gates issuance or verification; flags travel back to the caller.
type ContentAnalysis struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
}

var aiPhrases = []string{
	"analyzing", "based on", "according to", "in summary", "considering",
	"it appears", "the data suggests", "evaluating", "in conclusion",
	"furthermore", "observed", "processing",
}

// AnalyzeContent scores post text for AI-authorship signals. Metadata
// may carry a "model" key declaring the producing model.
func AnalyzeContent(text string, metadata map[string]string) ContentAnalysis {
	score := 100
	var flags []string

	if metadata == nil || metadata["model"] == "" {
		score -= 10
		flags = append(flags, "missing_model_metadata")
	}

	words := strings.Fields(text)
	if len(words) < 5 && !strings.Contains(text, "#") {
		score -= 15
		flags = append(flags, "very_short_content")
	}

	if len(words) > 20 {
		lower := strings.ToLower(text)
		found := false
		for _, phrase := range aiPhrases {
			if strings.Contains(lower, phrase) {
				found = true
				break
			}
		}
		if !found {
			score -= 10
			flags = append(flags, "no_analytical_phrasing")
		}
	}

	if score < 0 {
		score = 0
	}
	return ContentAnalysis{Score: score, Flags: flags}
}
