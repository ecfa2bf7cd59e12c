package process

import (
	"strings"

	"github.com/mlindgren/lagesbild/internal/model"
)

// severityTable maps normalized type labels to severity levels.
var severityTable = map[string]int{
	"skottlossning": 5,
	"explosion":     5,
	"mord/dråp":     5,
	"gisslan":       5,
	"rån":           4,
	"misshandel":    4,
	"brand":         4,
	"våld/hot mot tjänsteman": 4,
	"inbrott":        3,
	"stöld":          3,
	"trafikolycka":   3,
	"narkotikabrott": 3,
	"försvunnen person": 3,
	"skadegörelse": 2,
	"fylleri/lob":  2,
	"trafikkontroll": 1,
	"sammanfattning": 1,
}

// fuzzyKeywords is the substring fallback when no exact table entry matches.
// Checked in order; first hit wins.
var fuzzyKeywords = []struct {
	keyword string
	level   int
}{
	{"skott", 5},
	{"spräng", 5},
	{"mord", 5},
	{"explosion", 5},
	{"rån", 4},
	{"misshandel", 4},
	{"brand", 4},
	{"våld", 4},
	{"inbrott", 3},
	{"stöld", 3},
	{"olycka", 3},
	{"narkotika", 3},
}

// criticalKeywords scanned against the title can force severity to the
// maximum regardless of the type-derived level. Weapon and fatality terms.
var criticalKeywords = []string{
	"skott", "skjuten", "skjutning",
	"explosion", "detonation", "spräng",
	"mord", "dråp", "avliden", "död ",
	"kniv", "vapen", "beväpnad",
	"gisslan", "terror",
}

// defaultSeverityLevel applies when neither the table nor the fuzzy match
// recognizes the type.
const defaultSeverityLevel = 2

// ClassifySeverity resolves the severity for a normalized type label, then
// scans the title for critical keywords that can only raise the level.
func ClassifySeverity(typ, title string) model.Severity {
	level, ok := severityTable[typ]
	if !ok {
		level = fuzzyMatch(typ)
	}

	lowerTitle := strings.ToLower(title)
	for _, kw := range criticalKeywords {
		if strings.Contains(lowerTitle, kw) {
			if level < 5 {
				level = 5
			}
			break
		}
	}

	return severityFor(level)
}

func fuzzyMatch(typ string) int {
	for _, fk := range fuzzyKeywords {
		if strings.Contains(typ, fk.keyword) {
			return fk.level
		}
	}
	return defaultSeverityLevel
}

// severityFor fills in the priority label and color for a level.
func severityFor(level int) model.Severity {
	switch level {
	case 5:
		return model.Severity{Level: 5, Priority: "critical", Color: "#d32f2f"}
	case 4:
		return model.Severity{Level: 4, Priority: "high", Color: "#f57c00"}
	case 3:
		return model.Severity{Level: 3, Priority: "medium", Color: "#fbc02d"}
	case 2:
		return model.Severity{Level: 2, Priority: "low", Color: "#7cb342"}
	default:
		return model.Severity{Level: 1, Priority: "info", Color: "#90a4ae"}
	}
}

// streetCues indicate a positioned, street-level location.
var streetCues = []string{
	"gatan", "gata", "vägen", "väg ", "torget", "torg", "plan ",
	"allén", "allé", "bron", "rondellen", "avfart", "korsning",
	"esplanaden", "leden", "stigen", "gränd",
}

// vagueCues indicate the text only names an area, not a point.
var vagueCues = []string{
	"okänd plats", "oklart var", "i området", "i trakten",
	"någonstans", "i kommunen", "i länet", "centrala", "utanför",
	"i närheten",
}

// ClassifyAccuracy is a text heuristic: exact only if a street-type cue is
// present AND no vagueness cue is present.
func ClassifyAccuracy(text string) model.LocationAccuracy {
	lower := strings.ToLower(text)

	hasStreet := false
	for _, cue := range streetCues {
		if strings.Contains(lower, cue) {
			hasStreet = true
			break
		}
	}
	if !hasStreet {
		return model.LocationApproximate
	}
	for _, cue := range vagueCues {
		if strings.Contains(lower, cue) {
			return model.LocationApproximate
		}
	}
	return model.LocationExact
}
