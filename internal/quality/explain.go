package quality

import "fmt"

// SkillLevel selects how much detail an explanation carries. It never
// changes the verdict itself.
type SkillLevel int

const (
	SkillBeginner SkillLevel = iota
	SkillIntermediate
	SkillAdvanced
	SkillExpert
)

// ParseSkillLevel maps a request string to a level, defaulting to
// intermediate.
func ParseSkillLevel(s string) SkillLevel {
	switch s {
	case "beginner":
		return SkillBeginner
	case "advanced":
		return SkillAdvanced
	case "expert":
		return SkillExpert
	default:
		return SkillIntermediate
	}
}

var baseText = map[Tier]string{
	TierPerfect:       "Best move.",
	TierCorrect:       "Good move, the result is unchanged.",
	TierSuboptimal:    "Playable, but there was a faster way.",
	TierError:         "Inaccurate, this makes your task much harder.",
	TierBlunder:       "This throws away the result.",
	TierCriticalError: "This loses a won position.",
}

var beginnerText = map[Tier]string{
	TierPerfect:       "Great move!",
	TierCorrect:       "Good move.",
	TierSuboptimal:    "That works, but look for something quicker.",
	TierError:         "Careful, that makes things harder.",
	TierBlunder:       "Oops, that gives away your result.",
	TierCriticalError: "Oh no, that turns a win into a loss.",
}

// Explain renders a verdict explanation for a skill level. Advanced and
// expert phrasings include the numeric detail when it is known.
func Explain(tier Tier, d detail, skill SkillLevel) string {
	text := baseText[tier]
	if skill == SkillBeginner {
		return beginnerText[tier]
	}
	if skill < SkillAdvanced {
		return text
	}
	switch {
	case d.dtmDelta != nil:
		text = fmt.Sprintf("%s Distance delta: %+d plies.", text, *d.dtmDelta)
	case d.cpDelta != nil && skill == SkillExpert:
		text = fmt.Sprintf("%s Engine swing: %+d cp.", text, *d.cpDelta)
	}
	if d.transition != "" && skill == SkillExpert {
		text = fmt.Sprintf("%s (%s)", text, d.transition)
	}
	return text
}
