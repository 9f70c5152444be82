// Package quality turns a before/after evaluation pair into a move
// verdict. It prefers exact tablebase categories and falls back to
// engine centipawns when coverage runs out. Classification is a total
// function: unknown distances are a sentinel, never a fault.
package quality

import (
	"github.com/endgamelab/trainer/internal/fen"
	"github.com/endgamelab/trainer/internal/tablebase"
)

// Tier orders verdicts from best to worst.
type Tier int

const (
	TierPerfect Tier = iota
	TierCorrect
	TierSuboptimal
	TierError
	TierBlunder
	TierCriticalError
)

func (t Tier) String() string {
	switch t {
	case TierPerfect:
		return "perfect"
	case TierCorrect:
		return "correct"
	case TierSuboptimal:
		return "suboptimal"
	case TierError:
		return "error"
	case TierBlunder:
		return "blunder"
	case TierCriticalError:
		return "critical-error"
	default:
		return "unknown"
	}
}

// Input is one side of the comparison. Both inputs to Classify are
// expressed from the mover's perspective: the tablebase evaluation (if
// coverage exists) and/or the engine score.
type Input struct {
	Tablebase *tablebase.Evaluation
	CP        *int
	Mate      *int
}

// Verdict is the classification plus a skill-appropriate explanation.
type Verdict struct {
	Tier        Tier   `json:"tier"`
	Explanation string `json:"explanation"`
}

// Tunable thresholds. The DTM bands must stay monotonic: each tier's
// ceiling above the previous one's.
const (
	// win→win DTM-delta bands, plies.
	dtmPerfectMax    = 2
	dtmCorrectMax    = 9
	dtmSuboptimalMax = 14
	dtmBlunderMin    = 25

	// draw→win conversions at most this deep count as Perfect.
	quickWinDTMMax = 10

	// draw→draw DTZ-delta bands, plies conceded.
	drawCorrectMin    = -5
	drawSuboptimalMin = -15

	// Engine fallback centipawn-delta bands.
	cpPerfectMin = 100
	cpCorrectMin = 0
	cpSubMin     = -75
	cpErrorMin   = -250

	// A mover leaving tablebase coverage from a won position must keep
	// at least this engine score or the move is a blunder.
	cpStillWinningMin = 200

	// Synthetic centipawn values for verdicts when only one side of the
	// pair has tablebase coverage.
	cpSyntheticWin  = 1000
	cpSyntheticEdge = 500 // cursed win / blessed loss
)

// HasTablebaseCoverage is the same threshold check the tablebase client
// applies; both layers must agree on what "covered" means.
func HasTablebaseCoverage(pieceCount int) bool {
	return fen.HasTablebaseCoverage(pieceCount)
}

// Classify compares the position before the move with the position
// after it (both from the mover's perspective) and produces a verdict.
func Classify(before, after Input, skill SkillLevel) Verdict {
	tier, detail := classify(before, after)
	return Verdict{Tier: tier, Explanation: Explain(tier, detail, skill)}
}

func classify(before, after Input) (Tier, detail) {
	bt, at := before.Tablebase, after.Tablebase
	switch {
	case bt != nil && at != nil:
		return classifyTablebase(bt, at)
	case bt != nil && bt.Category.IsWin() && at == nil:
		// Ran out of coverage from a won position: the engine decides
		// whether the win survived the transition.
		return classifyCoverageLost(after)
	default:
		return classifyEngine(before, after)
	}
}

type detail struct {
	transition string
	dtmDelta   *int
	cpDelta    *int
}

func classifyTablebase(before, after *tablebase.Evaluation) (Tier, detail) {
	b, a := before.Category, after.Category
	d := detail{transition: string(b) + "→" + string(a)}

	switch {
	case b.IsWin() && a.IsLoss():
		return TierCriticalError, d
	case b.IsWin() && a == tablebase.CategoryDraw:
		return TierBlunder, d
	case b == tablebase.CategoryDraw && a.IsLoss():
		return TierBlunder, d
	case b.IsLoss() && a == tablebase.CategoryDraw:
		return TierCorrect, d
	case b.IsLoss() && a.IsWin():
		return TierPerfect, d
	case b == tablebase.CategoryDraw && a.IsWin():
		if dist, ok := mateDistance(after); ok && dist <= quickWinDTMMax {
			return TierPerfect, d
		}
		return TierCorrect, d
	case b.IsWin() && a.IsWin():
		return classifyWinToWin(before, after, d)
	case b.IsLoss() && a.IsLoss():
		return classifyLossToLoss(before, after, d)
	default: // draw → draw
		return classifyDrawToDraw(before, after, d)
	}
}

// classifyWinToWin grades how much of the winning distance the move
// gave away.
func classifyWinToWin(before, after *tablebase.Evaluation, d detail) (Tier, detail) {
	bDist, bOK := mateDistance(before)
	aDist, aOK := mateDistance(after)
	if !bOK || !aOK {
		return TierCorrect, d // unknown distance, still winning
	}
	delta := aDist - bDist
	d.dtmDelta = &delta

	switch {
	case delta <= dtmPerfectMax:
		return TierPerfect, d
	case delta <= dtmCorrectMax:
		return TierCorrect, d
	case delta <= dtmSuboptimalMax:
		return TierSuboptimal, d
	case delta >= dtmBlunderMin:
		return TierBlunder, d
	case delta > bDist:
		// A concession that exceeds the whole pre-move mate distance is
		// catastrophic even inside the Error band.
		return TierBlunder, d
	default:
		return TierError, d
	}
}

// classifyLossToLoss rewards stretching the defense: a longer mate
// against is the best a lost position offers.
func classifyLossToLoss(before, after *tablebase.Evaluation, d detail) (Tier, detail) {
	bDist, bOK := mateDistance(before)
	aDist, aOK := mateDistance(after)
	if !bOK || !aOK {
		return TierCorrect, d
	}
	// Optimal defense loses one ply per move.
	if aDist+1 >= bDist {
		return TierCorrect, d
	}
	return TierSuboptimal, d
}

// classifyDrawToDraw grades the defensive distance conceded within a
// held draw.
func classifyDrawToDraw(before, after *tablebase.Evaluation, d detail) (Tier, detail) {
	bDist, bOK := zeroingDistance(before)
	aDist, aOK := zeroingDistance(after)
	if !bOK || !aOK {
		return TierCorrect, d
	}
	delta := aDist - bDist
	d.dtmDelta = &delta
	switch {
	case delta >= drawCorrectMin:
		return TierCorrect, d
	case delta >= drawSuboptimalMin:
		return TierSuboptimal, d
	default:
		return TierError, d
	}
}

// classifyCoverageLost handles a tablebase win that left coverage.
func classifyCoverageLost(after Input) (Tier, detail) {
	d := detail{transition: "win→uncovered"}
	score := engineScore(after)
	d.cpDelta = &score
	if after.Mate != nil && *after.Mate < 0 {
		return TierCriticalError, d
	}
	if score < cpStillWinningMin {
		return TierBlunder, d
	}
	return TierCorrect, d
}

// classifyEngine is the centipawn fallback for positions without full
// tablebase coverage on both sides.
func classifyEngine(before, after Input) (Tier, detail) {
	bScore := engineScore(before)
	aScore := engineScore(after)
	delta := aScore - bScore
	d := detail{transition: "engine", cpDelta: &delta}

	mateAgainst := after.Mate != nil && *after.Mate < 0

	switch {
	case delta >= cpPerfectMin:
		return TierPerfect, d
	case delta >= cpCorrectMin:
		return TierCorrect, d
	case delta >= cpSubMin:
		return TierSuboptimal, d
	case delta >= cpErrorMin:
		return TierError, d
	default:
		if mateAgainst {
			return TierCriticalError, d
		}
		return TierBlunder, d
	}
}

// engineScore folds an input into mover-perspective centipawns. A
// tablebase verdict without engine data gets a synthetic score; forced
// mates dominate every centipawn value.
func engineScore(in Input) int {
	if in.Mate != nil {
		m := *in.Mate
		if m > 0 {
			return 10000 - m
		}
		return -10000 - m
	}
	if in.CP != nil {
		return *in.CP
	}
	if in.Tablebase != nil {
		switch in.Tablebase.Category {
		case tablebase.CategoryWin:
			return cpSyntheticWin
		case tablebase.CategoryCursedWin:
			return cpSyntheticEdge
		case tablebase.CategoryBlessedLoss:
			return -cpSyntheticEdge
		case tablebase.CategoryLoss:
			return -cpSyntheticWin
		}
	}
	return 0
}

// mateDistance returns the absolute distance to mate, when known.
func mateDistance(e *tablebase.Evaluation) (int, bool) {
	if e.DTM == nil {
		return 0, false
	}
	d := *e.DTM
	if d < 0 {
		d = -d
	}
	return d, true
}

// zeroingDistance returns the absolute distance to zeroing, when known.
func zeroingDistance(e *tablebase.Evaluation) (int, bool) {
	if e.DTZ == nil {
		return 0, false
	}
	d := *e.DTZ
	if d < 0 {
		d = -d
	}
	return d, true
}
