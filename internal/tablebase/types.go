package tablebase

import (
	"errors"
	"fmt"
)

// WDL is the win/draw/loss verdict for a position, from the perspective
// of the side to move. 2 is a win, 0 a draw, -2 a loss; the odd values
// are results the 50-move rule can void.
type WDL int

const (
	WDLLoss        WDL = -2
	WDLBlessedLoss WDL = -1
	WDLDraw        WDL = 0
	WDLCursedWin   WDL = 1
	WDLWin         WDL = 2
)

// Category is the oracle's named verdict. It always agrees in sign with
// the WDL value.
type Category string

const (
	CategoryWin         Category = "win"
	CategoryCursedWin   Category = "cursed-win"
	CategoryDraw        Category = "draw"
	CategoryBlessedLoss Category = "blessed-loss"
	CategoryLoss        Category = "loss"
	CategoryUnknown     Category = "unknown"
)

// WDL maps a category to its signed verdict.
func (c Category) WDL() WDL {
	switch c {
	case CategoryWin:
		return WDLWin
	case CategoryCursedWin:
		return WDLCursedWin
	case CategoryBlessedLoss:
		return WDLBlessedLoss
	case CategoryLoss:
		return WDLLoss
	default:
		return WDLDraw
	}
}

// Flip re-expresses a category from the opponent's point of view.
func (c Category) Flip() Category {
	switch c {
	case CategoryWin:
		return CategoryLoss
	case CategoryCursedWin:
		return CategoryBlessedLoss
	case CategoryBlessedLoss:
		return CategoryCursedWin
	case CategoryLoss:
		return CategoryWin
	default:
		return c
	}
}

// IsWin reports a winning verdict, cursed wins included.
func (c Category) IsWin() bool { return c == CategoryWin || c == CategoryCursedWin }

// IsLoss reports a losing verdict, blessed losses included.
func (c Category) IsLoss() bool { return c == CategoryLoss || c == CategoryBlessedLoss }

func parseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryWin, CategoryCursedWin, CategoryDraw, CategoryBlessedLoss, CategoryLoss:
		return Category(s), nil
	case CategoryUnknown, "maybe-win", "maybe-loss", "":
		return CategoryUnknown, nil
	}
	return CategoryUnknown, fmt.Errorf("tablebase: unrecognized category %q", s)
}

// Evaluation is an exact verdict for one position, from the perspective
// of its side to move. Nil DTZ/DTM mean the distance is unknown, not
// zero.
type Evaluation struct {
	WDL      WDL      `json:"wdl"`
	DTZ      *int     `json:"dtz,omitempty"`
	DTM      *int     `json:"dtm,omitempty"`
	Category Category `json:"category"`
	Precise  bool     `json:"precise"`
}

// Flip re-expresses the evaluation from the opponent's point of view.
// Flipping twice returns the original evaluation.
func (e Evaluation) Flip() Evaluation {
	out := Evaluation{
		WDL:      -e.WDL,
		Category: e.Category.Flip(),
		Precise:  e.Precise,
	}
	if e.DTZ != nil {
		out.DTZ = intPtr(-*e.DTZ)
	}
	if e.DTM != nil {
		out.DTM = intPtr(-*e.DTM)
	}
	return out
}

// Outcome is the result of an oracle query. Available is false when the
// oracle has no data for the position (too many pieces, or a gap in its
// coverage); that is a defined outcome, not an error.
type Outcome struct {
	Available  bool       `json:"available"`
	Evaluation Evaluation `json:"evaluation"`
}

// RankedMove annotates one candidate move with the verdict of its
// resulting position, re-expressed from the mover's perspective.
type RankedMove struct {
	UCI      string   `json:"uci"`
	SAN      string   `json:"san"`
	WDL      WDL      `json:"wdl"`
	DTZ      *int     `json:"dtz,omitempty"`
	DTM      *int     `json:"dtm,omitempty"`
	Category Category `json:"category"`
}

// HTTPError is a permanent remote failure: a non-2xx status that is not
// eligible for retry.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tablebase: http status %d", e.Status)
}

var (
	// ErrRetriesExhausted wraps the final transient error once the
	// attempt cap is reached.
	ErrRetriesExhausted = errors.New("tablebase: retries exhausted")
	// ErrTimeoutExhausted is returned instead when every attempt timed
	// out.
	ErrTimeoutExhausted = errors.New("tablebase: timed out after retries")
)

func intPtr(v int) *int { return &v }
