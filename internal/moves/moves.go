// Package moves wraps chess move generation and application behind the
// small surface the trainer needs.
package moves

import (
	"fmt"

	"github.com/notnil/chess"

	"github.com/endgamelab/trainer/internal/fen"
)

// IllegalMoveError reports a move that is syntactically or legally
// invalid in its position.
type IllegalMoveError struct {
	FEN    string
	Move   string
	Reason string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move %q in %q: %s", e.Move, e.FEN, e.Reason)
}

// Service answers move questions for FEN positions.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// LegalMoves returns every legal move in the position, in UCI notation.
func (s *Service) LegalMoves(position string) ([]string, error) {
	pos, _, err := s.parse(position)
	if err != nil {
		return nil, err
	}
	valid := pos.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, m := range valid {
		out = append(out, chess.UCINotation{}.Encode(pos, m))
	}
	return out, nil
}

// Apply plays one UCI move on a position and returns the resulting FEN
// and the move's SAN spelling.
func (s *Service) Apply(position, uci string) (fenAfter, san string, err error) {
	pos, normalized, err := s.parse(position)
	if err != nil {
		return "", "", err
	}
	move, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return "", "", &IllegalMoveError{FEN: normalized, Move: uci, Reason: err.Error()}
	}
	legal := false
	for _, m := range pos.ValidMoves() {
		if m.S1() == move.S1() && m.S2() == move.S2() && m.Promo() == move.Promo() {
			legal = true
			break
		}
	}
	if !legal {
		return "", "", &IllegalMoveError{FEN: normalized, Move: uci, Reason: "not a legal move"}
	}
	san = chess.AlgebraicNotation{}.Encode(pos, move)
	after := pos.Update(move)
	return after.String(), san, nil
}

func (s *Service) parse(position string) (*chess.Position, string, error) {
	normalized, err := fen.Normalize(position)
	if err != nil {
		return nil, "", err
	}
	pos := &chess.Position{}
	if err := pos.UnmarshalText([]byte(normalized)); err != nil {
		return nil, "", &fen.ErrInvalid{FEN: position, Reason: err.Error()}
	}
	return pos, normalized, nil
}
