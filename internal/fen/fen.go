// Package fen normalizes and validates the FEN strings used as position
// keys by the evaluation pipeline.
package fen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notnil/chess"
)

// MaxTablebasePieces is the largest piece count the remote tablebase
// covers. Shared by the tablebase client and the move classifier so the
// two never disagree about coverage.
const MaxTablebasePieces = 7

// ErrInvalid reports a structurally malformed position string.
type ErrInvalid struct {
	FEN    string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid fen %q: %s", e.FEN, e.Reason)
}

func invalid(fen, reason string) error {
	return &ErrInvalid{FEN: fen, Reason: reason}
}

// Normalize trims and canonicalizes a FEN string and validates it.
// The returned string is the canonical cache key: fields separated by a
// single space, no surrounding whitespace.
func Normalize(raw string) (string, error) {
	fields := strings.Fields(raw)
	if len(fields) != 6 {
		return "", invalid(raw, fmt.Sprintf("expected 6 fields, got %d", len(fields)))
	}

	if err := validateBoard(raw, fields[0]); err != nil {
		return "", err
	}
	if fields[1] != "w" && fields[1] != "b" {
		return "", invalid(raw, "side to move must be w or b")
	}
	if err := validateCastling(raw, fields[2]); err != nil {
		return "", err
	}
	if err := validateEnPassant(raw, fields[3]); err != nil {
		return "", err
	}
	for _, i := range []int{4, 5} {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return "", invalid(raw, "move clocks must be non-negative integers")
		}
	}

	normalized := strings.Join(fields, " ")

	// Structural checks passed; let the chess library reject positions
	// that are not actually reachable board states (missing kings,
	// pawns on back ranks, impossible en-passant squares).
	pos := &chess.Position{}
	if err := pos.UnmarshalText([]byte(normalized)); err != nil {
		return "", invalid(raw, err.Error())
	}

	return normalized, nil
}

func validateBoard(raw, board string) error {
	ranks := strings.Split(board, "/")
	if len(ranks) != 8 {
		return invalid(raw, fmt.Sprintf("expected 8 ranks, got %d", len(ranks)))
	}
	for i, rank := range ranks {
		width := 0
		for _, r := range rank {
			switch {
			case r >= '1' && r <= '8':
				width += int(r - '0')
			case strings.ContainsRune("pnbrqkPNBRQK", r):
				width++
			default:
				return invalid(raw, fmt.Sprintf("bad piece %q in rank %d", r, 8-i))
			}
		}
		if width != 8 {
			return invalid(raw, fmt.Sprintf("rank %d is %d squares wide", 8-i, width))
		}
	}
	return nil
}

func validateCastling(raw, castling string) error {
	if castling == "-" {
		return nil
	}
	if castling == "" || len(castling) > 4 {
		return invalid(raw, "bad castling field")
	}
	for _, r := range castling {
		if !strings.ContainsRune("KQkq", r) {
			return invalid(raw, "bad castling field")
		}
	}
	return nil
}

func validateEnPassant(raw, ep string) error {
	if ep == "-" {
		return nil
	}
	if len(ep) != 2 || ep[0] < 'a' || ep[0] > 'h' || (ep[1] != '3' && ep[1] != '6') {
		return invalid(raw, "bad en-passant square")
	}
	return nil
}

// PieceCount returns the number of pieces on the board, both colors
// included. The input does not need to be fully legal, only shaped like
// a FEN.
func PieceCount(fen string) (int, error) {
	fields := strings.Fields(fen)
	if len(fields) == 0 {
		return 0, invalid(fen, "empty position")
	}
	count := 0
	for _, r := range fields[0] {
		if strings.ContainsRune("pnbrqkPNBRQK", r) {
			count++
		}
	}
	if count == 0 {
		return 0, invalid(fen, "no pieces on board")
	}
	return count, nil
}

// HasTablebaseCoverage reports whether a position with the given piece
// count can be answered exactly by the tablebase.
func HasTablebaseCoverage(pieceCount int) bool {
	return pieceCount > 0 && pieceCount <= MaxTablebasePieces
}

// WhiteToMove reports the side to move of a FEN string.
func WhiteToMove(fen string) (bool, error) {
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return false, invalid(fen, "missing side to move")
	}
	switch fields[1] {
	case "w":
		return true, nil
	case "b":
		return false, nil
	}
	return false, invalid(fen, "side to move must be w or b")
}
