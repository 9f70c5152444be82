// Package httpapi exposes the trainer's evaluation and move-quality
// pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/endgamelab/trainer/internal/cache"
	"github.com/endgamelab/trainer/internal/engine"
	"github.com/endgamelab/trainer/internal/eval"
	"github.com/endgamelab/trainer/internal/fen"
	"github.com/endgamelab/trainer/internal/moves"
	"github.com/endgamelab/trainer/internal/quality"
	"github.com/endgamelab/trainer/internal/tablebase"
)

// EvaluationSource is the slice of the orchestrator the handlers use.
type EvaluationSource interface {
	Evaluate(ctx context.Context, position string) (eval.Evaluation, error)
	TopMoves(ctx context.Context, position string, n int) ([]tablebase.RankedMove, error)
	CacheStats() cache.Stats
}

// MoveService applies and enumerates moves for the handlers.
type MoveService interface {
	LegalMoves(position string) ([]string, error)
	Apply(position, uci string) (fenAfter, san string, err error)
}

// TablebaseStats exposes the oracle client's response cache counters.
type TablebaseStats interface {
	CacheStats() cache.Stats
}

// EngineAdmin exposes the engine session's state and tunables.
type EngineAdmin interface {
	State() engine.State
	Ready() bool
	Options() engine.Options
	UpdateOptions(patch engine.OptionsPatch)
}

// Handler serves the trainer API.
type Handler struct {
	ev  EvaluationSource
	mv  MoveService
	tb  TablebaseStats // optional
	eng EngineAdmin    // optional; nil means tablebase-only
	log zerolog.Logger
}

// NewRouter wires the trainer endpoints with request-id, access-log and
// CORS middleware plus pprof. tb and eng are optional; nil hides their
// stats and, for eng, the options endpoint.
func NewRouter(log zerolog.Logger, ev EvaluationSource, mv MoveService, tb TablebaseStats, eng EngineAdmin) http.Handler {
	h := &Handler{ev: ev, mv: mv, tb: tb, eng: eng, log: log}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/readyz", http.HandlerFunc(h.health))
	mux.Handle("/v1/eval", http.HandlerFunc(h.evaluate))
	mux.Handle("/v1/eval/top", http.HandlerFunc(h.topMoves))
	mux.Handle("/v1/moves", http.HandlerFunc(h.legalMoves))
	mux.Handle("/v1/move/check", http.HandlerFunc(h.checkMove))
	mux.Handle("/v1/engine/options", http.HandlerFunc(h.engineOptions))
	mux.Handle("/v1/stats", http.HandlerFunc(h.stats))

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(log, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	position := r.URL.Query().Get("fen")
	if position == "" {
		writeError(w, http.StatusBadRequest, "missing fen parameter")
		return
	}
	res, err := h.ev.Evaluate(r.Context(), position)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *Handler) topMoves(w http.ResponseWriter, r *http.Request) {
	position := r.URL.Query().Get("fen")
	if position == "" {
		writeError(w, http.StatusBadRequest, "missing fen parameter")
		return
	}
	n := 5
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 50 {
			writeError(w, http.StatusBadRequest, "n must be an integer in 1..50")
			return
		}
		n = v
	}
	ranked, err := h.ev.TopMoves(r.Context(), position, n)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}
	writeJSON(w, map[string]any{"fen": position, "moves": ranked})
}

func (h *Handler) legalMoves(w http.ResponseWriter, r *http.Request) {
	position := r.URL.Query().Get("fen")
	if position == "" {
		writeError(w, http.StatusBadRequest, "missing fen parameter")
		return
	}
	uci, err := h.mv.LegalMoves(position)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}
	writeJSON(w, map[string]any{"fen": position, "moves": uci})
}

// CheckMoveRequest is the body of POST /v1/move/check.
type CheckMoveRequest struct {
	FEN   string `json:"fen"`
	Move  string `json:"move"`  // UCI
	Skill string `json:"skill"` // beginner/intermediate/advanced/expert
}

// CheckMoveResponse carries the verdict plus both evaluations so the
// UI can show its own detail.
type CheckMoveResponse struct {
	FEN         string          `json:"fen"`
	Move        string          `json:"move"`
	SAN         string          `json:"san"`
	FENAfter    string          `json:"fen_after"`
	Tier        string          `json:"tier"`
	Explanation string          `json:"explanation"`
	Before      eval.Evaluation `json:"before"`
	After       eval.Evaluation `json:"after"`
	Degraded    bool            `json:"degraded,omitempty"`
}

func (h *Handler) checkMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req CheckMoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.FEN == "" || req.Move == "" {
		writeError(w, http.StatusBadRequest, "fen and move are required")
		return
	}

	fenAfter, san, err := h.mv.Apply(req.FEN, req.Move)
	if err != nil {
		var ill *moves.IllegalMoveError
		if errors.As(err, &ill) {
			writeError(w, http.StatusUnprocessableEntity, ill.Error())
			return
		}
		h.writeEvalError(w, err)
		return
	}

	moverWhite, err := fen.WhiteToMove(req.FEN)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}

	before, err := h.ev.Evaluate(r.Context(), req.FEN)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}
	after, err := h.ev.Evaluate(r.Context(), fenAfter)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}

	verdict := quality.Classify(
		moverInput(before, moverWhite, false),
		moverInput(after, moverWhite, true),
		quality.ParseSkillLevel(req.Skill),
	)

	writeJSON(w, CheckMoveResponse{
		FEN:         req.FEN,
		Move:        req.Move,
		SAN:         san,
		FENAfter:    fenAfter,
		Tier:        verdict.Tier.String(),
		Explanation: verdict.Explanation,
		Before:      before,
		After:       after,
		Degraded:    before.Degraded || after.Degraded,
	})
}

// EngineOptionsRequest is the body of POST /v1/engine/options. Absent
// fields leave the stored setting untouched.
type EngineOptionsRequest struct {
	Depth      *int `json:"depth"`
	MoveTimeMS *int `json:"move_time_ms"`
	Nodes      *int `json:"nodes"`
	Threads    *int `json:"threads"`
	HashMB     *int `json:"hash_mb"`
	SkillLevel *int `json:"skill_level"`
}

func (h *Handler) engineOptions(w http.ResponseWriter, r *http.Request) {
	if h.eng == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.eng.Options())
	case http.MethodPost:
		var req EngineOptionsRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
		for _, v := range []*int{req.Depth, req.MoveTimeMS, req.Nodes, req.Threads, req.HashMB, req.SkillLevel} {
			if v != nil && *v < 0 {
				writeError(w, http.StatusBadRequest, "option values must be non-negative")
				return
			}
		}
		h.eng.UpdateOptions(engine.OptionsPatch{
			Depth:      req.Depth,
			MoveTimeMS: req.MoveTimeMS,
			Nodes:      req.Nodes,
			Threads:    req.Threads,
			HashMB:     req.HashMB,
			SkillLevel: req.SkillLevel,
		})
		writeJSON(w, h.eng.Options())
	default:
		writeError(w, http.StatusMethodNotAllowed, "use GET or POST")
	}
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	s := h.ev.CacheStats()
	out := map[string]any{
		"eval_cache_hits":   s.Hits,
		"eval_cache_misses": s.Misses,
		"eval_cache_size":   s.Size,
		"eval_cache_max":    s.MaxSize,
	}
	if h.tb != nil {
		t := h.tb.CacheStats()
		out["tablebase_cache_hits"] = t.Hits
		out["tablebase_cache_misses"] = t.Misses
		out["tablebase_cache_size"] = t.Size
		out["tablebase_cache_max"] = t.MaxSize
	}
	if h.eng != nil {
		out["engine_state"] = h.eng.State().String()
		out["engine_ready"] = h.eng.Ready()
	}
	writeJSON(w, out)
}

// moverInput converts a merged evaluation into the mover's perspective.
// Tablebase results are stated for the side to move, so the position
// after the move must be flipped back to the mover. Engine results are
// White-positive, so a Black mover negates.
func moverInput(e eval.Evaluation, moverWhite, flipTB bool) quality.Input {
	var in quality.Input
	if e.Tablebase != nil {
		tb := *e.Tablebase
		if flipTB {
			tb = tb.Flip()
		}
		in.Tablebase = &tb
	}
	if e.Engine != nil {
		if e.Engine.CP != nil {
			v := *e.Engine.CP
			if !moverWhite {
				v = -v
			}
			in.CP = &v
		}
		if e.Engine.Mate != nil {
			v := *e.Engine.Mate
			if !moverWhite {
				v = -v
			}
			in.Mate = &v
		}
	}
	return in
}

func (h *Handler) writeEvalError(w http.ResponseWriter, err error) {
	var invalid *fen.ErrInvalid
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, tablebase.ErrRetriesExhausted),
		errors.Is(err, tablebase.ErrTimeoutExhausted):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
