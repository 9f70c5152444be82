// Package eval merges the two evaluation sources behind one cached,
// deduplicated, cancellable façade: the tablebase answers exactly when
// it can, the engine fills the gaps heuristically.
package eval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/endgamelab/trainer/internal/cache"
	"github.com/endgamelab/trainer/internal/engine"
	"github.com/endgamelab/trainer/internal/fen"
	"github.com/endgamelab/trainer/internal/tablebase"
)

// TablebaseSource is the slice of the tablebase client the orchestrator
// consumes.
type TablebaseSource interface {
	GetEvaluation(ctx context.Context, position string) (tablebase.Outcome, error)
	GetTopMoves(ctx context.Context, position string, n int) ([]tablebase.RankedMove, error)
}

// EngineSource is the slice of the engine client the orchestrator
// consumes. Initialize reports readiness as a boolean so a dead engine
// degrades the pipeline instead of failing it.
type EngineSource interface {
	Initialize(ctx context.Context) bool
	Evaluate(ctx context.Context, position string) (engine.Result, error)
}

// Source names which evaluation path produced a result.
type Source string

const (
	SourceTablebase Source = "tablebase"
	SourceEngine    Source = "engine"
	SourceNone      Source = "none"
)

// Evaluation is the merged result for one position. Exactly one of
// Tablebase/Engine is set for the tablebase and engine sources; neither
// for SourceNone. Degraded records that a preferred path failed and a
// weaker one answered instead.
type Evaluation struct {
	FEN            string                `json:"fen"`
	Source         Source                `json:"source"`
	Tablebase      *tablebase.Evaluation `json:"tablebase,omitempty"`
	Engine         *engine.Result        `json:"engine,omitempty"`
	Degraded       bool                  `json:"degraded,omitempty"`
	DegradedReason string                `json:"degraded_reason,omitempty"`
}

var errNoTablebase = errors.New("eval: tablebase source is required")

// Config configures an Evaluator.
type Config struct {
	Tablebase TablebaseSource
	Engine    EngineSource // optional; nil means tablebase-only
	Logger    zerolog.Logger

	CacheSize      int           // merged-result cache entries (default 100)
	CacheTTL       time.Duration // merged-result freshness (default 5m)
	RequestTimeout time.Duration // ceiling for one underlying evaluation (default 30s)
}

// Evaluator answers evaluation requests tablebase-first. Identical
// concurrent requests share one underlying fetch; results are cached by
// normalized FEN.
type Evaluator struct {
	tb      TablebaseSource
	eng     EngineSource
	log     zerolog.Logger
	cache   *cache.Cache[string, Evaluation]
	flight  singleflight.Group
	timeout time.Duration
}

// New creates an Evaluator. The tablebase source is required.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Tablebase == nil {
		return nil, errNoTablebase
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 100
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c, err := cache.New[string, Evaluation](cfg.CacheSize, cache.Config{DefaultTTL: cfg.CacheTTL})
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		tb:      cfg.Tablebase,
		eng:     cfg.Engine,
		log:     cfg.Logger,
		cache:   c,
		timeout: cfg.RequestTimeout,
	}, nil
}

// Evaluate returns the merged evaluation for a position. The underlying
// work runs on its own deadline, detached from any single caller, so
// one caller cancelling never poisons the shared flight; the caller's
// own wait remains cancellable through ctx.
func (e *Evaluator) Evaluate(ctx context.Context, position string) (Evaluation, error) {
	normalized, err := fen.Normalize(position)
	if err != nil {
		return Evaluation{}, err
	}

	if cached, ok := e.cache.Get(normalized); ok {
		return cached, nil
	}

	ch := e.flight.DoChan(normalized, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		return e.evaluate(flightCtx, normalized)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Evaluation{}, res.Err
		}
		return res.Val.(Evaluation), nil
	case <-ctx.Done():
		return Evaluation{}, ctx.Err()
	}
}

// TopMoves returns the oracle's ranked candidate moves for a position.
func (e *Evaluator) TopMoves(ctx context.Context, position string, n int) ([]tablebase.RankedMove, error) {
	normalized, err := fen.Normalize(position)
	if err != nil {
		return nil, err
	}
	return e.tb.GetTopMoves(ctx, normalized, n)
}

// CacheStats exposes the merged-result cache counters.
func (e *Evaluator) CacheStats() cache.Stats {
	return e.cache.GetStats()
}

// evaluate runs the tablebase-first strategy for one position.
func (e *Evaluator) evaluate(ctx context.Context, normalized string) (Evaluation, error) {
	out := Evaluation{FEN: normalized, Source: SourceNone}

	tbOut, err := e.tb.GetEvaluation(ctx, normalized)
	switch {
	case err == nil && tbOut.Available:
		ev := tbOut.Evaluation
		out.Source = SourceTablebase
		out.Tablebase = &ev
		e.store(ctx, normalized, out)
		return out, nil
	case err != nil:
		// An oracle error is not "no data": record the degradation and
		// let the engine answer as a fallback.
		out.Degraded = true
		out.DegradedReason = err.Error()
		e.log.Warn().Err(err).Str("fen", normalized).Msg("tablebase failed, degrading to engine")
	}

	if e.eng != nil {
		if e.eng.Initialize(ctx) {
			res, engErr := e.eng.Evaluate(ctx, normalized)
			if engErr == nil {
				out.Source = SourceEngine
				out.Engine = &res
				e.store(ctx, normalized, out)
				return out, nil
			}
			out.Degraded = true
			out.DegradedReason = joinReason(out.DegradedReason, engErr.Error())
			e.log.Warn().Err(engErr).Str("fen", normalized).Msg("engine evaluation failed")
		} else {
			out.Degraded = true
			out.DegradedReason = joinReason(out.DegradedReason, "engine unavailable")
		}
	}

	if ctx.Err() != nil {
		return Evaluation{}, ctx.Err()
	}
	// No path answered: a defined "no evaluation" outcome, not an error.
	return out, nil
}

// store caches a merged result unless the request was cancelled or the
// result is degraded; degraded answers should be retried, not pinned.
func (e *Evaluator) store(ctx context.Context, key string, v Evaluation) {
	if ctx.Err() != nil || v.Degraded {
		return
	}
	e.cache.Set(key, v)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// Session scopes evaluation requests to one logical caller. A newer
// request for a different position cancels the in-flight one; the
// superseded call returns context.Canceled to its own waiter only.
type Session struct {
	ev *Evaluator

	mu     sync.Mutex
	active *sessionRequest
}

// sessionRequest identifies one in-flight call, so a finished call only
// clears its own slot and never another concurrent call's.
type sessionRequest struct {
	position string
	cancel   context.CancelFunc
}

// NewSession creates a per-caller handle on the evaluator.
func (e *Evaluator) NewSession() *Session {
	return &Session{ev: e}
}

// Evaluate behaves like Evaluator.Evaluate but supersedes any in-flight
// request this session made for a different position.
func (s *Session) Evaluate(ctx context.Context, position string) (Evaluation, error) {
	normalized, err := fen.Normalize(position)
	if err != nil {
		return Evaluation{}, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &sessionRequest{position: normalized, cancel: cancel}

	s.mu.Lock()
	if s.active != nil && s.active.position != normalized {
		s.active.cancel()
	}
	s.active = req
	s.mu.Unlock()

	res, err := s.ev.Evaluate(reqCtx, normalized)

	s.mu.Lock()
	if s.active == req {
		s.active = nil
	}
	s.mu.Unlock()
	cancel()

	return res, err
}
