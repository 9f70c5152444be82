package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endgamelab/trainer/internal/cache"
	"github.com/endgamelab/trainer/internal/engine"
	"github.com/endgamelab/trainer/internal/eval"
	"github.com/endgamelab/trainer/internal/fen"
	"github.com/endgamelab/trainer/internal/moves"
	"github.com/endgamelab/trainer/internal/tablebase"
)

type fakeEval struct {
	evals map[string]eval.Evaluation
	moves []tablebase.RankedMove
	err   error
}

func (f *fakeEval) Evaluate(ctx context.Context, position string) (eval.Evaluation, error) {
	if f.err != nil {
		return eval.Evaluation{}, f.err
	}
	normalized, err := fen.Normalize(position)
	if err != nil {
		return eval.Evaluation{}, err
	}
	if v, ok := f.evals[normalized]; ok {
		return v, nil
	}
	return eval.Evaluation{FEN: normalized, Source: eval.SourceNone}, nil
}

func (f *fakeEval) TopMoves(ctx context.Context, position string, n int) ([]tablebase.RankedMove, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.moves) {
		return f.moves[:n], nil
	}
	return f.moves, nil
}

func (f *fakeEval) CacheStats() cache.Stats {
	return cache.Stats{Size: 2, MaxSize: 100, Hits: 7, Misses: 3}
}

func intp(v int) *int { return &v }

func tbEval(category tablebase.Category, dtm int) eval.Evaluation {
	ev := tablebase.Evaluation{
		WDL:      category.WDL(),
		DTM:      intp(dtm),
		Category: category,
		Precise:  true,
	}
	return eval.Evaluation{Source: eval.SourceTablebase, Tablebase: &ev}
}

type fakeTBStats struct{}

func (fakeTBStats) CacheStats() cache.Stats {
	return cache.Stats{Size: 5, MaxSize: 200, Hits: 11, Misses: 4}
}

type fakeEngineAdmin struct {
	opts    engine.Options
	patches []engine.OptionsPatch
}

func (f *fakeEngineAdmin) State() engine.State { return engine.StateReady }
func (f *fakeEngineAdmin) Ready() bool         { return true }
func (f *fakeEngineAdmin) Options() engine.Options {
	return f.opts
}
func (f *fakeEngineAdmin) UpdateOptions(patch engine.OptionsPatch) {
	f.patches = append(f.patches, patch)
	f.opts = f.opts.Merge(patch)
}

func newTestRouter(f *fakeEval) http.Handler {
	return NewRouter(zerolog.Nop(), f, moves.NewService(), nil, nil)
}

func newFullRouter(f *fakeEval, eng *fakeEngineAdmin) http.Handler {
	return NewRouter(zerolog.Nop(), f, moves.NewService(), fakeTBStats{}, eng)
}

func doRequest(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const (
	beforeFEN = "8/8/8/8/4k3/8/4P3/4K3 w - - 0 1"
)

func TestHealth(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestEvaluateEndpoint(t *testing.T) {
	f := &fakeEval{evals: map[string]eval.Evaluation{
		beforeFEN: tbEval(tablebase.CategoryWin, 8),
	}}
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodGet, "/v1/eval?fen="+urlEncode(beforeFEN), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got eval.Evaluation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, eval.SourceTablebase, got.Source)
	require.NotNil(t, got.Tablebase)
	assert.Equal(t, tablebase.CategoryWin, got.Tablebase.Category)
}

func TestEvaluateMissingFEN(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/eval", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateInvalidFEN(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/eval?fen=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateOracleFailure(t *testing.T) {
	h := newTestRouter(&fakeEval{err: tablebase.ErrRetriesExhausted})
	rec := doRequest(t, h, http.MethodGet, "/v1/eval?fen="+urlEncode(beforeFEN), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestTopMovesEndpoint(t *testing.T) {
	f := &fakeEval{moves: []tablebase.RankedMove{
		{UCI: "e2e3", WDL: tablebase.WDLWin, Category: tablebase.CategoryWin},
		{UCI: "e1d1", WDL: tablebase.WDLDraw, Category: tablebase.CategoryDraw},
	}}
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodGet, "/v1/eval/top?fen="+urlEncode(beforeFEN)+"&n=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Moves []tablebase.RankedMove `json:"moves"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Moves, 1)
	assert.Equal(t, "e2e3", got.Moves[0].UCI)
}

func TestTopMovesRejectsBadN(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/eval/top?fen="+urlEncode(beforeFEN)+"&n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/v1/eval/top?fen="+urlEncode(beforeFEN)+"&n=100", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegalMovesEndpoint(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/moves?fen="+urlEncode(beforeFEN), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Moves []string `json:"moves"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Moves, "e2e3")
}

func TestCheckMoveEndpoint(t *testing.T) {
	afterFEN, _, err := moves.NewService().Apply(beforeFEN, "e2e3")
	require.NoError(t, err)

	f := &fakeEval{evals: map[string]eval.Evaluation{
		beforeFEN: tbEval(tablebase.CategoryWin, 9),
		afterFEN:  tbEval(tablebase.CategoryLoss, -8), // opponent to move, flips back to a win in 8
	}}
	h := newTestRouter(f)

	body, _ := json.Marshal(CheckMoveRequest{FEN: beforeFEN, Move: "e2e3", Skill: "intermediate"})
	rec := doRequest(t, h, http.MethodPost, "/v1/move/check", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got CheckMoveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "e3", got.SAN)
	assert.Equal(t, afterFEN, got.FENAfter)
	assert.Equal(t, "perfect", got.Tier)
	assert.NotEmpty(t, got.Explanation)
}

func TestCheckMoveIllegal(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	body, _ := json.Marshal(CheckMoveRequest{FEN: beforeFEN, Move: "e2e5"})
	rec := doRequest(t, h, http.MethodPost, "/v1/move/check", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCheckMoveRequiresPost(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/move/check", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckMoveMalformedBody(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodPost, "/v1/move/check", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(7), got["eval_cache_hits"])
	assert.NotContains(t, got, "tablebase_cache_hits")
	assert.NotContains(t, got, "engine_state")
}

func TestStatsEndpointWithAllSources(t *testing.T) {
	h := newFullRouter(&fakeEval{}, &fakeEngineAdmin{})
	rec := doRequest(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(7), got["eval_cache_hits"])
	assert.Equal(t, float64(11), got["tablebase_cache_hits"])
	assert.Equal(t, float64(4), got["tablebase_cache_misses"])
	assert.Equal(t, "ready", got["engine_state"])
	assert.Equal(t, true, got["engine_ready"])
}

func TestEngineOptionsUpdate(t *testing.T) {
	eng := &fakeEngineAdmin{opts: engine.Options{Depth: 20, Threads: 2}}
	h := newFullRouter(&fakeEval{}, eng)

	rec := doRequest(t, h, http.MethodPost, "/v1/engine/options", []byte(`{"depth":30,"hash_mb":256}`))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, eng.patches, 1)
	patch := eng.patches[0]
	require.NotNil(t, patch.Depth)
	assert.Equal(t, 30, *patch.Depth)
	require.NotNil(t, patch.HashMB)
	assert.Equal(t, 256, *patch.HashMB)
	assert.Nil(t, patch.Threads, "absent fields stay untouched")

	var got engine.Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 30, got.Depth)
	assert.Equal(t, 256, got.HashMB)
	assert.Equal(t, 2, got.Threads)
}

func TestEngineOptionsGet(t *testing.T) {
	eng := &fakeEngineAdmin{opts: engine.Options{Depth: 18}}
	h := newFullRouter(&fakeEval{}, eng)

	rec := doRequest(t, h, http.MethodGet, "/v1/engine/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got engine.Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 18, got.Depth)
}

func TestEngineOptionsRejectsNegativeValues(t *testing.T) {
	eng := &fakeEngineAdmin{}
	h := newFullRouter(&fakeEval{}, eng)

	rec := doRequest(t, h, http.MethodPost, "/v1/engine/options", []byte(`{"threads":-1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.patches)
}

func TestEngineOptionsWithoutEngine(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodPost, "/v1/engine/options", []byte(`{"depth":30}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(&fakeEval{})
	rec := doRequest(t, h, http.MethodOptions, "/v1/eval", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func urlEncode(s string) string {
	return url.QueryEscape(s)
}
