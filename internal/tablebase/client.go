// Package tablebase queries a remote endgame oracle over HTTP and
// memoizes its answers. Responses are exact (win/draw/loss with
// distances) for positions with few enough pieces; everything else is an
// explicit "no data" outcome that callers resolve with the engine.
package tablebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/endgamelab/trainer/internal/cache"
	"github.com/endgamelab/trainer/internal/fen"
)

// Config configures a Client. Zero values get sensible defaults.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger

	MaxAttempts    int           // fetch attempts per query (default 3)
	RequestTimeout time.Duration // per-attempt timeout (default 2s)
	RetryDelay     time.Duration // first backoff delay, doubled per retry (default 250ms)
	CacheSize      int           // memoized responses (default 200)
	CacheTTL       time.Duration // response freshness (default 5m)
	MaxPieces      int           // oracle coverage limit (default 7)
}

// Client is a fault-tolerant oracle client. It validates positions
// before going to the network, retries transient failures with
// exponential backoff, and caches successful responses by normalized
// FEN.
type Client struct {
	cfg   Config
	http  *http.Client
	log   zerolog.Logger
	cache *cache.Cache[string, lookup]
}

// lookup is the cached unit: the position verdict plus its ranked
// candidate moves, already re-expressed from the mover's perspective.
type lookup struct {
	Outcome Outcome
	Moves   []RankedMove
}

// NewClient creates a tablebase client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tablebase: base url required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 200
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxPieces == 0 {
		cfg.MaxPieces = fen.MaxTablebasePieces
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c, err := cache.New[string, lookup](cfg.CacheSize, cache.Config{DefaultTTL: cfg.CacheTTL})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:   cfg,
		http:  httpClient,
		log:   cfg.Logger,
		cache: c,
	}, nil
}

// GetEvaluation returns the oracle verdict for a position. Positions
// outside oracle coverage yield Outcome{Available: false} without a
// network call.
func (c *Client) GetEvaluation(ctx context.Context, position string) (Outcome, error) {
	res, err := c.lookupPosition(ctx, position)
	if err != nil {
		return Outcome{}, err
	}
	return res.Outcome, nil
}

// GetTopMoves returns up to n candidate moves ranked best-first for the
// side to move: primary key WDL descending, secondary key the faster
// win or slower loss.
func (c *Client) GetTopMoves(ctx context.Context, position string, n int) ([]RankedMove, error) {
	res, err := c.lookupPosition(ctx, position)
	if err != nil {
		return nil, err
	}
	if !res.Outcome.Available {
		return nil, nil
	}
	moves := res.Moves
	if n > 0 && n < len(moves) {
		moves = moves[:n]
	}
	out := make([]RankedMove, len(moves))
	copy(out, moves)
	return out, nil
}

// ClearCache drops all memoized responses.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// CacheStats exposes the response cache counters.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.GetStats()
}

func (c *Client) lookupPosition(ctx context.Context, position string) (lookup, error) {
	normalized, err := fen.Normalize(position)
	if err != nil {
		return lookup{}, err
	}

	pieces, err := fen.PieceCount(normalized)
	if err != nil {
		return lookup{}, err
	}
	if pieces > c.cfg.MaxPieces {
		return lookup{Outcome: Outcome{Available: false}}, nil
	}

	if cached, ok := c.cache.Get(normalized); ok {
		return cached, nil
	}

	resp, err := c.fetch(ctx, normalized)
	if err != nil {
		if errors.Is(err, errNoData) {
			// Cached too, so unknown positions do not hammer the oracle.
			res := lookup{Outcome: Outcome{Available: false}}
			c.cache.Set(normalized, res)
			return res, nil
		}
		return lookup{}, err
	}

	res, err := buildLookup(resp)
	if err != nil {
		return lookup{}, err
	}
	c.cache.Set(normalized, res)
	return res, nil
}

// errNoData marks an oracle answer of "no data for this position".
var errNoData = errors.New("tablebase: no data")

type wireMove struct {
	UCI      string `json:"uci"`
	SAN      string `json:"san"`
	Category string `json:"category"`
	DTZ      *int   `json:"dtz"`
	DTM      *int   `json:"dtm"`
}

type wireResponse struct {
	Category   string     `json:"category"`
	WDL        *int       `json:"wdl"`
	DTZ        *int       `json:"dtz"`
	PreciseDTZ *int       `json:"precise_dtz"`
	DTM        *int       `json:"dtm"`
	Checkmate  bool       `json:"checkmate"`
	Stalemate  bool       `json:"stalemate"`
	Moves      []wireMove `json:"moves"`
}

// fetch runs the retry loop: transient failures (5xx, 429, timeout,
// network error) back off exponentially up to the attempt cap; any
// other 4xx fails immediately.
func (c *Client) fetch(ctx context.Context, normalized string) (*wireResponse, error) {
	u := fmt.Sprintf("%s/standard?fen=%s", c.cfg.BaseURL, url.QueryEscape(normalized))

	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryDelay << (attempt - 2)
			c.log.Debug().
				Int("attempt", attempt).
				Dur("backoff", delay).
				Str("fen", normalized).
				Msg("tablebase retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, retryable, err := c.attempt(ctx, u)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		timedOut = isTimeout(err)
	}

	c.log.Warn().
		Int("attempts", c.cfg.MaxAttempts).
		Str("fen", normalized).
		Err(lastErr).
		Msg("tablebase retries exhausted")

	if timedOut {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrTimeoutExhausted, c.cfg.MaxAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.cfg.MaxAttempts, lastErr)
}

// attempt performs one HTTP round trip. The second return value reports
// whether the failure is transient.
func (c *Client) attempt(ctx context.Context, u string) (*wireResponse, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, errNoData
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, &HTTPError{Status: resp.StatusCode}
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, &HTTPError{Status: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("tablebase: gzip response: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	var wire wireResponse
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, false, fmt.Errorf("tablebase: decode response: %w", err)
	}
	return &wire, false, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// buildLookup converts a wire response into the cached form: the
// position verdict as reported (side-to-move perspective) and each
// candidate move flipped to the mover's perspective and ranked.
func buildLookup(wire *wireResponse) (lookup, error) {
	category, err := parseCategory(wire.Category)
	if err != nil {
		return lookup{}, err
	}
	if category == CategoryUnknown {
		return lookup{Outcome: Outcome{Available: false}}, nil
	}

	eval := Evaluation{
		Category: category,
		DTZ:      wire.DTZ,
		DTM:      wire.DTM,
		Precise:  wire.DTM != nil || wire.PreciseDTZ != nil || wire.Checkmate || wire.Stalemate,
	}
	if wire.WDL != nil {
		eval.WDL = WDL(*wire.WDL)
	} else {
		eval.WDL = category.WDL()
	}

	moves := make([]RankedMove, 0, len(wire.Moves))
	for _, m := range wire.Moves {
		mc, err := parseCategory(m.Category)
		if err != nil {
			return lookup{}, err
		}
		if mc == CategoryUnknown {
			continue
		}
		// The oracle scores the resulting position for the opponent,
		// the side to move after the move; flip to the mover.
		flipped := Evaluation{Category: mc, WDL: mc.WDL(), DTZ: m.DTZ, DTM: m.DTM}.Flip()
		moves = append(moves, RankedMove{
			UCI:      m.UCI,
			SAN:      m.SAN,
			WDL:      flipped.WDL,
			DTZ:      flipped.DTZ,
			DTM:      flipped.DTM,
			Category: flipped.Category,
		})
	}
	RankMoves(moves)

	return lookup{Outcome: Outcome{Available: true, Evaluation: eval}, Moves: moves}, nil
}

// RankMoves sorts candidate moves best-first for the mover: WDL
// descending, then the faster win or the slower loss by distance-to-zero
// magnitude. The sort is stable, so ranking an already ranked list is a
// no-op.
func RankMoves(moves []RankedMove) {
	sort.SliceStable(moves, func(i, j int) bool {
		a, b := moves[i], moves[j]
		if a.WDL != b.WDL {
			return a.WDL > b.WDL
		}
		da, db := distance(a), distance(b)
		switch {
		case a.WDL > 0:
			return da < db // faster win first
		case a.WDL < 0:
			return da > db // slower loss first
		}
		return false
	})
}

// distance is the distance-to-zero magnitude used for tie-breaking.
// Unknown distances rank as the slowest possible outcome.
func distance(m RankedMove) int {
	if m.DTZ == nil {
		return math.MaxInt
	}
	d := *m.DTZ
	if d < 0 {
		return -d
	}
	return d
}
