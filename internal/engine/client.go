// Package engine owns a background UCI search engine process: a capped
// startup handshake, line-oriented message routing, restart and
// teardown, and depth/time-limited position evaluation. The engine is
// heuristic; exact verdicts come from the tablebase.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/endgamelab/trainer/internal/fen"
)

// State is the lifecycle state of the engine session.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateErrored
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result is one heuristic evaluation. CP is centipawns, White-positive;
// Mate is a signed ply count to forced mate. At most one of the two is
// set; both nil means the engine produced no score.
type Result struct {
	CP       *int   `json:"cp,omitempty"`
	Mate     *int   `json:"mate,omitempty"`
	BestMove string `json:"best_move,omitempty"`
	Depth    int    `json:"depth"`
}

// ErrNotReady is returned by Evaluate when no engine session is up.
var ErrNotReady = errors.New("engine: not ready")

// Config configures a Client. Zero values get defaults.
type Config struct {
	EnginePath string
	Logger     zerolog.Logger
	Options    Options

	StartTimeout    time.Duration // handshake deadline (default 5s)
	SearchTimeout   time.Duration // per-evaluation deadline (default 10s)
	MaxInitAttempts int           // spawn attempts before failing fast (default 3)
}

// handshake tracks one startup attempt. ok is written before done is
// closed, so waiters may read it afterwards without the client lock.
type handshake struct {
	p     proc
	done  chan struct{}
	ok    bool
	timer *time.Timer
}

// Client manages one engine process. All session state is owned by the
// client and mutated only under its lock, on the message-handling path
// or through the exported lifecycle methods.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	spawn spawnFunc

	mu       sync.Mutex
	state    State
	attempts int
	proc     proc
	opts     Options
	hs       *handshake

	// Correlation of search requests to their pending result slots.
	nextToken uint64
	active    uint64 // token whose info lines are being accumulated
	partial   Result
	pending   map[uint64]chan Result

	evalMu sync.Mutex // one search on the wire at a time
}

// NewClient creates an engine client. The process is not spawned until
// Initialize.
func NewClient(cfg Config) *Client {
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = 10 * time.Second
	}
	if cfg.MaxInitAttempts == 0 {
		cfg.MaxInitAttempts = 3
	}
	if cfg.Options.Depth == 0 && cfg.Options.MoveTimeMS == 0 && cfg.Options.Nodes == 0 {
		cfg.Options.Depth = 20
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		opts:    cfg.Options,
		pending: make(map[uint64]chan Result),
	}
	c.spawn = func() (proc, error) { return startProcess(cfg.EnginePath) }
	return c
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the session can take search commands.
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

// Initialize spawns the engine and runs the uci/isready handshake.
// It returns false, never an error, on spawn failure, handshake timeout,
// a crash during startup, or a missing engine binary. Once the attempt
// cap is reached it fails fast until Restart resets the counter.
// Concurrent calls during one handshake all resolve with its outcome.
func (c *Client) Initialize(ctx context.Context) bool {
	c.mu.Lock()

	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return true
	case StateStarting:
		hs := c.hs
		c.mu.Unlock()
		select {
		case <-hs.done:
			return hs.ok
		case <-ctx.Done():
			return false
		}
	}

	if c.cfg.EnginePath == "" {
		c.mu.Unlock()
		c.log.Warn().Msg("engine path not configured, engine unavailable")
		return false
	}
	if c.attempts >= c.cfg.MaxInitAttempts {
		c.mu.Unlock()
		c.log.Warn().Int("attempts", c.attempts).Msg("engine init attempt cap reached")
		return false
	}
	c.attempts++

	p, err := c.spawn()
	if err != nil {
		c.state = StateErrored
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("engine spawn failed")
		return false
	}

	hs := &handshake{p: p, done: make(chan struct{})}
	hs.timer = time.AfterFunc(c.cfg.StartTimeout, func() { c.failHandshake(hs) })
	c.hs = hs
	c.proc = p
	c.state = StateStarting
	c.mu.Unlock()

	go c.readLoop(p)

	if err := p.Send("uci"); err != nil {
		c.failHandshake(hs)
		return false
	}

	select {
	case <-hs.done:
		return hs.ok
	case <-ctx.Done():
		return false
	}
}

// SendCommand writes a raw command to the engine. It is a silent no-op
// unless the session is ready.
func (c *Client) SendCommand(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.proc == nil {
		return
	}
	_ = c.proc.Send(cmd)
}

// UpdateOptions merges a partial options update into the session
// settings and, if the engine is up, pushes the affected UCI options.
func (c *Client) UpdateOptions(patch OptionsPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = c.opts.Merge(patch)
	if c.state == StateReady && c.proc != nil {
		c.pushOptionsLocked(c.proc)
	}
}

// Options returns the current session settings.
func (c *Client) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Evaluate searches a position and returns its heuristic score,
// normalized to the White-positive convention.
func (c *Client) Evaluate(ctx context.Context, position string) (Result, error) {
	white, err := fen.WhiteToMove(position)
	if err != nil {
		return Result{}, err
	}

	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	c.mu.Lock()
	if c.state != StateReady || c.proc == nil {
		c.mu.Unlock()
		return Result{}, ErrNotReady
	}
	p := c.proc
	opts := c.opts
	c.nextToken++
	token := c.nextToken
	ch := make(chan Result, 1)
	c.pending[token] = ch
	c.active = token
	c.partial = Result{}
	c.mu.Unlock()

	if err := p.Send("position fen " + position); err != nil {
		c.abort(token)
		return Result{}, fmt.Errorf("engine: write position: %w", err)
	}
	if err := p.Send(goCommand(opts)); err != nil {
		c.abort(token)
		return Result{}, fmt.Errorf("engine: write go: %w", err)
	}

	timer := time.NewTimer(c.cfg.SearchTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return Result{}, errors.New("engine: terminated during search")
		}
		// The engine scores from the side to move; convert to
		// White-positive.
		if !white {
			if res.CP != nil {
				v := -*res.CP
				res.CP = &v
			}
			if res.Mate != nil {
				v := -*res.Mate
				res.Mate = &v
			}
		}
		return res, nil
	case <-ctx.Done():
		_ = p.Send("stop")
		c.abort(token)
		return Result{}, ctx.Err()
	case <-timer.C:
		_ = p.Send("stop")
		c.abort(token)
		return Result{}, fmt.Errorf("engine: search timed out after %s", c.cfg.SearchTimeout)
	}
}

// Restart tears the current process down (best effort, errors swallowed),
// resets the attempt counter, and runs a fresh initialization.
func (c *Client) Restart(ctx context.Context) bool {
	c.mu.Lock()
	c.teardownLocked()
	c.state = StateUninitialized
	c.attempts = 0
	c.mu.Unlock()
	return c.Initialize(ctx)
}

// Cleanup terminates the engine. Safe from any state, idempotent, and
// never panics even if the underlying terminate does.
func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.state = StateTerminated
}

// teardownLocked kills the process, fails any in-flight handshake, and
// closes pending result slots. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.hs != nil {
		c.hs.timer.Stop()
		c.hs.ok = false
		close(c.hs.done)
		c.hs = nil
	}
	if c.proc != nil {
		p := c.proc
		c.proc = nil
		func() {
			defer func() { _ = recover() }()
			_ = p.Kill()
		}()
	}
	for token, ch := range c.pending {
		close(ch)
		delete(c.pending, token)
	}
	c.active = 0
}

// abort drops a pending search so a late result is discarded instead of
// delivered.
func (c *Client) abort(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, token)
	if c.active == token {
		c.active = 0
		c.partial = Result{}
	}
}

func (c *Client) failHandshake(hs *handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hs != hs {
		return
	}
	hs.timer.Stop()
	hs.ok = false
	c.hs = nil
	c.state = StateErrored
	if c.proc == hs.p {
		c.proc = nil
	}
	func() {
		defer func() { _ = recover() }()
		_ = hs.p.Kill()
	}()
	close(hs.done)
	c.log.Warn().Msg("engine handshake failed")
}

func (c *Client) readLoop(p proc) {
	for line := range p.Lines() {
		c.handleLine(p, line)
	}
	c.handleDisconnect(p)
}

// handleLine routes one engine output line. Anything malformed or
// unexpected is ignored; only readiness acknowledgments and search
// results advance the session.
func (c *Client) handleLine(p proc, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != p {
		return // stale process
	}

	switch {
	case line == "uciok":
		if c.state == StateStarting {
			c.pushOptionsLocked(p)
			_ = p.Send("isready")
		}
	case line == "readyok":
		if c.state == StateStarting && c.hs != nil {
			hs := c.hs
			hs.timer.Stop()
			hs.ok = true
			c.hs = nil
			c.state = StateReady
			close(hs.done)
			c.log.Info().Msg("engine ready")
		}
	case strings.HasPrefix(line, "info "):
		if c.active != 0 {
			parseInfo(line, &c.partial)
		}
	case strings.HasPrefix(line, "bestmove"):
		if c.active == 0 {
			return // superseded search, discard
		}
		res := c.partial
		if f := strings.Fields(line); len(f) > 1 {
			res.BestMove = f[1]
		}
		if ch, ok := c.pending[c.active]; ok {
			delete(c.pending, c.active)
			ch <- res
		}
		c.active = 0
		c.partial = Result{}
	}
}

// handleDisconnect reacts to the process output stream closing.
func (c *Client) handleDisconnect(p proc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != p {
		return
	}
	c.proc = nil
	if c.hs != nil {
		hs := c.hs
		hs.timer.Stop()
		hs.ok = false
		c.hs = nil
		close(hs.done)
	}
	for token, ch := range c.pending {
		close(ch)
		delete(c.pending, token)
	}
	c.active = 0
	if c.state != StateTerminated {
		c.state = StateErrored
		c.log.Warn().Msg("engine process exited")
	}
}

// pushOptionsLocked writes the UCI options to the engine. Caller holds
// c.mu.
func (c *Client) pushOptionsLocked(p proc) {
	if c.opts.Threads > 0 {
		_ = p.Send(fmt.Sprintf("setoption name Threads value %d", c.opts.Threads))
	}
	if c.opts.HashMB > 0 {
		_ = p.Send(fmt.Sprintf("setoption name Hash value %d", c.opts.HashMB))
	}
	if c.opts.SkillLevel > 0 {
		_ = p.Send(fmt.Sprintf("setoption name Skill Level value %d", c.opts.SkillLevel))
	}
}

// goCommand builds the `go` line from the session options.
func goCommand(opts Options) string {
	parts := []string{"go"}
	if opts.Depth > 0 {
		parts = append(parts, "depth", strconv.Itoa(opts.Depth))
	}
	if opts.MoveTimeMS > 0 {
		parts = append(parts, "movetime", strconv.Itoa(opts.MoveTimeMS))
	}
	if opts.Nodes > 0 {
		parts = append(parts, "nodes", strconv.Itoa(opts.Nodes))
	}
	return strings.Join(parts, " ")
}

// parseInfo folds one `info` line into the accumulating result. Fields
// it does not understand are skipped.
func parseInfo(line string, res *Result) {
	fields := strings.Fields(line)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if v, err := strconv.Atoi(fields[i+1]); err == nil {
					res.Depth = v
				}
			}
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			v, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				res.CP = &v
				res.Mate = nil
			case "mate":
				res.Mate = &v
				res.CP = nil
			}
		}
	}
}
