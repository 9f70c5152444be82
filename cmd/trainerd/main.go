package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/endgamelab/trainer/internal/engine"
	"github.com/endgamelab/trainer/internal/eval"
	"github.com/endgamelab/trainer/internal/httpapi"
	"github.com/endgamelab/trainer/internal/logx"
	"github.com/endgamelab/trainer/internal/moves"
	"github.com/endgamelab/trainer/internal/tablebase"
)

func main() {
	defaultStockfish := "stockfish"
	if envPath := os.Getenv("STOCKFISH_PATH"); envPath != "" {
		defaultStockfish = envPath
	}

	var (
		// Server
		addr     = flag.String("addr", ":8010", "listen address")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")

		// Tablebase oracle
		tablebaseURL = flag.String("tablebase-url", "https://tablebase.lichess.ovh", "tablebase service base URL")
		tbTimeout    = flag.Duration("tablebase-timeout", 2*time.Second, "per-attempt tablebase request timeout")
		tbRetryDelay = flag.Duration("tablebase-retry-delay", 250*time.Millisecond, "initial tablebase retry backoff")
		tbAttempts   = flag.Int("tablebase-attempts", 3, "tablebase attempts per lookup")
		tbCacheSize  = flag.Int("tablebase-cache", 200, "tablebase result cache entries")
		tbCacheTTL   = flag.Duration("tablebase-cache-ttl", 5*time.Minute, "tablebase result cache TTL")

		// Engine (empty path disables the engine fallback)
		stockfishPath = flag.String("stockfish", defaultStockfish, "path to a UCI engine executable (empty = tablebase only)")
		engineDepth   = flag.Int("engine-depth", 20, "engine search depth")
		engineThreads = flag.Int("engine-threads", 2, "engine threads")
		engineHash    = flag.Int("engine-hash", 128, "engine hash MB")
		searchTimeout = flag.Duration("engine-search-timeout", 10*time.Second, "per-search engine deadline")

		// Orchestrator
		evalCacheSize = flag.Int("eval-cache", 100, "merged evaluation cache entries")
		evalCacheTTL  = flag.Duration("eval-cache-ttl", 5*time.Minute, "merged evaluation cache TTL")
	)
	flag.Parse()

	logger := logx.NewLogger(*logLevel)

	tb, err := tablebase.NewClient(tablebase.Config{
		BaseURL:        *tablebaseURL,
		Logger:         logger.With().Str("component", "tablebase").Logger(),
		MaxAttempts:    *tbAttempts,
		RequestTimeout: *tbTimeout,
		RetryDelay:     *tbRetryDelay,
		CacheSize:      *tbCacheSize,
		CacheTTL:       *tbCacheTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create tablebase client")
	}

	var engineSource eval.EngineSource
	var engineClient *engine.Client
	if *stockfishPath != "" {
		engineClient = engine.NewClient(engine.Config{
			EnginePath: *stockfishPath,
			Logger:     logger.With().Str("component", "engine").Logger(),
			Options: engine.Options{
				Depth:   *engineDepth,
				Threads: *engineThreads,
				HashMB:  *engineHash,
			},
			SearchTimeout: *searchTimeout,
		})
		engineSource = engineClient
		logger.Info().Str("path", *stockfishPath).Int("depth", *engineDepth).Msg("engine fallback enabled")
	} else {
		logger.Info().Msg("engine fallback disabled, tablebase only")
	}

	evaluator, err := eval.New(eval.Config{
		Tablebase: tb,
		Engine:    engineSource,
		Logger:    logger.With().Str("component", "eval").Logger(),
		CacheSize: *evalCacheSize,
		CacheTTL:  *evalCacheTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create evaluator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Warm the engine in the background; a slow or missing binary must
	// not delay serving tablebase traffic.
	if engineClient != nil {
		go func() {
			warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if engineClient.Initialize(warmCtx) {
				logger.Info().Msg("engine ready")
			} else {
				logger.Warn().Msg("engine failed to start, requests will degrade to tablebase only")
			}
		}()
	}

	var engineAdmin httpapi.EngineAdmin
	if engineClient != nil {
		engineAdmin = engineClient
	}
	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpapi.NewRouter(logger, evaluator, moves.NewService(), tb, engineAdmin),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("trainer api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	if engineClient != nil {
		engineClient.Cleanup()
	}
	logger.Info().Msg("bye")
}
