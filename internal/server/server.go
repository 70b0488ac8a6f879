package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/mohammad-safakhou/vectorpipe/config"
	"github.com/mohammad-safakhou/vectorpipe/internal/budget"
	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	"github.com/mohammad-safakhou/vectorpipe/internal/index"
	"github.com/mohammad-safakhou/vectorpipe/internal/pipeline"
	"github.com/mohammad-safakhou/vectorpipe/internal/provider"
	"github.com/mohammad-safakhou/vectorpipe/internal/retriever"
	"github.com/mohammad-safakhou/vectorpipe/internal/store"
	"github.com/mohammad-safakhou/vectorpipe/internal/telemetry"
)

// Run builds the whole pipeline from config and serves the API until the
// listener fails.
func Run(cfg *appconfig.Config, addr string) error {
	ctx := context.Background()

	deps, err := BuildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	e := newEcho()
	if cfg.Telemetry.Enabled {
		e.GET(cfg.Telemetry.Path, echo.WrapHandler(promhttp.Handler()))
	}

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api/v1")
	(&ChunksHandler{Pipe: deps.Pipe}).Register(api.Group("/chunks"), secret)
	(&SearchHandler{Retr: deps.Retr}).Register(api.Group("/search"), secret)
	(&BudgetHandler{Ledger: deps.Ledger}).Register(api.Group("/budget"), secret)
	(&OpsHandler{Pipe: deps.Pipe, Index: deps.Index}).Register(api.Group("/index"), secret)

	if addr == "" {
		addr = cfg.Server.Address
	}
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS, a unified JSON error
// handler and the health endpoint.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

type Deps struct {
	Ledger *budget.Ledger
	Index  *index.Index
	Pipe   *pipeline.Pipeline
	Retr   *retriever.Retriever
	Store  *store.Store
}

// Close releases backend connections.
func (d *Deps) Close() {
	if d.Store != nil {
		_ = d.Store.Close()
	}
}

// BuildDeps is the top-level dependency wiring: ledger, provider, cache,
// index, keyword index, pipeline and retriever, each driven by config.
func BuildDeps(ctx context.Context, cfg *appconfig.Config) (*Deps, error) {
	metrics := telemetry.New(nil)

	var (
		st  *store.Store
		err error
	)
	if cfg.Storage.Postgres.URL != "" || cfg.Storage.Postgres.Host != "" {
		st, err = store.Open(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
	}

	ledger, err := buildLedger(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	prov, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	cache, err := buildCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ix := index.New(index.Config{
		Dimensions:       prov.Dimensions(),
		OverFetch:        cfg.Index.OverFetch,
		CompactThreshold: cfg.Index.CompactThreshold,
	})
	if cfg.Index.Dir != "" {
		if err := loadIndex(ix, cfg.Index.Dir); err != nil {
			return nil, err
		}
	}

	kw, err := retriever.NewKeyword()
	if err != nil {
		return nil, fmt.Errorf("keyword index: %w", err)
	}

	embLogger := log.New(os.Stdout, "[EMBED] ", log.LstdFlags)
	emb := embedder.New(prov, ledger, cache, embedder.Config{
		MaxBatchSize: cfg.Provider.MaxBatchSize,
		MaxAttempts:  cfg.Provider.MaxAttempts,
		Backoff:      cfg.Provider.Backoff,
		Concurrency:  cfg.Provider.Concurrency,
	}, metrics, embLogger)

	pipeOpts := []pipeline.Option{
		pipeline.WithKeyword(kw),
		pipeline.WithMetrics(metrics),
	}
	retrOpts := []retriever.Option{
		retriever.WithKeyword(kw),
		retriever.WithMetrics(metrics),
	}
	if st != nil {
		pipeOpts = append(pipeOpts, pipeline.WithChunkStore(st))
		retrOpts = append(retrOpts, retriever.WithTextLookup(st))
	}

	pipe := pipeline.New(emb, ix, pipeline.Config{
		IndexDir:    cfg.Index.Dir,
		AutoCompact: cfg.Index.AutoCompact,
	}, pipeOpts...)
	retr := retriever.New(emb, ix, retriever.Config{DefaultK: cfg.Retrieval.DefaultK}, retrOpts...)

	return &Deps{Ledger: ledger, Index: ix, Pipe: pipe, Retr: retr, Store: st}, nil
}

func buildLedger(ctx context.Context, cfg *appconfig.Config, st *store.Store) (*budget.Ledger, error) {
	var ledgerStore budget.Store
	if st != nil {
		ledgerStore = st
	} else if cfg.Budget.LedgerDir != "" {
		fileStore, err := budget.NewFileStore(filepath.Join(cfg.Budget.LedgerDir, "ledger.json"))
		if err != nil {
			return nil, fmt.Errorf("ledger store: %w", err)
		}
		ledgerStore = fileStore
	}
	logger := log.New(os.Stdout, "[BUDGET] ", log.LstdFlags)
	ledger, err := budget.NewLedger(ctx, cfg.Budget.Cap, cfg.Budget.ResetCron, ledgerStore, logger)
	if err != nil {
		return nil, fmt.Errorf("budget ledger: %w", err)
	}
	return ledger, nil
}

func buildProvider(cfg *appconfig.Config) (provider.Provider, error) {
	switch cfg.Provider.Type {
	case "", "local":
		return provider.NewLocal(cfg.Provider.Dimensions), nil
	case "openai":
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:        cfg.Provider.APIKey,
			BaseURL:       cfg.Provider.BaseURL,
			Model:         cfg.Provider.Model,
			Dimensions:    cfg.Provider.Dimensions,
			CostPer1K:     cfg.Provider.CostPer1K,
			Timeout:       cfg.Provider.Timeout,
			MaxBatchBytes: cfg.Provider.MaxBatchBytes,
		})
	default:
		return nil, fmt.Errorf("provider type %q not supported", cfg.Provider.Type)
	}
}

func buildCache(ctx context.Context, cfg *appconfig.Config) (embedder.Cache, error) {
	if !cfg.Storage.Redis.Enabled {
		return embedder.NewMemoryCache(), nil
	}
	cache, err := embedder.NewRedisCache(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Provider.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	return cache, nil
}

// loadIndex restores a persisted index pair. A missing pair means a fresh
// start; a corrupt pair is fatal and never repaired in place.
func loadIndex(ix *index.Index, dir string) error {
	err := ix.Load(dir)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load index from %s: %w", dir, err)
}
