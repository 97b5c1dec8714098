package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fablepress/revision-cli/internal/audit"
	"github.com/fablepress/revision-cli/internal/coordinator"
	"github.com/fablepress/revision-cli/internal/corrector"
	"github.com/fablepress/revision-cli/internal/docstore"
	"github.com/fablepress/revision-cli/internal/inference"
	"github.com/fablepress/revision-cli/internal/judge"
	"github.com/fablepress/revision-cli/internal/progress"
	"github.com/fablepress/revision-cli/internal/resilience"
	"github.com/fablepress/revision-cli/internal/store"
	anthropicpkg "github.com/fablepress/revision-cli/pkg/anthropic"
)

// docsRoot is the directory documents are loaded from, shared by the
// commands that read manuscripts.
var docsRoot string

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "revision.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// runEnv holds the initialized store and pipeline collaborators needed
// by the audit/correct/serve commands.
type runEnv struct {
	Store store.Store
	Hub   *progress.Hub
	Docs  *docstore.FileStore
	Coord *coordinator.Coordinator
	Audit *audit.Engine
}

// Close releases resources held by the environment.
func (e *runEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, inference service, and coordinator.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*runEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (REVISION_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	svcCfg := inference.Config{
		Model:         cfg.Anthropic.Model,
		CallTimeout:   time.Duration(cfg.Inference.CallTimeoutSecs) * time.Second,
		RatePerMinute: cfg.Inference.RatePerMinute,
		Retry:         resilience.RetryConfig{MaxAttempts: cfg.Inference.MaxRetries},
	}
	if cfg.Inference.Temperature > 0 {
		svcCfg.Temperature = &cfg.Inference.Temperature
	}
	svc := inference.NewService(client, svcCfg, logger)

	engine := audit.NewEngine(svc, audit.Config{
		BatchSize:      cfg.Audit.BatchSize,
		ChapterCharCap: cfg.Audit.ChapterCharCap,
		MaxTokens:      int64(cfg.Audit.MaxTokens),
	}, logger)

	hub := progress.NewHub(logger)
	docs := docstore.NewFileStore(docsRoot)
	applier := corrector.New(svc, 0, logger)
	rj := judge.New(svc, logger)

	coord := coordinator.New(st, docs, engine, applier, rj, hub, logger)

	return &runEnv{
		Store: st,
		Hub:   hub,
		Docs:  docs,
		Coord: coord,
		Audit: engine,
	}, nil
}
