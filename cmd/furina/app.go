package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/furina/internal/agent"
	"github.com/nugget/furina/internal/companion"
	"github.com/nugget/furina/internal/config"
	"github.com/nugget/furina/internal/embeddings"
	"github.com/nugget/furina/internal/llm"
	"github.com/nugget/furina/internal/memory"
	"github.com/nugget/furina/internal/metrics"
	"github.com/nugget/furina/internal/scheduler"
	"github.com/nugget/furina/internal/tools"
)

// app is a fully wired set of companions and their shared
// infrastructure.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	db         *memory.DB
	tools      *tools.Registry
	activity   *tools.ActivityClient
	companions *companion.Registry
}

// newApp opens the memory backend, builds the tool registry and
// constructs every configured companion, seeding empty collections
// with their base memories. m may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: m}

	embedder := newEmbedder(cfg.Memory.Embeddings)
	logger.Info("embeddings configured",
		"provider", cfg.Memory.Embeddings.Provider,
		"model", cfg.Memory.Embeddings.Model,
	)

	if cfg.Memory.Backend == "sqlite" {
		if cfg.DataDir != "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		db, err := memory.OpenSQLite(cfg.MemoryPath())
		if err != nil {
			return nil, fmt.Errorf("open memory database: %w", err)
		}
		a.db = db
		logger.Info("memory database opened", "path", cfg.MemoryPath())
	}

	a.tools, a.activity = newTools(cfg, logger)

	built := make(map[string]*companion.Companion, len(cfg.Companions))
	for _, key := range cfg.CompanionKeys() {
		cc := cfg.Companions[key]

		var store memory.Store
		if a.db != nil {
			store = a.db.Collection(cc.CollectionName, embedder)
		} else {
			store = memory.NewMemStore(embedder)
		}
		coll := memory.NewCollection(store, cc.CollectionName, logger)

		client := llm.NewClient(llm.ClientConfig{
			URL:    cc.API.URL,
			APIKey: cc.API.Key,
			Model:  cc.API.Model,
		}, logger)
		loop := agent.NewLoop(client, a.tools, agent.Config{
			Name:           cc.AIName,
			MaxToolRounds:  cc.API.MaxToolRounds,
			RequestTimeout: cc.API.RequestTimeout,
		}, logger, m)

		c := companion.New(cc, loop, coll, logger, m)
		if err := c.Seed(ctx); err != nil {
			for _, b := range built {
				b.Close()
			}
			c.Close()
			return nil, errors.Join(fmt.Errorf("seed %s: %w", key, err), a.closeDB())
		}
		built[key] = c

		logger.Info("companion ready",
			"key", key,
			"name", cc.AIName,
			"collection", cc.CollectionName,
			"model", cc.API.Model,
		)
	}

	a.companions = companion.NewRegistry(built, logger)
	return a, nil
}

func newEmbedder(cfg config.EmbeddingsConfig) embeddings.Embedder {
	if cfg.Provider == "ollama" {
		return embeddings.New(embeddings.Config{BaseURL: cfg.BaseURL, Model: cfg.Model})
	}
	return embeddings.NewHashing(cfg.Dims)
}

// newTools registers the enabled built-in tools. The activity client is
// returned separately for the scheduler's refresh job; it is nil when
// the tool is disabled.
func newTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, *tools.ActivityClient) {
	reg := tools.NewRegistry()
	if cfg.Tools.Clock.Enabled {
		reg.Register(tools.NewClockTool(cfg.Location(), time.Now))
	}

	var activity *tools.ActivityClient
	if cfg.Tools.Activity.Enabled {
		activity = tools.NewActivityClient(cfg.Tools.Activity.URL, cfg.Location(), logger)
		reg.Register(activity.Tool())
	}

	logger.Info("tools registered", "tools", reg.Names())
	return reg, activity
}

// newScheduler builds the background job runner for the app's
// companions.
func (a *app) newScheduler() *scheduler.Scheduler {
	cfg := scheduler.Config{
		ActivityMinimum: tools.ParseActivityDuration(a.cfg.Tools.Activity.RefreshMinDuration),
		ActivityLimit:   a.cfg.Tools.Activity.RefreshLimit,
		Location:        a.cfg.Location(),
	}
	if !a.cfg.Reflection.Disabled {
		cfg.ReflectionSchedule = a.cfg.Reflection.Schedule
	}

	var source scheduler.ActivitySource
	if a.activity != nil {
		source = a.activity
		cfg.ActivitySchedule = a.cfg.Tools.Activity.RefreshSchedule
	}

	all := a.companions.All()
	comps := make([]scheduler.Companion, len(all))
	for i, c := range all {
		comps[i] = c
	}
	return scheduler.New(cfg, comps, source, a.logger)
}

// Close stops every companion and closes the memory database.
func (a *app) Close() error {
	a.companions.Close()
	return a.closeDB()
}

func (a *app) closeDB() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
