package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/evaluate"
	"github.com/Kyeong6/EATceed-AI/internal/gateway"
	"github.com/Kyeong6/EATceed-AI/internal/nutrition"
	"github.com/Kyeong6/EATceed-AI/internal/orchestrator"
	"github.com/Kyeong6/EATceed-AI/internal/pipeline"
	"github.com/Kyeong6/EATceed-AI/internal/promptcache"
	"github.com/Kyeong6/EATceed-AI/internal/quota"
	"github.com/Kyeong6/EATceed-AI/internal/store"
)

// app holds the wired components shared by the serve and batch commands.
type app struct {
	store   store.Store
	redis   *redis.Client
	orch    *orchestrator.Orchestrator
	tracker *quota.Tracker
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "build store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "redis ping")
	}

	tracker, err := quota.New(rdb, cfg.Quota.DailyLimit, cfg.Quota.Timezone)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "build quota tracker")
	}

	prompts := promptcache.New(cfg.Prompt.Dir, rdb, promptcache.WithTTLs(
		time.Duration(cfg.Prompt.TemplateTTLHours)*time.Hour,
		time.Duration(cfg.Prompt.VolatileTTLMinutes)*time.Minute,
	))

	var fallback gateway.Provider
	if cfg.Anthropic.Key != "" {
		fallback = gateway.NewAnthropic(cfg.Anthropic)
	}
	gw := gateway.New(gateway.NewOpenAI(cfg.OpenAI), fallback, cfg.Gateway)

	chain := pipeline.New(prompts, gw, pipeline.WithSampling(cfg.OpenAI.Temperature, cfg.OpenAI.MaxTokens))
	judge := evaluate.NewLLMJudge(prompts, gw)
	runner := evaluate.NewRunner(chain, judge, evaluate.PolicyFromConfig(cfg.Evaluator))

	collector := nutrition.New(st)
	orch := orchestrator.New(st, collector, runner, cfg.Batch.Concurrency)

	return &app{
		store:   st,
		redis:   rdb,
		orch:    orch,
		tracker: tracker,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
