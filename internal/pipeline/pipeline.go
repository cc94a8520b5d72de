// Package pipeline runs the staged diet analysis chain: one standalone
// macro-advice stage, then a linear sequence where each stage consumes the
// text produced by the stages before it.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
	"github.com/Kyeong6/EATceed-AI/internal/gateway"
	"github.com/Kyeong6/EATceed-AI/internal/model"
	"github.com/Kyeong6/EATceed-AI/internal/promptcache"
)

// Caller is the completion surface the chain talks to. Satisfied by
// *gateway.Gateway.
type Caller interface {
	Call(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// Stage is one prompt-backed step. Requires lists the upstream stage names
// whose outputs the template interpolates; a stage only runs once all of
// them have produced text.
type Stage struct {
	Name     string
	Template string
	Requires []string
	Parse    func(text string, result *model.AnalysisResult) error
}

// Chain executes the stage list in declaration order, which the Stages
// constructor guarantees is a valid topological order.
type Chain struct {
	stages      []Stage
	prompts     promptcache.Cache
	caller      Caller
	temperature float32
	maxTokens   int
}

// Option configures a Chain.
type Option func(*Chain)

// WithSampling overrides the completion temperature and token cap.
func WithSampling(temperature float32, maxTokens int) Option {
	return func(c *Chain) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// New builds a Chain over the canonical stage list.
func New(prompts promptcache.Cache, caller Caller, opts ...Option) *Chain {
	c := &Chain{
		stages:      Stages(),
		prompts:     prompts,
		caller:      caller,
		temperature: 0,
		maxTokens:   250,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes every stage against the member's metrics. The first stage
// failure aborts the run and is attributed to that stage; missing or empty
// templates surface as configuration errors, not stage retries.
func (c *Chain) Run(ctx context.Context, metrics *model.UserMetrics) (*model.AnalysisResult, error) {
	log := zap.L().With(zap.Int64("member_id", metrics.Profile.ID))

	result := &model.AnalysisResult{WeightPrediction: metrics.WeightTrend}
	vars := BaseVars(metrics)

	for _, stage := range c.stages {
		for _, dep := range stage.Requires {
			if _, ok := vars[dep]; !ok {
				return nil, &apperr.StageError{
					Stage: stage.Name,
					Err:   &apperr.ConfigurationError{Key: stage.Name + " requires " + dep},
				}
			}
		}

		entry, tier, err := c.prompts.Get(ctx, promptcache.CategoryTemplate, stage.Template)
		if err != nil {
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}

		start := time.Now()
		resp, err := c.caller.Call(ctx, gateway.CompletionRequest{
			Prompt:      Render(entry.Body, vars),
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
		if err != nil {
			log.Error("pipeline: stage failed",
				zap.String("stage", stage.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}

		if err := stage.Parse(resp.Text, result); err != nil {
			return nil, &apperr.StageError{Stage: stage.Name, Err: err}
		}
		vars[stage.Name] = outputText(stage.Name, result, resp.Text)

		log.Debug("pipeline: stage complete",
			zap.String("stage", stage.Name),
			zap.String("prompt_tier", string(tier)),
			zap.String("provider", resp.Provider),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	return result, nil
}

// outputText is what downstream templates see for a completed stage. The
// advice stage is structured, so later stages get the raw completion.
func outputText(stage string, result *model.AnalysisResult, raw string) string {
	switch stage {
	case StageNutritionAnalysis:
		return result.NutrientAnalysis
	case StageDietImprovement:
		return result.Improvement
	case StageCustomRecommendation:
		return result.Recommendation
	case StageDietSummary:
		return result.Summary
	default:
		return raw
	}
}
