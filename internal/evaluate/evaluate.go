// Package evaluate scores pipeline runs and applies the A/B retry policy:
// run once, score, and only when the first run misses a threshold pay for a
// second run and keep the better of the two.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/gateway"
	"github.com/Kyeong6/EATceed-AI/internal/model"
	"github.com/Kyeong6/EATceed-AI/internal/pipeline"
	"github.com/Kyeong6/EATceed-AI/internal/promptcache"
)

// Scores holds the two quality metrics for one pipeline run. Relevance is
// judged on a 0-5 scale, faithfulness on 0-1.
type Scores struct {
	Relevance    float64 `json:"relevance"`
	Faithfulness float64 `json:"faithfulness"`
}

// Policy is the deterministic half of the evaluator: thresholds and the
// composite weighting used to break a double miss.
type Policy struct {
	RelevanceThreshold    float64
	FaithfulnessThreshold float64
	RelevanceWeight       float64
	FaithfulnessWeight    float64
}

// PolicyFromConfig lifts the configured thresholds, substituting the
// defaults for unset fields.
func PolicyFromConfig(cfg config.EvaluatorConfig) Policy {
	p := Policy{
		RelevanceThreshold:    cfg.RelevanceThreshold,
		FaithfulnessThreshold: cfg.FaithfulnessThreshold,
		RelevanceWeight:       cfg.RelevanceWeight,
		FaithfulnessWeight:    cfg.FaithfulnessWeight,
	}
	if p.RelevanceThreshold == 0 {
		p.RelevanceThreshold = 3.0
	}
	if p.FaithfulnessThreshold == 0 {
		p.FaithfulnessThreshold = 0.6
	}
	if p.RelevanceWeight == 0 && p.FaithfulnessWeight == 0 {
		p.RelevanceWeight = 0.7
		p.FaithfulnessWeight = 0.3
	}
	return p
}

// Passes reports whether both metrics clear their thresholds.
func (p Policy) Passes(s Scores) bool {
	return s.Relevance >= p.RelevanceThreshold && s.Faithfulness >= p.FaithfulnessThreshold
}

// Composite collapses the two metrics into one comparable number.
func (p Policy) Composite(s Scores) float64 {
	return p.RelevanceWeight*s.Relevance + p.FaithfulnessWeight*s.Faithfulness
}

// Winner names which run the policy kept.
type Winner int

const (
	WinnerA Winner = iota
	WinnerB
)

// Decide picks between the two scored runs. A wins outright when it
// passes; otherwise B wins when it passes; otherwise the higher composite
// wins, with ties going to A.
func (p Policy) Decide(a, b Scores) Winner {
	if p.Passes(a) {
		return WinnerA
	}
	if p.Passes(b) {
		return WinnerB
	}
	if p.Composite(b) > p.Composite(a) {
		return WinnerB
	}
	return WinnerA
}

// Judge scores an analysis result against the member metrics it was built
// from.
type Judge interface {
	Score(ctx context.Context, metrics *model.UserMetrics, result *model.AnalysisResult) (Scores, error)
}

// LLMJudge implements Judge with a completion call against the evaluation
// template.
type LLMJudge struct {
	prompts promptcache.Cache
	caller  pipeline.Caller
}

// NewLLMJudge builds a Judge over the shared prompt cache and gateway.
func NewLLMJudge(prompts promptcache.Cache, caller pipeline.Caller) *LLMJudge {
	return &LLMJudge{prompts: prompts, caller: caller}
}

// EvalTemplate is the prompt name the judge resolves.
const EvalTemplate = "diet_eval"

func (j *LLMJudge) Score(ctx context.Context, metrics *model.UserMetrics, result *model.AnalysisResult) (Scores, error) {
	entry, _, err := j.prompts.Get(ctx, promptcache.CategoryTemplate, EvalTemplate)
	if err != nil {
		return Scores{}, eris.Wrap(err, "evaluate: resolve eval template")
	}

	vars := pipeline.BaseVars(metrics)
	vars[pipeline.StageNutritionAnalysis] = result.NutrientAnalysis
	vars[pipeline.StageDietImprovement] = result.Improvement
	vars[pipeline.StageCustomRecommendation] = result.Recommendation
	vars[pipeline.StageDietSummary] = result.Summary

	resp, err := j.caller.Call(ctx, gateway.CompletionRequest{
		Prompt:    pipeline.Render(entry.Body, vars),
		MaxTokens: 250,
	})
	if err != nil {
		return Scores{}, eris.Wrap(err, "evaluate: judge call")
	}

	var scores Scores
	if err := json.Unmarshal([]byte(pipeline.StripFences(resp.Text)), &scores); err != nil {
		return Scores{}, eris.Wrap(err, "evaluate: parse judge response")
	}
	if scores.Relevance < 0 || scores.Relevance > 5 || scores.Faithfulness < 0 || scores.Faithfulness > 1 {
		return Scores{}, eris.New(fmt.Sprintf(
			"evaluate: judge scores out of range: relevance=%.2f faithfulness=%.2f",
			scores.Relevance, scores.Faithfulness,
		))
	}
	return scores, nil
}

// ChainRunner is the pipeline surface the Runner drives. Satisfied by
// *pipeline.Chain.
type ChainRunner interface {
	Run(ctx context.Context, metrics *model.UserMetrics) (*model.AnalysisResult, error)
}

// Runner executes the A/B flow for one member.
type Runner struct {
	chain  ChainRunner
	judge  Judge
	policy Policy
}

// NewRunner wires the chain, judge, and policy together.
func NewRunner(chain ChainRunner, judge Judge, policy Policy) *Runner {
	return &Runner{chain: chain, judge: judge, policy: policy}
}

// Execute runs the chain once and scores it. When run A clears both
// thresholds the chain is not invoked again. Otherwise a second run is
// scored and the policy decides which result is kept. A judge failure
// after a successful run keeps that run rather than discarding paid work.
func (r *Runner) Execute(ctx context.Context, metrics *model.UserMetrics) (*model.AnalysisResult, Scores, error) {
	log := zap.L().With(zap.Int64("member_id", metrics.Profile.ID))

	resultA, err := r.chain.Run(ctx, metrics)
	if err != nil {
		return nil, Scores{}, err
	}

	scoresA, err := r.judge.Score(ctx, metrics, resultA)
	if err != nil {
		log.Warn("evaluate: scoring run A failed, keeping unscored result", zap.Error(err))
		return resultA, Scores{}, nil
	}
	if r.policy.Passes(scoresA) {
		return resultA, scoresA, nil
	}

	log.Info("evaluate: run A below threshold, retrying",
		zap.Float64("relevance", scoresA.Relevance),
		zap.Float64("faithfulness", scoresA.Faithfulness),
	)

	resultB, err := r.chain.Run(ctx, metrics)
	if err != nil {
		log.Warn("evaluate: run B failed, keeping run A", zap.Error(err))
		return resultA, scoresA, nil
	}

	scoresB, err := r.judge.Score(ctx, metrics, resultB)
	if err != nil {
		log.Warn("evaluate: scoring run B failed, keeping run A", zap.Error(err))
		return resultA, scoresA, nil
	}

	if r.policy.Decide(scoresA, scoresB) == WinnerB {
		return resultB, scoresB, nil
	}
	return resultA, scoresA, nil
}
