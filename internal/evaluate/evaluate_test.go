package evaluate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/gateway"
	"github.com/Kyeong6/EATceed-AI/internal/model"
	"github.com/Kyeong6/EATceed-AI/internal/promptcache"
)

func defaultPolicy() Policy {
	return Policy{
		RelevanceThreshold:    3.0,
		FaithfulnessThreshold: 0.6,
		RelevanceWeight:       0.7,
		FaithfulnessWeight:    0.3,
	}
}

func TestPolicy_Passes(t *testing.T) {
	p := defaultPolicy()

	assert.True(t, p.Passes(Scores{Relevance: 3.0, Faithfulness: 0.6}))
	assert.True(t, p.Passes(Scores{Relevance: 5, Faithfulness: 1}))
	assert.False(t, p.Passes(Scores{Relevance: 2.9, Faithfulness: 1}))
	assert.False(t, p.Passes(Scores{Relevance: 5, Faithfulness: 0.59}))
}

func TestPolicy_Decide(t *testing.T) {
	p := defaultPolicy()

	tests := []struct {
		name string
		a, b Scores
		want Winner
	}{
		{"a passes", Scores{4, 0.8}, Scores{5, 1}, WinnerA},
		{"only b passes", Scores{2, 0.3}, Scores{3.5, 0.7}, WinnerB},
		{"both fail, b better composite", Scores{1, 0.5}, Scores{2, 0.5}, WinnerB},
		{"both fail, a better composite", Scores{2.5, 0.5}, Scores{1, 0.5}, WinnerA},
		{"tie goes to a", Scores{2, 0.4}, Scores{2, 0.4}, WinnerA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.a, tt.b))
			// Same inputs, same verdict.
			assert.Equal(t, tt.want, p.Decide(tt.a, tt.b))
		})
	}
}

func TestPolicy_Composite(t *testing.T) {
	p := defaultPolicy()
	assert.InDelta(t, 0.7*4+0.3*0.8, p.Composite(Scores{Relevance: 4, Faithfulness: 0.8}), 1e-9)
}

func TestPolicyFromConfig_Defaults(t *testing.T) {
	p := PolicyFromConfig(config.EvaluatorConfig{})
	assert.Equal(t, 3.0, p.RelevanceThreshold)
	assert.Equal(t, 0.6, p.FaithfulnessThreshold)
	assert.Equal(t, 0.7, p.RelevanceWeight)
	assert.Equal(t, 0.3, p.FaithfulnessWeight)
}

type countingChain struct {
	runs    int
	results []*model.AnalysisResult
	errs    []error
}

func (c *countingChain) Run(_ context.Context, _ *model.UserMetrics) (*model.AnalysisResult, error) {
	idx := c.runs
	c.runs++
	if idx < len(c.errs) && c.errs[idx] != nil {
		return nil, c.errs[idx]
	}
	if idx < len(c.results) {
		return c.results[idx], nil
	}
	return &model.AnalysisResult{Summary: fmt.Sprintf("run %d", idx)}, nil
}

type scriptedJudge struct {
	scores []Scores
	errs   []error
	calls  int
}

func (j *scriptedJudge) Score(_ context.Context, _ *model.UserMetrics, _ *model.AnalysisResult) (Scores, error) {
	idx := j.calls
	j.calls++
	if idx < len(j.errs) && j.errs[idx] != nil {
		return Scores{}, j.errs[idx]
	}
	return j.scores[idx], nil
}

func metricsFor(id int64) *model.UserMetrics {
	return &model.UserMetrics{Profile: model.MemberProfile{ID: id}}
}

func TestExecute_RunAPassesChainInvokedOnce(t *testing.T) {
	chain := &countingChain{results: []*model.AnalysisResult{{Summary: "run A"}}}
	judge := &scriptedJudge{scores: []Scores{{Relevance: 4, Faithfulness: 0.9}}}
	runner := NewRunner(chain, judge, defaultPolicy())

	result, scores, err := runner.Execute(context.Background(), metricsFor(1))
	require.NoError(t, err)
	assert.Equal(t, "run A", result.Summary)
	assert.Equal(t, 4.0, scores.Relevance)
	assert.Equal(t, 1, chain.runs)
}

func TestExecute_RunAFailsThresholdBPasses(t *testing.T) {
	chain := &countingChain{results: []*model.AnalysisResult{{Summary: "run A"}, {Summary: "run B"}}}
	judge := &scriptedJudge{scores: []Scores{
		{Relevance: 2, Faithfulness: 0.5},
		{Relevance: 4, Faithfulness: 0.8},
	}}
	runner := NewRunner(chain, judge, defaultPolicy())

	result, scores, err := runner.Execute(context.Background(), metricsFor(1))
	require.NoError(t, err)
	assert.Equal(t, "run B", result.Summary)
	assert.Equal(t, 4.0, scores.Relevance)
	assert.Equal(t, 2, chain.runs)
}

func TestExecute_BothFailCompositeWinnerKept(t *testing.T) {
	chain := &countingChain{results: []*model.AnalysisResult{{Summary: "run A"}, {Summary: "run B"}}}
	judge := &scriptedJudge{scores: []Scores{
		{Relevance: 1, Faithfulness: 0.2},
		{Relevance: 2.5, Faithfulness: 0.4},
	}}
	runner := NewRunner(chain, judge, defaultPolicy())

	result, _, err := runner.Execute(context.Background(), metricsFor(1))
	require.NoError(t, err)
	assert.Equal(t, "run B", result.Summary)
}

func TestExecute_ChainAFailurePropagates(t *testing.T) {
	boom := errors.New("stage blew up")
	chain := &countingChain{errs: []error{boom}}
	runner := NewRunner(chain, &scriptedJudge{}, defaultPolicy())

	_, _, err := runner.Execute(context.Background(), metricsFor(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestExecute_JudgeFailureKeepsRunA(t *testing.T) {
	chain := &countingChain{results: []*model.AnalysisResult{{Summary: "run A"}}}
	judge := &scriptedJudge{errs: []error{errors.New("judge down")}}
	runner := NewRunner(chain, judge, defaultPolicy())

	result, _, err := runner.Execute(context.Background(), metricsFor(1))
	require.NoError(t, err)
	assert.Equal(t, "run A", result.Summary)
	assert.Equal(t, 1, chain.runs)
}

func TestExecute_RunBFailureKeepsRunA(t *testing.T) {
	chain := &countingChain{
		results: []*model.AnalysisResult{{Summary: "run A"}},
		errs:    []error{nil, errors.New("run B exploded")},
	}
	judge := &scriptedJudge{scores: []Scores{{Relevance: 1, Faithfulness: 0.1}}}
	runner := NewRunner(chain, judge, defaultPolicy())

	result, _, err := runner.Execute(context.Background(), metricsFor(1))
	require.NoError(t, err)
	assert.Equal(t, "run A", result.Summary)
}

type judgePrompts struct{ body string }

func (j *judgePrompts) Get(_ context.Context, _ promptcache.Category, name string) (promptcache.Entry, promptcache.Tier, error) {
	return promptcache.Entry{Name: name, Body: j.body}, promptcache.TierLocal, nil
}

type judgeCaller struct {
	lastPrompt string
	text       string
}

func (j *judgeCaller) Call(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	j.lastPrompt = req.Prompt
	return &gateway.CompletionResponse{Text: j.text}, nil
}

func TestLLMJudge_ParsesScores(t *testing.T) {
	caller := &judgeCaller{text: `{"relevance": 4.2, "faithfulness": 0.75}`}
	judge := NewLLMJudge(&judgePrompts{body: "evaluate {diet_summary}"}, caller)

	scores, err := judge.Score(context.Background(), metricsFor(1), &model.AnalysisResult{Summary: "the summary"})
	require.NoError(t, err)
	assert.InDelta(t, 4.2, scores.Relevance, 1e-9)
	assert.InDelta(t, 0.75, scores.Faithfulness, 1e-9)
	assert.Contains(t, caller.lastPrompt, "the summary")
}

func TestLLMJudge_RejectsOutOfRangeScores(t *testing.T) {
	caller := &judgeCaller{text: `{"relevance": 9, "faithfulness": 0.5}`}
	judge := NewLLMJudge(&judgePrompts{body: "evaluate"}, caller)

	_, err := judge.Score(context.Background(), metricsFor(1), &model.AnalysisResult{})
	assert.Error(t, err)
}
