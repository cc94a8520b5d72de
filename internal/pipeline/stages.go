package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/model"
)

// Canonical stage names. Downstream templates reference them as variables.
const (
	StageAdvice               = "advice"
	StageNutritionAnalysis    = "nutrition_analysis"
	StageDietImprovement      = "diet_improvement"
	StageCustomRecommendation = "custom_recommendation"
	StageDietSummary          = "diet_summary"
)

// Stages returns the analysis chain in execution order: advice stands
// alone, the remaining four form a linear dependency sequence.
func Stages() []Stage {
	return []Stage{
		{
			Name:     StageAdvice,
			Template: StageAdvice,
			Parse:    parseAdvice,
		},
		{
			Name:     StageNutritionAnalysis,
			Template: StageNutritionAnalysis,
			Parse: func(text string, result *model.AnalysisResult) error {
				return parseText(text, StageNutritionAnalysis, &result.NutrientAnalysis)
			},
		},
		{
			Name:     StageDietImprovement,
			Template: StageDietImprovement,
			Requires: []string{StageNutritionAnalysis},
			Parse: func(text string, result *model.AnalysisResult) error {
				return parseText(text, StageDietImprovement, &result.Improvement)
			},
		},
		{
			Name:     StageCustomRecommendation,
			Template: StageCustomRecommendation,
			Requires: []string{StageDietImprovement},
			Parse: func(text string, result *model.AnalysisResult) error {
				return parseText(text, StageCustomRecommendation, &result.Recommendation)
			},
		},
		{
			Name:     StageDietSummary,
			Template: StageDietSummary,
			Requires: []string{StageNutritionAnalysis, StageDietImprovement, StageCustomRecommendation},
			Parse: func(text string, result *model.AnalysisResult) error {
				return parseText(text, StageDietSummary, &result.Summary)
			},
		},
	}
}

func parseAdvice(text string, result *model.AnalysisResult) error {
	var advice model.DietAdvice
	if err := json.Unmarshal([]byte(StripFences(text)), &advice); err != nil {
		return eris.Wrap(err, "pipeline: parse advice json")
	}
	if advice.Carbo == "" && advice.Protein == "" && advice.Fat == "" {
		return eris.New("pipeline: advice response carried no fields")
	}
	result.Advice = advice
	return nil
}

func parseText(text, stage string, dst *string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return eris.Errorf("pipeline: empty %s response", stage)
	}
	*dst = trimmed
	return nil
}

// StripFences removes a markdown code fence wrapper, with or without a
// language tag. Completion models add one around JSON unpredictably.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// BaseVars flattens the member metrics into the template variable set.
func BaseVars(metrics *model.UserMetrics) map[string]string {
	gender := "Male"
	if metrics.Profile.Gender == model.GenderFemale {
		gender = "Female"
	}

	avg := metrics.WeeklyAvg
	return map[string]string{
		"gender":                  gender,
		"age":                     strconv.Itoa(metrics.Profile.Age),
		"height":                  formatFloat(metrics.Profile.HeightCM),
		"weight":                  formatFloat(metrics.Profile.WeightKG),
		"physical_activity_index": formatFloat(metrics.Profile.Activity.Index()),
		"calorie":                 formatFloat(avg.Calorie),
		"carbohydrate":            formatFloat(avg.Carbohydrate),
		"protein":                 formatFloat(avg.Protein),
		"fat":                     formatFloat(avg.Fat),
		"serving_size":            formatFloat(avg.ServingSize),
		"sugars":                  formatFloat(avg.Sugars),
		"dietary_fiber":           formatFloat(avg.DietaryFiber),
		"sodium":                  formatFloat(avg.Sodium),
		"bmr":                     formatFloat(metrics.BMR),
		"tdee":                    formatFloat(metrics.TDEE),
		"weight_change":           string(metrics.WeightTrend),
	}
}

// Render substitutes {name} placeholders. Unknown placeholders pass
// through untouched so a template typo stays visible in the prompt.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
