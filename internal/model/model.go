// Package model holds the domain types shared across the analysis engine.
package model

import "time"

// Gender uses the member table encoding: 0 male, 1 female.
type Gender int

const (
	GenderMale   Gender = 0
	GenderFemale Gender = 1
)

// ActivityLevel is the member's self-reported physical activity bracket.
type ActivityLevel string

const (
	ActivityNotActive       ActivityLevel = "NOT_ACTIVE"
	ActivityLightlyActive   ActivityLevel = "LIGHTLY_ACTIVE"
	ActivityNormalActive    ActivityLevel = "NORMAL_ACTIVE"
	ActivityVeryActive      ActivityLevel = "VERY_ACTIVE"
	ActivityExtremelyActive ActivityLevel = "EXTREMELY_ACTIVE"
)

// Index maps the activity bracket to the TDEE multiplier. Unknown brackets
// fall back to the sedentary multiplier.
func (a ActivityLevel) Index() float64 {
	switch a {
	case ActivityLightlyActive:
		return 1.3
	case ActivityNormalActive:
		return 1.5
	case ActivityVeryActive:
		return 1.7
	case ActivityExtremelyActive:
		return 1.9
	default:
		return 1.2
	}
}

// MemberProfile is the body-metric slice of a member the engine consumes.
// Member identity and the rest of the account are owned externally.
type MemberProfile struct {
	ID       int64
	Gender   Gender
	Age      int
	HeightCM float64
	WeightKG float64
	Activity ActivityLevel
}

// NutrientTotals carries the nutrient columns tracked per food and, after
// averaging, per member-week.
type NutrientTotals struct {
	Calorie      float64 `json:"calorie"`
	Carbohydrate float64 `json:"carbohydrate"`
	Protein      float64 `json:"protein"`
	Fat          float64 `json:"fat"`
	ServingSize  float64 `json:"serving_size"`
	Sugars       float64 `json:"sugars"`
	DietaryFiber float64 `json:"dietary_fiber"`
	Sodium       float64 `json:"sodium"`
}

// Food is one food catalog row with nutrients per serving.
type Food struct {
	ID          int64
	ServingSize float64
	Nutrition   NutrientTotals
}

// MealPortion is one food within a meal, quantified either in servings
// (Multiple) or grams. Exactly one of the two is normally set.
type MealPortion struct {
	Food     Food
	Multiple *float64
	Grams    *float64
}

// Meal is one logged meal with its portions.
type Meal struct {
	ID        int64
	MemberID  int64
	CreatedAt time.Time
	Portions  []MealPortion
}

// WeightTrend is the calorie-balance prediction fed into the prompts.
type WeightTrend string

const (
	WeightGain WeightTrend = "gain"
	WeightLoss WeightTrend = "loss"
)

// UserMetrics is the normalized per-member input to one pipeline run.
type UserMetrics struct {
	Profile     MemberProfile
	WeeklyAvg   NutrientTotals
	BMR         float64
	TDEE        float64
	WeightTrend WeightTrend
}

// AnalysisState is the derived lifecycle state of a member's latest
// analysis row.
type AnalysisState string

const (
	StateNoRecord  AnalysisState = "no_record"
	StatePending   AnalysisState = "pending"
	StateCompleted AnalysisState = "completed"
	StateFailed    AnalysisState = "failed"
)

// AnalysisStatus is one row of the append-only per-member status history.
// The (IsAnalyzed, IsPending) pair encodes the state; rows are never
// deleted and the latest row by AnalysisDate is the member's current state.
type AnalysisStatus struct {
	ID           string
	MemberID     int64
	IsAnalyzed   bool
	IsPending    bool
	AnalysisDate time.Time
}

// State decodes the two-flag encoding.
func (s *AnalysisStatus) State() AnalysisState {
	switch {
	case s == nil:
		return StateNoRecord
	case s.IsPending && !s.IsAnalyzed:
		return StatePending
	case s.IsAnalyzed && !s.IsPending:
		return StateCompleted
	default:
		return StateFailed
	}
}

// DietAdvice is the standalone macro advice stage output.
type DietAdvice struct {
	Carbo   string `json:"carbo_advice"`
	Protein string `json:"protein_advice"`
	Fat     string `json:"fat_advice"`
}

// AnalysisResult is the output of one accepted pipeline run. Immutable once
// written; the next scheduled run supersedes it with a new row pair.
type AnalysisResult struct {
	WeightPrediction WeightTrend `json:"weight_prediction"`
	Advice           DietAdvice  `json:"advice"`
	NutrientAnalysis string      `json:"nutrient_analysis"`
	Improvement      string      `json:"diet_improvement"`
	Recommendation   string      `json:"custom_recommendation"`
	Summary          string      `json:"diet_summary"`
}

// EatHabits is the persisted form of an AnalysisResult, linked 1:1 to the
// AnalysisStatus row that produced it.
type EatHabits struct {
	ID        string
	StatusID  string
	Result    AnalysisResult
	CreatedAt time.Time
}

// MemberStatus is what status-polling callers receive.
type MemberStatus struct {
	State       AnalysisState `json:"state"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
	BatchActive bool          `json:"batch_active"`
}
