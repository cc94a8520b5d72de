// Package nutrition normalizes a member's logged meals and body metrics
// into the input of one analysis run.
package nutrition

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
	"github.com/Kyeong6/EATceed-AI/internal/model"
)

// Source is the slice of the store the aggregator reads.
type Source interface {
	GetMemberProfile(ctx context.Context, memberID int64) (*model.MemberProfile, error)
	ListWeeklyMeals(ctx context.Context, memberID int64, from, to time.Time) ([]model.Meal, error)
}

// Aggregator builds UserMetrics for the pipeline.
type Aggregator struct {
	src Source
	now func() time.Time
}

// New creates an Aggregator.
func New(src Source) *Aggregator {
	return &Aggregator{src: src, now: time.Now}
}

// WithNow fixes the clock; used by tests.
func (a *Aggregator) WithNow(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// BMR computes basal metabolic rate with the Harris-Benedict formula.
func BMR(gender model.Gender, weightKG, heightCM float64, age int) float64 {
	if gender == model.GenderMale {
		return 66 + 13.7*weightKG + 5*heightCM - 6.8*float64(age)
	}
	return 655 + 9.6*weightKG + 1.7*heightCM - 4.7*float64(age)
}

// TDEE scales BMR by the activity index.
func TDEE(bmr, activityIndex float64) float64 {
	return bmr * activityIndex
}

// PredictWeight compares average intake against expenditure.
func PredictWeight(avgCalorie, tdee float64) model.WeightTrend {
	if avgCalorie > tdee {
		return model.WeightGain
	}
	return model.WeightLoss
}

// WeeklyWindow returns [last Monday 00:00, this Monday 00:00) for now,
// the window the batch analyzes.
func WeeklyWindow(now time.Time) (time.Time, time.Time) {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	thisMonday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -daysSinceMonday)
	return thisMonday.AddDate(0, 0, -7), thisMonday
}

// AverageNutrition averages nutrient totals across every portion in meals,
// scaling each food by servings eaten or by grams relative to its serving
// size.
func AverageNutrition(meals []model.Meal) (model.NutrientTotals, int) {
	var total model.NutrientTotals
	portions := 0

	for _, meal := range meals {
		for _, p := range meal.Portions {
			multiplier := 1.0
			switch {
			case p.Multiple != nil:
				multiplier = *p.Multiple
			case p.Grams != nil && p.Food.ServingSize > 0:
				multiplier = *p.Grams / p.Food.ServingSize
			}

			total.Calorie += p.Food.Nutrition.Calorie * multiplier
			total.Carbohydrate += p.Food.Nutrition.Carbohydrate * multiplier
			total.Protein += p.Food.Nutrition.Protein * multiplier
			total.Fat += p.Food.Nutrition.Fat * multiplier
			total.ServingSize += p.Food.ServingSize * multiplier
			total.Sugars += p.Food.Nutrition.Sugars * multiplier
			total.DietaryFiber += p.Food.Nutrition.DietaryFiber * multiplier
			total.Sodium += p.Food.Nutrition.Sodium * multiplier
			portions++
		}
	}

	if portions == 0 {
		return total, 0
	}

	n := float64(portions)
	return model.NutrientTotals{
		Calorie:      total.Calorie / n,
		Carbohydrate: total.Carbohydrate / n,
		Protein:      total.Protein / n,
		Fat:          total.Fat / n,
		ServingSize:  total.ServingSize / n,
		Sugars:       total.Sugars / n,
		DietaryFiber: total.DietaryFiber / n,
		Sodium:       total.Sodium / n,
	}, portions
}

// Collect builds the normalized metrics for one member. Members with no
// logged meals in the window get an InputUnavailableError, which the
// workflow treats as a terminal failed run rather than a retryable error.
func (a *Aggregator) Collect(ctx context.Context, memberID int64) (*model.UserMetrics, error) {
	profile, err := a.src.GetMemberProfile(ctx, memberID)
	if err != nil {
		return nil, eris.Wrapf(err, "nutrition: member %d profile", memberID)
	}

	from, to := WeeklyWindow(a.now())
	meals, err := a.src.ListWeeklyMeals(ctx, memberID, from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "nutrition: member %d meals", memberID)
	}

	avg, portions := AverageNutrition(meals)
	if portions == 0 {
		return nil, &apperr.InputUnavailableError{MemberID: memberID}
	}

	bmr := BMR(profile.Gender, profile.WeightKG, profile.HeightCM, profile.Age)
	tdee := TDEE(bmr, profile.Activity.Index())

	return &model.UserMetrics{
		Profile:     *profile,
		WeeklyAvg:   avg,
		BMR:         bmr,
		TDEE:        tdee,
		WeightTrend: PredictWeight(avg.Calorie, tdee),
	}, nil
}
