package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Kyeong6/EATceed-AI/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and integration tests; it also carries the member/meal/food
// tables so a full workflow can run against one file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS members (
	id        INTEGER PRIMARY KEY,
	gender    INTEGER NOT NULL DEFAULT 0,
	age       INTEGER NOT NULL DEFAULT 0,
	height_cm REAL NOT NULL DEFAULT 0,
	weight_kg REAL NOT NULL DEFAULT 0,
	activity  TEXT NOT NULL DEFAULT 'NOT_ACTIVE'
);

CREATE TABLE IF NOT EXISTS foods (
	id            INTEGER PRIMARY KEY,
	serving_size  REAL NOT NULL DEFAULT 0,
	calorie       REAL NOT NULL DEFAULT 0,
	carbohydrate  REAL NOT NULL DEFAULT 0,
	protein       REAL NOT NULL DEFAULT 0,
	fat           REAL NOT NULL DEFAULT 0,
	sugars        REAL NOT NULL DEFAULT 0,
	dietary_fiber REAL NOT NULL DEFAULT 0,
	sodium        REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	member_id  INTEGER NOT NULL REFERENCES members(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS meal_foods (
	meal_id  INTEGER NOT NULL REFERENCES meals(id),
	food_id  INTEGER NOT NULL REFERENCES foods(id),
	multiple REAL,
	grams    REAL
);

CREATE TABLE IF NOT EXISTS analysis_status (
	id            TEXT PRIMARY KEY,
	member_id     INTEGER NOT NULL,
	is_analyzed   INTEGER NOT NULL DEFAULT 0,
	is_pending    INTEGER NOT NULL DEFAULT 1,
	analysis_date DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS eat_habits (
	id                    TEXT PRIMARY KEY,
	status_id             TEXT NOT NULL UNIQUE REFERENCES analysis_status(id),
	weight_prediction     TEXT NOT NULL,
	advice_carbo          TEXT NOT NULL,
	advice_protein        TEXT NOT NULL,
	advice_fat            TEXT NOT NULL,
	nutrient_analysis     TEXT NOT NULL,
	diet_improvement      TEXT NOT NULL,
	custom_recommendation TEXT NOT NULL,
	diet_summary          TEXT NOT NULL,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_analysis_status_member ON analysis_status(member_id, analysis_date DESC);
CREATE INDEX IF NOT EXISTS idx_meals_member ON meals(member_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListMemberIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM members ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list members")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) GetMemberProfile(ctx context.Context, memberID int64) (*model.MemberProfile, error) {
	var p model.MemberProfile
	var activity string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, gender, age, height_cm, weight_kg, activity FROM members WHERE id = ?`,
		memberID,
	).Scan(&p.ID, &p.Gender, &p.Age, &p.HeightCM, &p.WeightKG, &activity)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get member %d", memberID)
	}
	p.Activity = model.ActivityLevel(activity)
	return &p, nil
}

func (s *SQLiteStore) ListWeeklyMeals(ctx context.Context, memberID int64, from, to time.Time) ([]model.Meal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.created_at,
		        f.id, f.serving_size, f.calorie, f.carbohydrate, f.protein, f.fat, f.sugars, f.dietary_fiber, f.sodium,
		        mf.multiple, mf.grams
		 FROM meals m
		 JOIN meal_foods mf ON mf.meal_id = m.id
		 JOIN foods f ON f.id = mf.food_id
		 WHERE m.member_id = ? AND m.created_at >= ? AND m.created_at < ?
		 ORDER BY m.id`,
		memberID, from, to,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: weekly meals for member %d", memberID)
	}
	defer rows.Close()

	var meals []model.Meal
	byID := make(map[int64]int)

	for rows.Next() {
		var mealID int64
		var createdAt time.Time
		var food model.Food
		var multiple, grams sql.NullFloat64

		if err := rows.Scan(
			&mealID, &createdAt,
			&food.ID, &food.ServingSize,
			&food.Nutrition.Calorie, &food.Nutrition.Carbohydrate, &food.Nutrition.Protein,
			&food.Nutrition.Fat, &food.Nutrition.Sugars, &food.Nutrition.DietaryFiber, &food.Nutrition.Sodium,
			&multiple, &grams,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan meal row")
		}

		idx, ok := byID[mealID]
		if !ok {
			meals = append(meals, model.Meal{ID: mealID, MemberID: memberID, CreatedAt: createdAt})
			idx = len(meals) - 1
			byID[mealID] = idx
		}

		portion := model.MealPortion{Food: food}
		if multiple.Valid {
			v := multiple.Float64
			portion.Multiple = &v
		}
		if grams.Valid {
			v := grams.Float64
			portion.Grams = &v
		}
		meals[idx].Portions = append(meals[idx].Portions, portion)
	}
	return meals, rows.Err()
}

func (s *SQLiteStore) CreateAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	status := &model.AnalysisStatus{
		ID:           uuid.New().String(),
		MemberID:     memberID,
		IsPending:    true,
		AnalysisDate: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_status (id, member_id, is_analyzed, is_pending, analysis_date) VALUES (?, ?, 0, 1, ?)`,
		status.ID, status.MemberID, status.AnalysisDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert status for member %d", memberID)
	}
	return status, nil
}

func (s *SQLiteStore) CompleteAnalysisStatus(ctx context.Context, statusID string) error {
	return s.finalizeStatus(ctx, statusID, true)
}

func (s *SQLiteStore) FailAnalysisStatus(ctx context.Context, statusID string) error {
	return s.finalizeStatus(ctx, statusID, false)
}

func (s *SQLiteStore) finalizeStatus(ctx context.Context, statusID string, analyzed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_status SET is_analyzed = ?, is_pending = 0, analysis_date = ? WHERE id = ?`,
		analyzed, time.Now().UTC(), statusID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize status %s", statusID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("analysis status not found: %s", statusID)
	}
	return nil
}

func (s *SQLiteStore) LatestAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	return s.scanStatus(ctx,
		`SELECT id, member_id, is_analyzed, is_pending, analysis_date FROM analysis_status WHERE member_id = ? ORDER BY analysis_date DESC LIMIT 1`,
		memberID,
	)
}

func (s *SQLiteStore) LatestCompletedStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	return s.scanStatus(ctx,
		`SELECT id, member_id, is_analyzed, is_pending, analysis_date FROM analysis_status WHERE member_id = ? AND is_analyzed = 1 ORDER BY analysis_date DESC LIMIT 1`,
		memberID,
	)
}

func (s *SQLiteStore) scanStatus(ctx context.Context, query string, memberID int64) (*model.AnalysisStatus, error) {
	var st model.AnalysisStatus
	err := s.db.QueryRowContext(ctx, query, memberID).
		Scan(&st.ID, &st.MemberID, &st.IsAnalyzed, &st.IsPending, &st.AnalysisDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: status for member %d", memberID)
	}
	return &st, nil
}

func (s *SQLiteStore) HasPendingForMember(ctx context.Context, memberID int64) (bool, error) {
	var pending bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_status WHERE member_id = ? AND is_pending = 1)`,
		memberID,
	).Scan(&pending)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: pending check for member %d", memberID)
	}
	return pending, nil
}

func (s *SQLiteStore) AnyOtherPending(ctx context.Context, memberID int64) (bool, error) {
	var pending bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_status WHERE member_id <> ? AND is_pending = 1)`,
		memberID,
	).Scan(&pending)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: any-other-pending check")
	}
	return pending, nil
}

func (s *SQLiteStore) CreateEatHabits(ctx context.Context, statusID string, result model.AnalysisResult) (*model.EatHabits, error) {
	habits := &model.EatHabits{
		ID:        uuid.New().String(),
		StatusID:  statusID,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eat_habits (id, status_id, weight_prediction, advice_carbo, advice_protein, advice_fat, nutrient_analysis, diet_improvement, custom_recommendation, diet_summary, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		habits.ID, habits.StatusID,
		string(result.WeightPrediction),
		result.Advice.Carbo, result.Advice.Protein, result.Advice.Fat,
		result.NutrientAnalysis, result.Improvement, result.Recommendation, result.Summary,
		habits.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert eat habits for status %s", statusID)
	}
	return habits, nil
}

func (s *SQLiteStore) GetEatHabitsByStatus(ctx context.Context, statusID string) (*model.EatHabits, error) {
	var h model.EatHabits
	var prediction string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status_id, weight_prediction, advice_carbo, advice_protein, advice_fat, nutrient_analysis, diet_improvement, custom_recommendation, diet_summary, created_at FROM eat_habits WHERE status_id = ?`,
		statusID,
	).Scan(
		&h.ID, &h.StatusID, &prediction,
		&h.Result.Advice.Carbo, &h.Result.Advice.Protein, &h.Result.Advice.Fat,
		&h.Result.NutrientAnalysis, &h.Result.Improvement, &h.Result.Recommendation, &h.Result.Summary,
		&h.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: eat habits for status %s", statusID)
	}
	h.Result.WeightPrediction = model.WeightTrend(prediction)
	return &h, nil
}
