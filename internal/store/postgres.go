package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/db"
	"github.com/Kyeong6/EATceed-AI/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"insert_status":     `INSERT INTO analysis_status (id, member_id, is_analyzed, is_pending, analysis_date) VALUES ($1, $2, false, true, $3)`,
	"complete_status":   `UPDATE analysis_status SET is_analyzed = true, is_pending = false, analysis_date = $1 WHERE id = $2`,
	"fail_status":       `UPDATE analysis_status SET is_analyzed = false, is_pending = false, analysis_date = $1 WHERE id = $2`,
	"latest_status":     `SELECT id, member_id, is_analyzed, is_pending, analysis_date FROM analysis_status WHERE member_id = $1 ORDER BY analysis_date DESC LIMIT 1`,
	"insert_eat_habits": `INSERT INTO eat_habits (id, status_id, weight_prediction, advice_carbo, advice_protein, advice_fat, nutrient_analysis, diet_improvement, custom_recommendation, diet_summary, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analysis_status (
	id            TEXT PRIMARY KEY,
	member_id     BIGINT NOT NULL,
	is_analyzed   BOOLEAN NOT NULL DEFAULT false,
	is_pending    BOOLEAN NOT NULL DEFAULT true,
	analysis_date TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_status_member_date
	ON analysis_status (member_id, analysis_date DESC);

CREATE INDEX IF NOT EXISTS idx_analysis_status_pending
	ON analysis_status (is_pending) WHERE is_pending;

CREATE TABLE IF NOT EXISTS eat_habits (
	id                    TEXT PRIMARY KEY,
	status_id             TEXT NOT NULL REFERENCES analysis_status(id),
	weight_prediction     TEXT NOT NULL,
	advice_carbo          TEXT NOT NULL,
	advice_protein        TEXT NOT NULL,
	advice_fat            TEXT NOT NULL,
	nutrient_analysis     TEXT NOT NULL,
	diet_improvement      TEXT NOT NULL,
	custom_recommendation TEXT NOT NULL,
	diet_summary          TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_eat_habits_status
	ON eat_habits (status_id);
`

// Migrate creates the engine-owned tables. Member, meal, and food tables
// belong to the main backend and are only read here.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListMemberIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM members ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list members")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate members")
	}
	return ids, nil
}

func (s *PostgresStore) GetMemberProfile(ctx context.Context, memberID int64) (*model.MemberProfile, error) {
	var p model.MemberProfile
	var activity string
	err := s.pool.QueryRow(ctx,
		`SELECT id, gender, age, height_cm, weight_kg, activity FROM members WHERE id = $1`,
		memberID,
	).Scan(&p.ID, &p.Gender, &p.Age, &p.HeightCM, &p.WeightKG, &activity)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get member %d", memberID)
	}
	p.Activity = model.ActivityLevel(activity)
	return &p, nil
}

func (s *PostgresStore) ListWeeklyMeals(ctx context.Context, memberID int64, from, to time.Time) ([]model.Meal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.created_at,
		        f.id, f.serving_size, f.calorie, f.carbohydrate, f.protein, f.fat, f.sugars, f.dietary_fiber, f.sodium,
		        mf.multiple, mf.grams
		 FROM meals m
		 JOIN meal_foods mf ON mf.meal_id = m.id
		 JOIN foods f ON f.id = mf.food_id
		 WHERE m.member_id = $1 AND m.created_at >= $2 AND m.created_at < $3
		 ORDER BY m.id`,
		memberID, from, to,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: weekly meals for member %d", memberID)
	}
	defer rows.Close()

	var meals []model.Meal
	byID := make(map[int64]int)

	for rows.Next() {
		var mealID int64
		var createdAt time.Time
		var food model.Food
		var multiple, grams *float64

		if err := rows.Scan(
			&mealID, &createdAt,
			&food.ID, &food.ServingSize,
			&food.Nutrition.Calorie, &food.Nutrition.Carbohydrate, &food.Nutrition.Protein,
			&food.Nutrition.Fat, &food.Nutrition.Sugars, &food.Nutrition.DietaryFiber, &food.Nutrition.Sodium,
			&multiple, &grams,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan meal row")
		}

		idx, ok := byID[mealID]
		if !ok {
			meals = append(meals, model.Meal{ID: mealID, MemberID: memberID, CreatedAt: createdAt})
			idx = len(meals) - 1
			byID[mealID] = idx
		}
		meals[idx].Portions = append(meals[idx].Portions, model.MealPortion{
			Food:     food,
			Multiple: multiple,
			Grams:    grams,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate meals")
	}
	return meals, nil
}

func (s *PostgresStore) CreateAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	status := &model.AnalysisStatus{
		ID:           uuid.New().String(),
		MemberID:     memberID,
		IsAnalyzed:   false,
		IsPending:    true,
		AnalysisDate: time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_status (id, member_id, is_analyzed, is_pending, analysis_date) VALUES ($1, $2, false, true, $3)`,
		status.ID, status.MemberID, status.AnalysisDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert status for member %d", memberID)
	}
	return status, nil
}

func (s *PostgresStore) CompleteAnalysisStatus(ctx context.Context, statusID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_status SET is_analyzed = true, is_pending = false, analysis_date = $1 WHERE id = $2`,
		time.Now().UTC(), statusID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete status %s", statusID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("analysis status not found: %s", statusID)
	}
	return nil
}

func (s *PostgresStore) FailAnalysisStatus(ctx context.Context, statusID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_status SET is_analyzed = false, is_pending = false, analysis_date = $1 WHERE id = $2`,
		time.Now().UTC(), statusID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail status %s", statusID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("analysis status not found: %s", statusID)
	}
	return nil
}

func (s *PostgresStore) LatestAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	var st model.AnalysisStatus
	err := s.pool.QueryRow(ctx,
		`SELECT id, member_id, is_analyzed, is_pending, analysis_date FROM analysis_status WHERE member_id = $1 ORDER BY analysis_date DESC LIMIT 1`,
		memberID,
	).Scan(&st.ID, &st.MemberID, &st.IsAnalyzed, &st.IsPending, &st.AnalysisDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest status for member %d", memberID)
	}
	return &st, nil
}

func (s *PostgresStore) LatestCompletedStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error) {
	var st model.AnalysisStatus
	err := s.pool.QueryRow(ctx,
		`SELECT id, member_id, is_analyzed, is_pending, analysis_date FROM analysis_status WHERE member_id = $1 AND is_analyzed ORDER BY analysis_date DESC LIMIT 1`,
		memberID,
	).Scan(&st.ID, &st.MemberID, &st.IsAnalyzed, &st.IsPending, &st.AnalysisDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest completed status for member %d", memberID)
	}
	return &st, nil
}

func (s *PostgresStore) HasPendingForMember(ctx context.Context, memberID int64) (bool, error) {
	var pending bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_status WHERE member_id = $1 AND is_pending)`,
		memberID,
	).Scan(&pending)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: pending check for member %d", memberID)
	}
	return pending, nil
}

func (s *PostgresStore) AnyOtherPending(ctx context.Context, memberID int64) (bool, error) {
	var pending bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_status WHERE member_id <> $1 AND is_pending)`,
		memberID,
	).Scan(&pending)
	if err != nil {
		return false, eris.Wrap(err, "postgres: any-other-pending check")
	}
	return pending, nil
}

func (s *PostgresStore) CreateEatHabits(ctx context.Context, statusID string, result model.AnalysisResult) (*model.EatHabits, error) {
	habits := &model.EatHabits{
		ID:        uuid.New().String(),
		StatusID:  statusID,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO eat_habits (id, status_id, weight_prediction, advice_carbo, advice_protein, advice_fat, nutrient_analysis, diet_improvement, custom_recommendation, diet_summary, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		habits.ID, habits.StatusID,
		string(result.WeightPrediction),
		result.Advice.Carbo, result.Advice.Protein, result.Advice.Fat,
		result.NutrientAnalysis, result.Improvement, result.Recommendation, result.Summary,
		habits.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert eat habits for status %s", statusID)
	}
	return habits, nil
}

func (s *PostgresStore) GetEatHabitsByStatus(ctx context.Context, statusID string) (*model.EatHabits, error) {
	var h model.EatHabits
	var prediction string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status_id, weight_prediction, advice_carbo, advice_protein, advice_fat, nutrient_analysis, diet_improvement, custom_recommendation, diet_summary, created_at FROM eat_habits WHERE status_id = $1`,
		statusID,
	).Scan(
		&h.ID, &h.StatusID, &prediction,
		&h.Result.Advice.Carbo, &h.Result.Advice.Protein, &h.Result.Advice.Fat,
		&h.Result.NutrientAnalysis, &h.Result.Improvement, &h.Result.Recommendation, &h.Result.Summary,
		&h.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: eat habits for status %s", statusID)
	}
	h.Result.WeightPrediction = model.WeightTrend(prediction)
	return &h, nil
}
