package store

import (
	"context"
	"time"

	"github.com/Kyeong6/EATceed-AI/internal/model"
)

// Store defines the persistence interface for the analysis engine.
//
// Analysis status rows are append-only: each batch run creates a fresh
// PENDING row per member and finalizes that same row; "current state" is
// the most recent row by analysis date.
type Store interface {
	// Members and meals (owned externally, read-only here).
	ListMemberIDs(ctx context.Context) ([]int64, error)
	GetMemberProfile(ctx context.Context, memberID int64) (*model.MemberProfile, error)
	ListWeeklyMeals(ctx context.Context, memberID int64, from, to time.Time) ([]model.Meal, error)

	// Analysis status lifecycle.
	CreateAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error)
	CompleteAnalysisStatus(ctx context.Context, statusID string) error
	FailAnalysisStatus(ctx context.Context, statusID string) error
	LatestAnalysisStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error)
	LatestCompletedStatus(ctx context.Context, memberID int64) (*model.AnalysisStatus, error)
	HasPendingForMember(ctx context.Context, memberID int64) (bool, error)
	// AnyOtherPending reports whether any member other than memberID has
	// a pending row. Callers use it as a best-effort "batch in flight"
	// signal, not as a lock.
	AnyOtherPending(ctx context.Context, memberID int64) (bool, error)

	// Results.
	CreateEatHabits(ctx context.Context, statusID string, result model.AnalysisResult) (*model.EatHabits, error)
	GetEatHabitsByStatus(ctx context.Context, statusID string) (*model.EatHabits, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
