package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/evaluate"
	"github.com/Kyeong6/EATceed-AI/internal/model"
	"github.com/Kyeong6/EATceed-AI/internal/orchestrator"
	"github.com/Kyeong6/EATceed-AI/internal/quota"
)

// stubStore backs the orchestrator with canned state.
type stubStore struct {
	mu       sync.Mutex
	statuses []*model.AnalysisStatus
	habits   map[string]*model.EatHabits
}

func newStubStore() *stubStore {
	return &stubStore{habits: make(map[string]*model.EatHabits)}
}

func (s *stubStore) ListMemberIDs(context.Context) ([]int64, error) { return nil, nil }

func (s *stubStore) GetMemberProfile(_ context.Context, id int64) (*model.MemberProfile, error) {
	return &model.MemberProfile{ID: id}, nil
}

func (s *stubStore) ListWeeklyMeals(context.Context, int64, time.Time, time.Time) ([]model.Meal, error) {
	return nil, nil
}

func (s *stubStore) CreateAnalysisStatus(_ context.Context, memberID int64) (*model.AnalysisStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &model.AnalysisStatus{ID: uuid.New().String(), MemberID: memberID, IsPending: true, AnalysisDate: time.Now()}
	s.statuses = append(s.statuses, st)
	return st, nil
}

func (s *stubStore) CompleteAnalysisStatus(_ context.Context, id string) error {
	return s.finalize(id, true)
}

func (s *stubStore) FailAnalysisStatus(_ context.Context, id string) error {
	return s.finalize(id, false)
}

func (s *stubStore) finalize(id string, analyzed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st.ID == id {
			st.IsPending = false
			st.IsAnalyzed = analyzed
			return nil
		}
	}
	return errors.New("not found")
}

func (s *stubStore) LatestAnalysisStatus(_ context.Context, memberID int64) (*model.AnalysisStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.AnalysisStatus
	for _, st := range s.statuses {
		if st.MemberID == memberID {
			latest = st
		}
	}
	return latest, nil
}

func (s *stubStore) LatestCompletedStatus(_ context.Context, memberID int64) (*model.AnalysisStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.AnalysisStatus
	for _, st := range s.statuses {
		if st.MemberID == memberID && st.IsAnalyzed {
			latest = st
		}
	}
	return latest, nil
}

func (s *stubStore) HasPendingForMember(_ context.Context, memberID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st.MemberID == memberID && st.IsPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) AnyOtherPending(_ context.Context, memberID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st.MemberID != memberID && st.IsPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) CreateEatHabits(_ context.Context, statusID string, result model.AnalysisResult) (*model.EatHabits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &model.EatHabits{ID: uuid.New().String(), StatusID: statusID, Result: result, CreatedAt: time.Now()}
	s.habits[statusID] = h
	return h, nil
}

func (s *stubStore) GetEatHabitsByStatus(_ context.Context, statusID string) (*model.EatHabits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.habits[statusID], nil
}

func (s *stubStore) Migrate(context.Context) error { return nil }
func (s *stubStore) Close() error                  { return nil }

type stubCollector struct{}

func (stubCollector) Collect(_ context.Context, id int64) (*model.UserMetrics, error) {
	return &model.UserMetrics{Profile: model.MemberProfile{ID: id}}, nil
}

type stubRunner struct{}

func (stubRunner) Execute(context.Context, *model.UserMetrics) (*model.AnalysisResult, evaluate.Scores, error) {
	return &model.AnalysisResult{Summary: "ok"}, evaluate.Scores{}, nil
}

type stubAnalyzer struct {
	err error
}

func (a *stubAnalyzer) Analyze(context.Context, int64, []byte) (map[string]any, error) {
	if a.err != nil {
		return nil, a.err
	}
	return map[string]any{"food_name": "bibimbap"}, nil
}

func newTestServer(t *testing.T, analyzer ImageAnalyzer, limit int) (*Server, *stubStore) {
	t.Helper()
	st := newStubStore()
	orch := orchestrator.New(st, stubCollector{}, stubRunner{}, 2)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	tracker, err := quota.New(rdb, limit, "UTC")
	require.NoError(t, err)

	return New(orch, tracker, analyzer, config.ServerConfig{Port: 0}), st
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func imageRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "meal.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleStatus(t *testing.T) {
	s, st := newTestServer(t, nil, 5)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/diet-analysis/1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.MemberStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.StateNoRecord, got.State)

	status, err := st.CreateAnalysisStatus(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, st.CompleteAnalysisStatus(context.Background(), status.ID))

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/diet-analysis/1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.StateCompleted, got.State)
	assert.NotNil(t, got.LastRunAt)
}

func TestHandleStatus_BadMemberID(t *testing.T) {
	s, _ := newTestServer(t, nil, 5)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/diet-analysis/abc/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLatestResult(t *testing.T) {
	s, st := newTestServer(t, nil, 5)
	ctx := context.Background()

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/diet-analysis/1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	status, err := st.CreateAnalysisStatus(ctx, 1)
	require.NoError(t, err)
	_, err = st.CreateEatHabits(ctx, status.ID, model.AnalysisResult{Summary: "weekly summary"})
	require.NoError(t, err)
	require.NoError(t, st.CompleteAnalysisStatus(ctx, status.ID))

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/diet-analysis/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result model.AnalysisResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "weekly summary", resp.Result.Summary)
}

func TestHandleTriggerBatch(t *testing.T) {
	s, _ := newTestServer(t, nil, 5)

	rec := doRequest(s, httptest.NewRequest(http.MethodPost, "/v1/ai/batch/trigger", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "started", resp.Status)
}

func TestHandleQuotaRemaining(t *testing.T) {
	s, _ := newTestServer(t, nil, 5)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/food-image/1/remaining", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Remaining)
}

func TestHandleFoodImage_ConsumesQuota(t *testing.T) {
	s, _ := newTestServer(t, &stubAnalyzer{}, 2)

	for want := 1; want >= 0; want-- {
		rec := doRequest(s, imageRequest(t, "/v1/ai/food-image/1"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Remaining int `json:"remaining"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.Remaining)
	}

	rec := doRequest(s, imageRequest(t, "/v1/ai/food-image/1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleFoodImage_NoAnalyzerConfigured(t *testing.T) {
	s, _ := newTestServer(t, nil, 5)

	rec := doRequest(s, imageRequest(t, "/v1/ai/food-image/1"))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func remainingFor(t *testing.T, s *Server, memberID string) int {
	t.Helper()
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/v1/ai/food-image/"+memberID+"/remaining", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Remaining
}

func TestHandleFoodImage_AnalyzerFailure(t *testing.T) {
	s, _ := newTestServer(t, &stubAnalyzer{err: errors.New("vision model down")}, 5)

	rec := doRequest(s, imageRequest(t, "/v1/ai/food-image/1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// A failed analysis must not count against the daily budget.
	assert.Equal(t, 5, remainingFor(t, s, "1"))
}

func TestHandleFoodImage_BadUploadDoesNotConsumeQuota(t *testing.T) {
	s, _ := newTestServer(t, &stubAnalyzer{}, 5)

	req := httptest.NewRequest(http.MethodPost, "/v1/ai/food-image/1", bytes.NewBufferString("not multipart"))
	req.Header.Set("Content-Type", "text/plain")

	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 5, remainingFor(t, s, "1"))
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil, 5)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
