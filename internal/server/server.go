// Package server exposes the analysis engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/orchestrator"
	"github.com/Kyeong6/EATceed-AI/internal/quota"
)

// ImageAnalyzer handles the on-demand food image path. The engine only
// meters it; the analysis itself is an injected collaborator.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, memberID int64, image []byte) (map[string]any, error)
}

// Server wires the HTTP surface over the orchestrator and quota tracker.
type Server struct {
	orch     *orchestrator.Orchestrator
	quota    *quota.Tracker
	analyzer ImageAnalyzer // nil disables the image endpoints
	http     *http.Server
}

// New builds the Server and its router.
func New(orch *orchestrator.Orchestrator, tracker *quota.Tracker, analyzer ImageAnalyzer, cfg config.ServerConfig) *Server {
	s := &Server{
		orch:     orch,
		quota:    tracker,
		analyzer: analyzer,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/v1/ai", func(r chi.Router) {
		r.Get("/diet-analysis/{memberID}", s.handleLatestResult)
		r.Get("/diet-analysis/{memberID}/status", s.handleStatus)
		r.Post("/batch/trigger", s.handleTriggerBatch)
		r.Get("/food-image/{memberID}/remaining", s.handleQuotaRemaining)
		r.Post("/food-image/{memberID}", s.handleFoodImage)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	zap.L().Info("server: listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func memberID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "memberID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid member id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("server: response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	habits, err := s.orch.GetLatestResult(r.Context(), id)
	if err != nil {
		zap.L().Error("server: latest result lookup failed", zap.Int64("member_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if habits == nil {
		writeError(w, http.StatusNotFound, "no completed analysis")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"member_id":  id,
		"result":     habits.Result,
		"created_at": habits.CreatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.orch.GetStatus(r.Context(), id)
	if err != nil {
		zap.L().Error("server: status lookup failed", zap.Int64("member_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTriggerBatch(w http.ResponseWriter, r *http.Request) {
	// The batch must survive this request's lifetime.
	if err := s.orch.StartBatch(context.Background()); err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleQuotaRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	remaining, err := s.quota.Peek(r.Context(), id)
	if err != nil {
		zap.L().Error("server: quota peek failed", zap.Int64("member_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "quota unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member_id": id, "remaining": remaining})
}

func (s *Server) handleFoodImage(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.analyzer == nil {
		writeError(w, http.StatusNotImplemented, "image analysis not configured")
		return
	}

	remaining, err := s.quota.CheckAndIncrement(r.Context(), id)
	if err != nil {
		if apperr.IsQuotaExceeded(err) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":     "daily quota exceeded",
				"remaining": 0,
			})
			return
		}
		zap.L().Error("server: quota check failed", zap.Int64("member_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "quota unavailable")
		return
	}

	image, err := readImage(r)
	if err != nil {
		s.refundQuota(r.Context(), id)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	analysis, err := s.analyzer.Analyze(r.Context(), id, image)
	if err != nil {
		s.refundQuota(r.Context(), id)
		zap.L().Error("server: image analysis failed", zap.Int64("member_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"member_id": id,
		"remaining": remaining,
		"analysis":  analysis,
	})
}

// refundQuota hands back the unit consumed for a call that did not
// complete, so failed analyses never count against the daily budget.
func (s *Server) refundQuota(ctx context.Context, id int64) {
	if err := s.quota.Refund(ctx, id); err != nil {
		zap.L().Warn("server: quota refund failed", zap.Int64("member_id", id), zap.Error(err))
	}
}

const maxImageBytes = 10 << 20

func readImage(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		return nil, eris.Wrap(err, "server: parse multipart form")
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, eris.Wrap(err, "server: missing image field")
	}
	defer file.Close()

	buf, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "server: read image")
	}
	if len(buf) > maxImageBytes {
		return nil, eris.New("server: image exceeds size limit")
	}
	if len(buf) == 0 {
		return nil, eris.New("server: empty image upload")
	}
	return buf, nil
}
