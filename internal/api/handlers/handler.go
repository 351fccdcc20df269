// handler.go — основной обработчик API Track Module.
// Регистрирует маршруты chi и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/track-module/internal/service"
)

// Pipeline — операции конвейера запросов пользователя.
type Pipeline interface {
	SubmitReference(ctx context.Context, userID int64, text string) service.Outcome
	// StartDownload синхронно занимает сессию и возвращает фоновую доставку
	StartDownload(ctx context.Context, userID int64, trackID string) (func() service.Outcome, error)
	Cancel(userID int64) service.Outcome
	Session(userID int64) service.SessionView
}

// ArtifactOpener — чтение артефактов локального хранилища.
type ArtifactOpener interface {
	Open(sum string) (*os.File, error)
}

// APIHandler — основной обработчик API Track Module.
type APIHandler struct {
	health    *HealthHandler
	pipeline  Pipeline
	artifacts ArtifactOpener
	logger    *slog.Logger

	// baseCtx — контекст приложения для фоновых доставок
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewAPIHandler создаёт основной обработчик API.
// baseCtx ограничивает время жизни фоновых доставок (отменяется при shutdown).
// artifacts может быть nil (S3) — GET /api/v1/artifacts/{hash} вернёт 501.
func NewAPIHandler(
	baseCtx context.Context,
	health *HealthHandler,
	pipeline Pipeline,
	artifacts ArtifactOpener,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		pipeline:  pipeline,
		artifacts: artifacts,
		logger:    logger.With(slog.String("component", "api_handler")),
		baseCtx:   baseCtx,
	}
}

// Register регистрирует маршруты API в роутере.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{user_id}", func(r chi.Router) {
			r.Post("/reference", h.handleSubmitReference)
			r.Post("/download", h.handleConfirmDownload)
			r.Post("/cancel", h.handleCancel)
			r.Get("/session", h.handleGetSession)
		})
		r.Get("/artifacts/{hash}", h.handleGetArtifact)
	})
}

// Wait ожидает завершения фоновых доставок.
func (h *APIHandler) Wait() {
	h.wg.Wait()
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseUserID извлекает user_id из пути. Допустимы только положительные целые.
func parseUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
