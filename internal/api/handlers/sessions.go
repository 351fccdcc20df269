// sessions.go — обработчики сессии пользователя:
// ссылка, подтверждение загрузки, отмена, снимок сессии.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/track-module/internal/api/errors"
	"github.com/bigkaa/goartstore/track-module/internal/service"
)

// maxBodyBytes — ограничение размера тела запроса.
const maxBodyBytes = 64 << 10

type referenceRequest struct {
	Reference string `json:"reference"`
}

type downloadRequest struct {
	TrackID string `json:"track_id"`
}

type acceptedResponse struct {
	Code    string `json:"code"`
	UserID  int64  `json:"user_id"`
	TrackID string `json:"track_id,omitempty"`
}

// handleSubmitReference — POST /api/v1/users/{user_id}/reference.
func (h *APIHandler) handleSubmitReference(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r)
	if !ok {
		apierrors.ValidationError(w, "Некорректный user_id")
		return
	}

	var req referenceRequest
	if err := decodeBody(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if req.Reference == "" {
		apierrors.ValidationError(w, "Поле reference обязательно")
		return
	}

	out := h.pipeline.SubmitReference(r.Context(), userID, req.Reference)
	writeJSON(w, outcomeStatus(out), out)
}

// handleConfirmDownload — POST /api/v1/users/{user_id}/download.
// Доставка выполняется в фоне, результат доступен через GET .../session.
func (h *APIHandler) handleConfirmDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r)
	if !ok {
		apierrors.ValidationError(w, "Некорректный user_id")
		return
	}

	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	// Доставка не зависит от HTTP-запроса, только от контекста приложения
	ctx := h.baseCtx
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}

	// Сессия переходит в acquiring до ответа 202: повторный POST получит 409
	run, err := h.pipeline.StartDownload(ctx, userID, req.TrackID)
	if err != nil {
		apierrors.StaleSession(w, err.Error())
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out := run()
		h.logger.Info("Доставка завершена",
			slog.Int64("user_id", userID),
			slog.String("code", out.Code),
		)
	}()

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Code:    service.CodeAccepted,
		UserID:  userID,
		TrackID: req.TrackID,
	})
}

// handleCancel — POST /api/v1/users/{user_id}/cancel.
func (h *APIHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r)
	if !ok {
		apierrors.ValidationError(w, "Некорректный user_id")
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Cancel(userID))
}

// handleGetSession — GET /api/v1/users/{user_id}/session.
func (h *APIHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r)
	if !ok {
		apierrors.ValidationError(w, "Некорректный user_id")
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Session(userID))
}

// decodeBody разбирает JSON-тело. Пустое тело допустимо.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// outcomeStatus сопоставляет код результата HTTP-статусу.
func outcomeStatus(out service.Outcome) int {
	switch out.Code {
	case service.CodeMetadataReady, service.CodeDelivered, service.CodeCancelled:
		return http.StatusOK
	case service.CodeInputRejected:
		return http.StatusUnprocessableEntity
	case service.CodeResolutionFailed:
		return http.StatusBadGateway
	case service.CodeSessionBusy, service.CodeStaleSession:
		return http.StatusConflict
	case service.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
