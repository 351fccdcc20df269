// artifacts.go — обработчик GET /api/v1/artifacts/{hash}.
// Отдача артефакта локального хранилища (TM_SINK_BACKEND=fs).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/track-module/internal/api/errors"
	"github.com/bigkaa/goartstore/track-module/internal/sink"
)

func (h *APIHandler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		apierrors.NotSupported(w, "Артефакты отдаются напрямую из объектного хранилища")
		return
	}

	sum := chi.URLParam(r, "hash")
	if !sink.IsDigest(sum) {
		apierrors.ValidationError(w, "Некорректный hash артефакта")
		return
	}

	f, err := h.artifacts.Open(sum)
	if err != nil {
		if errors.Is(err, sink.ErrArtifactNotFound) {
			apierrors.NotFound(w, "Артефакт не найден")
			return
		}
		h.logger.Error("Ошибка открытия артефакта",
			slog.String("sha256", sum),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при чтении артефакта")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		apierrors.InternalError(w, "Внутренняя ошибка при чтении артефакта")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("ETag", `"`+sum+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, sum+".mp3", info.ModTime(), f)
}
