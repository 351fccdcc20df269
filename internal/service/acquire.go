// acquire.go — AcquisitionWorker: загрузка трека внешним инструментом
// в свежий scratch workspace с таймаутом, отменой и очисткой.
//
// Вызов инструмента блокирующий и не всегда реагирует на отмену сразу,
// поэтому выполняется в отдельной горутине. После отмены worker ждёт
// не дольше abandonGrace, затем отпускает вызов; workspace повторно
// удаляется, когда отпущенный вызов наконец вернётся.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/ytdlp"
)

// WorkspacePrefix — префикс имени каталога scratch workspace.
const WorkspacePrefix = "ws-"

// maxArtworkBytes — ограничение размера обложки, загружаемой по URL.
const maxArtworkBytes = 10 << 20

var (
	acquisitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tm_acquisition_duration_seconds",
		Help:    "Длительность загрузки трека в секундах по результату.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"result"})
	acquisitionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tm_acquisitions_active",
		Help: "Количество выполняющихся вызовов инструмента загрузки (включая отпущенные).",
	})
)

// AcquisitionTool — внешний инструмент поиска и загрузки.
type AcquisitionTool interface {
	SearchAndFetch(ctx context.Context, query, dir string) (*ytdlp.Result, error)
}

// Acquisition — результат загрузки. Все пути лежат внутри Workspace.
type Acquisition struct {
	// Workspace — каталог, принадлежащий этой загрузке
	Workspace string
	// MediaPath — медиафайл
	MediaPath string
	// ArtworkPath — обложка (пустая строка — нет)
	ArtworkPath string
}

// AcquisitionWorker — загрузка треков в scratch workspace.
type AcquisitionWorker struct {
	tool         AcquisitionTool
	scratchDir   string
	timeout      time.Duration
	abandonGrace time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewAcquisitionWorker создаёт AcquisitionWorker.
// timeout — верхняя граница загрузки, abandonGrace — ожидание инструмента после отмены.
func NewAcquisitionWorker(
	tool AcquisitionTool,
	scratchDir string,
	timeout time.Duration,
	abandonGrace time.Duration,
	logger *slog.Logger,
) *AcquisitionWorker {
	return &AcquisitionWorker{
		tool:         tool,
		scratchDir:   scratchDir,
		timeout:      timeout,
		abandonGrace: abandonGrace,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger.With(slog.String("component", "acquisition")),
	}
}

type toolResult struct {
	res *ytdlp.Result
	err error
}

// Acquire загружает трек по метаданным.
//
// Workspace возвращается и при ошибке (если был создан): его удаление —
// обязанность вызывающего (Dispose) после остановки индикатора прогресса.
//
// Ошибки: ErrAcquisitionNoMatch, ErrAcquisitionToolError (в т.ч. ErrAcquisitionTimeout), ErrCancelled.
func (w *AcquisitionWorker) Acquire(ctx context.Context, meta *model.MediaMetadata) (*Acquisition, error) {
	start := time.Now()

	ws, err := w.newWorkspace()
	if err != nil {
		acquisitionDuration.WithLabelValues("tool_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionToolError, err)
	}
	acq := &Acquisition{Workspace: ws}

	query := meta.SearchQuery()
	if query == "" {
		acquisitionDuration.WithLabelValues("tool_error").Observe(time.Since(start).Seconds())
		return acq, fmt.Errorf("%w: пустой поисковый запрос", ErrAcquisitionToolError)
	}

	log := w.logger.With(
		slog.String("track_id", meta.ID),
		slog.String("workspace", filepath.Base(ws)),
	)
	log.Info("Загрузка начата", slog.String("query", query))

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	done := make(chan toolResult, 1)
	acquisitionsActive.Inc()
	go func() {
		res, err := w.tool.SearchAndFetch(runCtx, query, ws)
		done <- toolResult{res: res, err: err}
	}()

	var r toolResult
	select {
	case r = <-done:
		acquisitionsActive.Dec()
	case <-runCtx.Done():
		cancel()
		w.awaitOrAbandon(done, ws, log)
		if ctx.Err() != nil {
			acquisitionDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			log.Info("Загрузка отменена")
			return acq, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		acquisitionDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		log.Warn("Превышено время загрузки", slog.Duration("timeout", w.timeout))
		return acq, ErrAcquisitionTimeout
	}

	if err := w.classify(ctx, runCtx, r.err); err != nil {
		acquisitionDuration.WithLabelValues(resultLabel(err)).Observe(time.Since(start).Seconds())
		log.Warn("Загрузка не удалась", slog.String("error", err.Error()))
		return acq, err
	}

	if r.res == nil {
		acquisitionDuration.WithLabelValues("tool_error").Observe(time.Since(start).Seconds())
		return acq, fmt.Errorf("%w: пустой результат инструмента", ErrAcquisitionToolError)
	}
	if !withinWorkspace(ws, r.res.MediaPath) || !isRegularFile(r.res.MediaPath) {
		acquisitionDuration.WithLabelValues("tool_error").Observe(time.Since(start).Seconds())
		return acq, fmt.Errorf("%w: медиафайл вне workspace или отсутствует: %q", ErrAcquisitionToolError, r.res.MediaPath)
	}
	acq.MediaPath = r.res.MediaPath

	if r.res.ThumbnailPath != "" && withinWorkspace(ws, r.res.ThumbnailPath) && isRegularFile(r.res.ThumbnailPath) {
		acq.ArtworkPath = r.res.ThumbnailPath
	} else if meta.ArtworkURL != "" {
		acq.ArtworkPath = w.fetchArtwork(ctx, meta.ArtworkURL, ws, log)
	}

	acquisitionDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	log.Info("Загрузка завершена",
		slog.String("file", filepath.Base(acq.MediaPath)),
		slog.Bool("artwork", acq.ArtworkPath != ""),
		slog.Duration("duration", time.Since(start)),
	)
	return acq, nil
}

// Dispose рекурсивно удаляет workspace. Ошибки логируются.
func (w *AcquisitionWorker) Dispose(workspace string) {
	if workspace == "" {
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		w.logger.Warn("Не удалось удалить workspace",
			slog.String("workspace", workspace),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Debug("Workspace удалён", slog.String("workspace", filepath.Base(workspace)))
}

// ScratchDir возвращает корневой каталог scratch workspace.
func (w *AcquisitionWorker) ScratchDir() string {
	return w.scratchDir
}

// newWorkspace создаёт каталог ws-<uuid v4> внутри scratchDir.
func (w *AcquisitionWorker) newWorkspace() (string, error) {
	if err := os.MkdirAll(w.scratchDir, 0o750); err != nil {
		return "", fmt.Errorf("создание scratch-директории %s: %w", w.scratchDir, err)
	}
	ws := filepath.Join(w.scratchDir, WorkspacePrefix+uuid.NewString())
	if err := os.Mkdir(ws, 0o700); err != nil {
		return "", fmt.Errorf("создание workspace: %w", err)
	}
	return ws, nil
}

// awaitOrAbandon ждёт завершения инструмента не дольше abandonGrace.
// Отпущенный вызов по завершении повторно удаляет workspace.
func (w *AcquisitionWorker) awaitOrAbandon(done <-chan toolResult, ws string, log *slog.Logger) {
	timer := time.NewTimer(w.abandonGrace)
	defer timer.Stop()

	select {
	case <-done:
		acquisitionsActive.Dec()
	case <-timer.C:
		log.Warn("Инструмент загрузки не завершился после отмены, вызов отпущен",
			slog.Duration("grace", w.abandonGrace),
		)
		go func() {
			<-done
			acquisitionsActive.Dec()
			w.Dispose(ws)
		}()
	}
}

// classify преобразует ошибку инструмента в ошибку сервиса.
func (w *AcquisitionWorker) classify(ctx, runCtx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return ErrAcquisitionTimeout
	case errors.Is(err, ytdlp.ErrNoMatch):
		return fmt.Errorf("%w: %v", ErrAcquisitionNoMatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrAcquisitionToolError, err)
	}
}

// fetchArtwork загружает обложку по URL в workspace. Best-effort: ошибки логируются.
func (w *AcquisitionWorker) fetchArtwork(ctx context.Context, rawURL, ws string, log *slog.Logger) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		log.Debug("Некорректный URL обложки", slog.String("error", err.Error()))
		return ""
	}

	resp, err := w.httpClient.Do(req) //nolint:gosec // G704: URL из ответа Spotify API
	if err != nil {
		log.Warn("Не удалось загрузить обложку", slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("Не удалось загрузить обложку", slog.Int("status", resp.StatusCode))
		return ""
	}

	ext := ".jpg"
	switch ct := resp.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, "image/png"):
		ext = ".png"
	case strings.HasPrefix(ct, "image/webp"):
		ext = ".webp"
	}

	path := filepath.Join(ws, "cover"+ext)
	f, err := os.Create(path)
	if err != nil {
		log.Warn("Не удалось сохранить обложку", slog.String("error", err.Error()))
		return ""
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxArtworkBytes)); err != nil {
		f.Close()
		os.Remove(path)
		log.Warn("Не удалось сохранить обложку", slog.String("error", err.Error()))
		return ""
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ""
	}
	return path
}

// withinWorkspace проверяет, что path лежит внутри ws.
func withinWorkspace(ws, path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(ws, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func isRegularFile(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrAcquisitionTimeout):
		return "timeout"
	case errors.Is(err, ErrAcquisitionNoMatch):
		return "no_match"
	default:
		return "tool_error"
	}
}
