// janitor.go — сервис фоновой очистки scratch-директории и квот.
//
// Janitor выполняет две задачи:
//  1. Удаляет workspace старше TM_SCRATCH_MAX_AGE, оставшиеся после сбоев
//  2. Удаляет отметки доставок, вышедшие за окно квоты
//
// Запускается как горутина с периодическим тикером (TM_JANITOR_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики janitor
var (
	janitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_janitor_runs_total",
		Help: "Общее количество запусков janitor",
	})

	janitorWorkspacesRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_janitor_workspaces_removed_total",
		Help: "Общее количество удалённых устаревших workspace",
	})

	janitorDownloadsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_janitor_downloads_pruned_total",
		Help: "Общее количество удалённых отметок доставок вне окна квоты",
	})

	janitorDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm_janitor_duration_seconds",
		Help:    "Длительность выполнения janitor в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// DownloadPruner — очистка отметок доставок вне окна.
type DownloadPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// JanitorResult — результат одного запуска janitor.
type JanitorResult struct {
	// WorkspacesRemoved — удалено устаревших workspace
	WorkspacesRemoved int
	// DownloadsPruned — удалено отметок доставок
	DownloadsPruned int64
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// JanitorService — сервис фоновой очистки.
type JanitorService struct {
	scratchDir string
	maxAge     time.Duration
	pruner     DownloadPruner
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitorService создаёт janitor. pruner может быть nil.
func NewJanitorService(
	scratchDir string,
	maxAge time.Duration,
	pruner DownloadPruner,
	interval time.Duration,
	logger *slog.Logger,
) *JanitorService {
	return &JanitorService{
		scratchDir: scratchDir,
		maxAge:     maxAge,
		pruner:     pruner,
		interval:   interval,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "janitor")),
	}
}

// Start запускает фоновую горутину janitor с периодическим тикером.
func (j *JanitorService) Start(ctx context.Context) {
	jCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(jCtx)

	j.logger.Info("Janitor запущен",
		slog.String("interval", j.interval.String()),
		slog.String("scratch_dir", j.scratchDir),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения текущего цикла.
func (j *JanitorService) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.logger.Info("Janitor остановлен")
}

// run — основной цикл фоновой горутины.
func (j *JanitorService) run(ctx context.Context) {
	defer close(j.done)

	// Первый запуск — сразу после старта
	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (j *JanitorService) RunOnce(ctx context.Context) *JanitorResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	result := &JanitorResult{}

	// Фаза 1: устаревшие workspace
	removed, errs := j.sweepWorkspaces(j.now().Add(-j.maxAge))
	result.WorkspacesRemoved = removed
	result.Errors += errs

	// Фаза 2: отметки доставок вне окна
	if j.pruner != nil {
		pruned, err := j.pruner.PruneExpired(ctx)
		if err != nil {
			j.logger.Error("Janitor: ошибка очистки отметок доставок",
				slog.String("error", err.Error()),
			)
			result.Errors++
		}
		result.DownloadsPruned = pruned
	}

	result.Duration = time.Since(start)

	janitorRunsTotal.Inc()
	janitorWorkspacesRemovedTotal.Add(float64(result.WorkspacesRemoved))
	janitorDownloadsPrunedTotal.Add(float64(result.DownloadsPruned))
	janitorDurationSeconds.Observe(result.Duration.Seconds())

	j.logger.Info("Janitor завершён",
		slog.Int("workspaces_removed", result.WorkspacesRemoved),
		slog.Int64("downloads_pruned", result.DownloadsPruned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweepWorkspaces удаляет каталоги ws-* с mtime до cutoff.
// Остальное содержимое scratch-директории не трогается.
func (j *JanitorService) sweepWorkspaces(cutoff time.Time) (removed, errs int) {
	entries, err := os.ReadDir(j.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0
		}
		j.logger.Error("Janitor: ошибка чтения scratch-директории",
			slog.String("scratch_dir", j.scratchDir),
			slog.String("error", err.Error()),
		)
		return 0, 1
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkspacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(j.scratchDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Error("Janitor: ошибка удаления workspace",
				slog.String("workspace", e.Name()),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}

		j.logger.Debug("Janitor: workspace удалён",
			slog.String("workspace", e.Name()),
			slog.Time("modified", info.ModTime()),
		)
		removed++
	}

	return removed, errs
}
