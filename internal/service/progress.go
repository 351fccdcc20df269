// progress.go — ProgressReporter: фоновая анимация индикатора прогресса
// на время загрузки. Чисто наблюдательная: не влияет на исход запроса.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var progressFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tm_progress_frames_total",
	Help: "Количество обновлений индикатора прогресса.",
})

// ProgressFrames — циклическая последовательность кадров индикатора.
var ProgressFrames = []string{
	"⬛⬛⬛⬛⬛⬛⬛⬛⬛⬛",
	"🟩⬛⬛⬛⬛⬛⬛⬛⬛⬛",
	"🟩🟩⬛⬛⬛⬛⬛⬛⬛⬛",
	"🟩🟩🟩⬛⬛⬛⬛⬛⬛⬛",
	"🟩🟩🟩🟩⬛⬛⬛⬛⬛⬛",
	"🟩🟩🟩🟩🟩⬛⬛⬛⬛⬛",
	"🟩🟩🟩🟩🟩🟩⬛⬛⬛⬛",
	"🟩🟩🟩🟩🟩🟩🟩⬛⬛⬛",
	"🟩🟩🟩🟩🟩🟩🟩🟩⬛⬛",
	"🟩🟩🟩🟩🟩🟩🟩🟩🟩⬛",
	"🟩🟩🟩🟩🟩🟩🟩🟩🟩🟩",
}

// ErrIndicatorGone — индикатор удалён или больше не относится к запросу.
// Возвращается Indicator.Update и останавливает анимацию.
var ErrIndicatorGone = errors.New("индикатор прогресса недоступен")

// maxIndicatorFailures — подряд идущих ошибок Update до остановки анимации.
const maxIndicatorFailures = 3

// Indicator — внешний индикатор прогресса.
type Indicator interface {
	Update(ctx context.Context, frame string) error
}

// ProgressReporter запускает анимацию индикатора с фиксированным интервалом.
type ProgressReporter struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewProgressReporter создаёт ProgressReporter.
func NewProgressReporter(interval time.Duration, logger *slog.Logger) *ProgressReporter {
	return &ProgressReporter{
		interval: interval,
		logger:   logger.With(slog.String("component", "progress")),
	}
}

// ProgressTask — handle запущенной анимации.
type ProgressTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start запускает анимацию в отдельной горутине. Первый кадр выводится сразу.
func (r *ProgressReporter) Start(ctx context.Context, ind Indicator) *ProgressTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &ProgressTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(taskCtx, ind, task.done)
	return task
}

// Stop запрашивает остановку и ждёт подтверждения: после возврата
// Update больше не вызывается. Повторный вызов безопасен.
func (t *ProgressTask) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done закрывается, когда анимация завершена.
func (t *ProgressTask) Done() <-chan struct{} {
	return t.done
}

func (r *ProgressReporter) run(ctx context.Context, ind Indicator, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := 0
	for i := 0; ; i = (i + 1) % len(ProgressFrames) {
		if ctx.Err() != nil {
			return
		}

		err := ind.Update(ctx, ProgressFrames[i])
		switch {
		case err == nil:
			failures = 0
			progressFramesTotal.Inc()
		case errors.Is(err, ErrIndicatorGone):
			r.logger.Debug("Индикатор прогресса недоступен, анимация остановлена")
			return
		case ctx.Err() != nil:
			return
		default:
			failures++
			r.logger.Warn("Ошибка обновления индикатора прогресса",
				slog.Int("frame", i),
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= maxIndicatorFailures {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
