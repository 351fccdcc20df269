// quota.go — QuotaEnforcer: лимит доставок в скользящем окне, VIP без лимита.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/repository"
)

var quotaDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tm_quota_denied_total",
	Help: "Количество отказов по квоте (включая отказы при недоступном хранилище).",
})

// QuotaDecision — результат проверки квоты.
type QuotaDecision struct {
	// Eligible — доставка разрешена
	Eligible bool `json:"eligible"`
	// VIP — VIP-статус на момент проверки
	VIP model.VIPStatus `json:"vip"`
	// Used — доставок в текущем окне (не заполняется для VIP)
	Used int `json:"used"`
	// Limit — лимит окна
	Limit int `json:"limit"`
}

// QuotaEnforcer — проверка и учёт квоты пользователя.
type QuotaEnforcer struct {
	store  repository.QuotaStore
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewQuotaEnforcer создаёт QuotaEnforcer.
func NewQuotaEnforcer(store repository.QuotaStore, limit int, window time.Duration, logger *slog.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger.With(slog.String("component", "quota")),
	}
}

// EnsureUser регистрирует пользователя при первом обращении.
func (q *QuotaEnforcer) EnsureUser(ctx context.Context, userID int64) error {
	return q.store.EnsureUser(ctx, userID)
}

// Check определяет, разрешена ли доставка.
//
// Ошибка чтения VIP — пользователь считается не-VIP.
// Ошибка подсчёта доставок — отказ и ErrCacheUnavailable.
func (q *QuotaEnforcer) Check(ctx context.Context, userID int64) (QuotaDecision, error) {
	now := q.now()
	decision := QuotaDecision{Limit: q.limit, VIP: model.VIPStatus{State: model.VIPInactive}}

	rec, err := q.store.VIPRecord(ctx, userID)
	if err != nil {
		q.logger.Warn("Не удалось прочитать VIP, пользователь считается не-VIP",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else {
		decision.VIP = model.ResolveVIP(rec, now)
	}

	if decision.VIP.IsActive() {
		decision.Eligible = true
		return decision, nil
	}

	used, err := q.store.CountDownloadsSince(ctx, userID, now.Add(-q.window))
	if err != nil {
		quotaDeniedTotal.Inc()
		return decision, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	decision.Used = used
	decision.Eligible = used < q.limit
	if !decision.Eligible {
		quotaDeniedTotal.Inc()
	}
	return decision, nil
}

// Record фиксирует успешную доставку.
func (q *QuotaEnforcer) Record(ctx context.Context, userID int64) error {
	return q.store.RecordDownload(ctx, userID, q.now())
}

// PruneExpired удаляет отметки, вышедшие за окно. Не влияет на корректность Check.
func (q *QuotaEnforcer) PruneExpired(ctx context.Context) (int64, error) {
	return q.store.PruneDownloadsBefore(ctx, q.now().Add(-q.window))
}
