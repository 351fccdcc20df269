// archive.go — ArchiveService: архив трек → handle (cache-aside).
// Point lookup и атомарный upsert в PostgreSQL, перед ними —
// per-instance LRU-кэш с TTL (hashicorp/golang-lru/v2/expirable).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/repository"
)

// Prometheus-метрики архива.
var (
	archiveLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_archive_lookups_total",
		Help: "Количество обращений к архиву по результату (hit, miss, error).",
	}, []string{"result"})
	archiveCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_archive_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш архива.",
	})
	archivePublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_archive_publish_total",
		Help: "Количество публикаций в архив по результату (ok, error).",
	}, []string{"result"})
)

// ArchiveService — архив ранее доставленных артефактов.
// Пассивен: никогда не инициирует загрузку.
type ArchiveService struct {
	repo   repository.ArchiveRepository
	cache  *expirable.LRU[string, *model.ArchiveEntry]
	logger *slog.Logger

	// cacheMu делает проверку «в кэше не новее» и Add атомарными
	// относительно записи в кэш из Publish.
	cacheMu sync.Mutex
}

// NewArchiveService создаёт сервис архива.
// cacheSize — максимальное количество записей в LRU, ttl — время жизни записи.
func NewArchiveService(repo repository.ArchiveRepository, cacheSize int, ttl time.Duration, logger *slog.Logger) *ArchiveService {
	return &ArchiveService{
		repo:   repo,
		cache:  expirable.NewLRU[string, *model.ArchiveEntry](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "archive")),
	}
}

// Lookup возвращает запись архива или (nil, nil), если трека нет.
// Ошибка хранилища оборачивается в ErrCacheUnavailable.
func (s *ArchiveService) Lookup(ctx context.Context, trackID string) (*model.ArchiveEntry, error) {
	if entry, ok := s.cache.Get(trackID); ok {
		archiveCacheHitsTotal.Inc()
		archiveLookupsTotal.WithLabelValues("hit").Inc()
		return entry, nil
	}

	entry, err := s.repo.Get(ctx, trackID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			archiveLookupsTotal.WithLabelValues("miss").Inc()
			return nil, nil
		}
		archiveLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	archiveLookupsTotal.WithLabelValues("hit").Inc()
	return s.remember(trackID, entry, false), nil
}

// remember кладёт запись в LRU, если там нет записи новее (опубликованной,
// пока шло чтение или параллельный upsert). Возвращает актуальную.
// published — запись из upsert: при равном ArchivedAt она заменяет кэш.
func (s *ArchiveService) remember(trackID string, entry *model.ArchiveEntry, published bool) *model.ArchiveEntry {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if cached, ok := s.cache.Peek(trackID); ok {
		newer := cached.ArchivedAt.After(entry.ArchivedAt)
		if newer || (!published && cached.ArchivedAt.Equal(entry.ArchivedAt)) {
			return cached
		}
	}
	s.cache.Add(trackID, entry)
	return entry
}

// Publish атомарно записывает handle для трека (last-write-wins)
// и кладёт результат upsert в LRU.
func (s *ArchiveService) Publish(ctx context.Context, trackID, handle string) (*model.ArchiveEntry, error) {
	if trackID == "" || handle == "" {
		return nil, fmt.Errorf("пустой track_id или handle")
	}

	entry, err := s.repo.Upsert(ctx, trackID, handle, time.Now().UTC())
	if err != nil {
		// Upsert мог примениться до обрыва соединения
		s.cacheMu.Lock()
		s.cache.Remove(trackID)
		s.cacheMu.Unlock()
		archivePublishTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	s.remember(trackID, entry, true)

	archivePublishTotal.WithLabelValues("ok").Inc()
	s.logger.Info("Трек опубликован в архив",
		slog.String("track_id", trackID),
		slog.String("handle", handle),
	)
	return entry, nil
}
