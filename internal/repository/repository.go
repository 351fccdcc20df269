// Пакет repository — слой доступа к данным: PostgreSQL (архив, квоты)
// и Redis (альтернативный бэкенд квот).
// Все запросы к PostgreSQL — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// ErrNotFound — запись не найдена.
var ErrNotFound = errors.New("запись не найдена")

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ArchiveRepository — таблица archived_tracks.
type ArchiveRepository interface {
	// Get возвращает запись архива. ErrNotFound, если трека нет в архиве.
	Get(ctx context.Context, trackID string) (*model.ArchiveEntry, error)
	// Upsert атомарно создаёт или заменяет запись (last-write-wins).
	Upsert(ctx context.Context, trackID, handle string, at time.Time) (*model.ArchiveEntry, error)
}

// QuotaStore — хранилище данных квот пользователей.
type QuotaStore interface {
	// EnsureUser создаёт пользователя с нулевыми счётчиками при первом обращении.
	EnsureUser(ctx context.Context, userID int64) error
	// VIPRecord возвращает сырые данные о VIP (флаг и членство с датой окончания).
	VIPRecord(ctx context.Context, userID int64) (model.VIPRecord, error)
	// CountDownloadsSince возвращает число доставок строго после since.
	CountDownloadsSince(ctx context.Context, userID int64, since time.Time) (int, error)
	// RecordDownload атомарно добавляет отметку времени и увеличивает счётчик.
	RecordDownload(ctx context.Context, userID int64, at time.Time) error
	// PruneDownloadsBefore удаляет отметки старше before. Возвращает число удалённых.
	PruneDownloadsBefore(ctx context.Context, before time.Time) (int64, error)
}
