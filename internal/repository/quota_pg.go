package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// pgQuotaStore — QuotaStore поверх таблиц users, user_downloads, vip_users.
type pgQuotaStore struct {
	db DBTX
}

// NewPostgresQuotaStore создаёт хранилище квот в PostgreSQL.
func NewPostgresQuotaStore(db DBTX) QuotaStore {
	return &pgQuotaStore{db: db}
}

func (s *pgQuotaStore) EnsureUser(ctx context.Context, userID int64) error {
	query := `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("ошибка регистрации пользователя %d: %w", userID, err)
	}
	return nil
}

func (s *pgQuotaStore) VIPRecord(ctx context.Context, userID int64) (model.VIPRecord, error) {
	query := `
		SELECT
			COALESCE((SELECT is_vip FROM users WHERE user_id = $1), FALSE),
			EXISTS (SELECT 1 FROM vip_users WHERE user_id = $1),
			(SELECT end_date FROM vip_users WHERE user_id = $1)`

	var rec model.VIPRecord
	if err := s.db.QueryRow(ctx, query, userID).Scan(&rec.Flag, &rec.Member, &rec.EndDate); err != nil {
		return model.VIPRecord{}, fmt.Errorf("ошибка чтения VIP пользователя %d: %w", userID, err)
	}
	return rec, nil
}

func (s *pgQuotaStore) CountDownloadsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM user_downloads
		WHERE user_id = $1 AND downloaded_at > $2`

	var count int
	if err := s.db.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта доставок пользователя %d: %w", userID, err)
	}
	return count, nil
}

// RecordDownload выполняет добавление отметки и инкремент счётчика
// одним оператором: частичное применение невозможно.
func (s *pgQuotaStore) RecordDownload(ctx context.Context, userID int64, at time.Time) error {
	query := `
		WITH u AS (
			INSERT INTO users (user_id, total_downloads) VALUES ($1, 1)
			ON CONFLICT (user_id) DO UPDATE SET total_downloads = users.total_downloads + 1
			RETURNING user_id
		)
		INSERT INTO user_downloads (user_id, downloaded_at)
		SELECT user_id, $2 FROM u`

	if _, err := s.db.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("ошибка записи доставки пользователя %d: %w", userID, err)
	}
	return nil
}

func (s *pgQuotaStore) PruneDownloadsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_downloads WHERE downloaded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки истории доставок: %w", err)
	}
	return tag.RowsAffected(), nil
}
