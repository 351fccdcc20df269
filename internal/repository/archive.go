package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// archiveRepo — реализация ArchiveRepository.
type archiveRepo struct {
	db DBTX
}

// NewArchiveRepository создаёт репозиторий архива.
func NewArchiveRepository(db DBTX) ArchiveRepository {
	return &archiveRepo{db: db}
}

func (r *archiveRepo) Get(ctx context.Context, trackID string) (*model.ArchiveEntry, error) {
	query := `
		SELECT track_id, remote_handle, archived_at
		FROM archived_tracks
		WHERE track_id = $1`

	e := &model.ArchiveEntry{}
	err := r.db.QueryRow(ctx, query, trackID).Scan(&e.TrackID, &e.RemoteHandle, &e.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи архива %s: %w", trackID, err)
	}
	return e, nil
}

func (r *archiveRepo) Upsert(ctx context.Context, trackID, handle string, at time.Time) (*model.ArchiveEntry, error) {
	query := `
		INSERT INTO archived_tracks (track_id, remote_handle, archived_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (track_id) DO UPDATE SET
			remote_handle = EXCLUDED.remote_handle,
			archived_at   = EXCLUDED.archived_at
		RETURNING track_id, remote_handle, archived_at`

	e := &model.ArchiveEntry{}
	err := r.db.QueryRow(ctx, query, trackID, handle, at).Scan(&e.TrackID, &e.RemoteHandle, &e.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка записи в архив %s: %w", trackID, err)
	}
	return e, nil
}
