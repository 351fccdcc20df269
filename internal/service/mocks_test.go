package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/repository"
	"github.com/bigkaa/goartstore/track-module/internal/ytdlp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock ArchiveRepository ---

type mockArchiveRepo struct {
	mu       sync.Mutex
	entries  map[string]*model.ArchiveEntry
	gets     int
	getErr   error
	upsertFn func(trackID, handle string) error
	// afterGet вызывается после чтения записи, вне блокировки
	afterGet func()
}

func newMockArchiveRepo() *mockArchiveRepo {
	return &mockArchiveRepo{entries: make(map[string]*model.ArchiveEntry)}
}

func (m *mockArchiveRepo) Get(_ context.Context, trackID string) (*model.ArchiveEntry, error) {
	m.mu.Lock()
	m.gets++
	getErr := m.getErr
	e, ok := m.entries[trackID]
	var cp model.ArchiveEntry
	if ok {
		cp = *e
	}
	hook := m.afterGet
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &cp, nil
}

func (m *mockArchiveRepo) Upsert(_ context.Context, trackID, handle string, at time.Time) (*model.ArchiveEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertFn != nil {
		if err := m.upsertFn(trackID, handle); err != nil {
			return nil, err
		}
	}
	e := &model.ArchiveEntry{TrackID: trackID, RemoteHandle: handle, ArchivedAt: at}
	m.entries[trackID] = e
	cp := *e
	return &cp, nil
}

func (m *mockArchiveRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// --- In-memory QuotaStore ---

type memQuotaStore struct {
	mu        sync.Mutex
	users     map[int64]bool
	vip       map[int64]model.VIPRecord
	downloads map[int64][]time.Time
	totals    map[int64]int64
	vipErr    error
	countErr  error
	recordErr error
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{
		users:     make(map[int64]bool),
		vip:       make(map[int64]model.VIPRecord),
		downloads: make(map[int64][]time.Time),
		totals:    make(map[int64]int64),
	}
}

func (m *memQuotaStore) EnsureUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
	return nil
}

func (m *memQuotaStore) VIPRecord(_ context.Context, userID int64) (model.VIPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vipErr != nil {
		return model.VIPRecord{}, m.vipErr
	}
	return m.vip[userID], nil
}

func (m *memQuotaStore) CountDownloadsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, ts := range m.downloads[userID] {
		if ts.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memQuotaStore) RecordDownload(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.users[userID] = true
	m.downloads[userID] = append(m.downloads[userID], at)
	sort.Slice(m.downloads[userID], func(i, j int) bool { return m.downloads[userID][i].Before(m.downloads[userID][j]) })
	m.totals[userID]++
	return nil
}

func (m *memQuotaStore) PruneDownloadsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, list := range m.downloads {
		kept := list[:0]
		for _, ts := range list {
			if ts.Before(before) {
				removed++
				continue
			}
			kept = append(kept, ts)
		}
		m.downloads[id] = kept
	}
	return removed, nil
}

func (m *memQuotaStore) total(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[userID]
}

// --- Mock AcquisitionTool ---

type mockTool struct {
	fetchFn func(ctx context.Context, query, dir string) (*ytdlp.Result, error)
	calls   int
	mu      sync.Mutex
}

func (m *mockTool) SearchAndFetch(ctx context.Context, query, dir string) (*ytdlp.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fetchFn(ctx, query, dir)
}

func (m *mockTool) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testMetadata() *model.MediaMetadata {
	return &model.MediaMetadata{
		ID:                 "4uLU6hMCjMI75M1A2tKUQC",
		Title:              "Never Gonna Give You Up",
		PrimaryContributor: "Rick Astley",
		AlbumName:          "Whenever You Need Somebody",
		DurationMillis:     213573,
	}
}
