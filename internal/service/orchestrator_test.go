package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/domain/session"
	"github.com/bigkaa/goartstore/track-module/internal/sink"
	"github.com/bigkaa/goartstore/track-module/internal/ytdlp"
)

const (
	testUser  int64 = 42
	trackLink       = "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC?si=x"
	trackID         = "4uLU6hMCjMI75M1A2tKUQC"
)

// --- Mock MetadataResolver ---

type mockResolver struct {
	resolveFn func(ref model.MediaReference) (*model.MediaMetadata, error)
}

func (m *mockResolver) Resolve(_ context.Context, ref model.MediaReference) (*model.MediaMetadata, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ref)
	}
	meta := testMetadata()
	meta.ID = ref.ID
	return meta, nil
}

// --- Mock DeliverySink ---

type mockSink struct {
	mu         sync.Mutex
	archived   map[string]bool
	archiveErr error
	deliverErr error
	deliveries []model.Delivery
}

func newMockSink() *mockSink {
	return &mockSink{archived: make(map[string]bool)}
}

func (m *mockSink) Archive(_ context.Context, a model.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveErr != nil {
		return "", m.archiveErr
	}
	handle := sink.HandlePrefix + a.TrackID
	m.archived[handle] = true
	return handle, nil
}

func (m *mockSink) Deliver(_ context.Context, _ int64, d model.Delivery) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliverErr != nil {
		return nil, m.deliverErr
	}
	if d.Handle != "" && !m.archived[d.Handle] {
		return nil, sink.ErrArtifactNotFound
	}
	if d.Handle == "" && d.Artifact == nil {
		return nil, sink.ErrNothingToDeliver
	}
	m.deliveries = append(m.deliveries, d)
	return &model.Receipt{Handle: d.Handle, URL: "http://sink/" + d.Handle}, nil
}

func (m *mockSink) deliveryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

func (m *mockSink) lastDelivery() model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[len(m.deliveries)-1]
}

// --- Fixture ---

type orchFixture struct {
	o        *Orchestrator
	resolver *mockResolver
	repo     *mockArchiveRepo
	store    *memQuotaStore
	tool     *mockTool
	sink     *mockSink
	scratch  string
}

func newOrchFixture(t *testing.T, limit int) *orchFixture {
	t.Helper()
	f := &orchFixture{
		resolver: &mockResolver{},
		repo:     newMockArchiveRepo(),
		store:    newMemQuotaStore(),
		tool:     &mockTool{fetchFn: fetchInto(".jpg")},
		sink:     newMockSink(),
		scratch:  t.TempDir(),
	}
	logger := testLogger()
	f.o = NewOrchestrator(
		f.resolver,
		NewArchiveService(f.repo, 100, time.Minute, logger),
		NewQuotaEnforcer(f.store, limit, 24*time.Hour, logger),
		NewAcquisitionWorker(f.tool, f.scratch, time.Minute, time.Second, logger),
		f.sink,
		NewProgressReporter(time.Millisecond, logger),
		logger,
	)
	return f
}

// submit переводит сессию в metadata_ready.
func (f *orchFixture) submit(t *testing.T) {
	t.Helper()
	out := f.o.SubmitReference(context.Background(), testUser, trackLink)
	if out.Code != CodeMetadataReady {
		t.Fatalf("SubmitReference: код %s, ожидался METADATA_READY (%v)", out.Code, out.Err)
	}
}

func (f *orchFixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	if ws := workspaces(t, f.scratch); len(ws) != 0 {
		t.Errorf("остались workspace: %v", ws)
	}
}

func (f *orchFixture) assertReset(t *testing.T, code string) {
	t.Helper()
	view := f.o.Session(testUser)
	if view.State != session.StateAwaitingReference {
		t.Errorf("состояние после завершения %q, ожидалось awaiting_reference", view.State)
	}
	if view.LastOutcome == nil || view.LastOutcome.Code != code {
		t.Errorf("LastOutcome = %+v, ожидался код %s", view.LastOutcome, code)
	}
}

// waitAcquiring ждёт, пока сессия не перейдёт в acquiring.
func waitAcquiring(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Session(testUser).State != session.StateAcquiring {
		if time.Now().After(deadline) {
			t.Fatal("сессия не перешла в acquiring")
		}
		time.Sleep(time.Millisecond)
	}
}

// --- Тесты SubmitReference ---

func TestSubmitReference_MetadataReady(t *testing.T) {
	f := newOrchFixture(t, 5)

	out := f.o.SubmitReference(context.Background(), testUser, trackLink)
	if out.Code != CodeMetadataReady || out.State != session.StateMetadataReady {
		t.Fatalf("получено %s/%s, ожидалось METADATA_READY/metadata_ready", out.Code, out.State)
	}
	if out.Metadata == nil || out.Metadata.ID != trackID {
		t.Errorf("Metadata = %+v, ожидался трек %s", out.Metadata, trackID)
	}
	if !f.store.users[testUser] {
		t.Error("пользователь не зарегистрирован при первом обращении")
	}
	if view := f.o.Session(testUser); view.Metadata == nil || view.Metadata.ID != trackID {
		t.Errorf("метаданные не сохранены в сессии: %+v", view.Metadata)
	}
}

func TestSubmitReference_Rejected(t *testing.T) {
	f := newOrchFixture(t, 5)

	for _, text := range []string{
		"просто текст",
		"https://open.spotify.com/album/1DFixLWuPkv3KT3TnV35m3",
		"spotify:playlist:37i9dQZF1DXcBWIGoYBM5M",
	} {
		out := f.o.SubmitReference(context.Background(), testUser, text)
		if out.Code != CodeInputRejected || !errors.Is(out.Err, ErrInputRejected) {
			t.Errorf("%q: код %s (%v), ожидался INPUT_REJECTED", text, out.Code, out.Err)
		}
		if out.State != session.StateAwaitingReference {
			t.Errorf("%q: состояние %s, ожидалось awaiting_reference", text, out.State)
		}
	}
}

func TestSubmitReference_ResolutionFailed(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.resolver.resolveFn = func(model.MediaReference) (*model.MediaMetadata, error) {
		return nil, errors.New("503")
	}

	out := f.o.SubmitReference(context.Background(), testUser, trackLink)
	if out.Code != CodeResolutionFailed || !errors.Is(out.Err, ErrResolutionFailed) {
		t.Fatalf("код %s (%v), ожидался RESOLUTION_FAILED", out.Code, out.Err)
	}
	if out.State != session.StateAwaitingReference {
		t.Errorf("состояние %s, ожидалось awaiting_reference", out.State)
	}
}

func TestSubmitReference_ReplacesMetadata(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.submit(t)

	out := f.o.SubmitReference(context.Background(), testUser, "spotify:track:7GhIk7Il098yCjg4BQjzvb")
	if out.Code != CodeMetadataReady {
		t.Fatalf("код %s, ожидался METADATA_READY", out.Code)
	}
	if view := f.o.Session(testUser); view.Metadata.ID != "7GhIk7Il098yCjg4BQjzvb" {
		t.Errorf("метаданные не заменены: %s", view.Metadata.ID)
	}
}

// --- Тесты ConfirmDownload ---

// Промах архива, квота в норме: загрузка, публикация, доставка, учёт.
func TestConfirmDownload_MissAcquiresAndPublishes(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDelivered || out.State != session.StateDelivered {
		t.Fatalf("код %s/%s (%v), ожидалось DELIVERED", out.Code, out.State, out.Err)
	}
	if out.Receipt == nil || out.Receipt.FromArchive {
		t.Errorf("Receipt = %+v, ожидалась свежая доставка", out.Receipt)
	}
	if f.tool.callCount() != 1 {
		t.Errorf("вызовов инструмента: %d, ожидался 1", f.tool.callCount())
	}

	entry, _ := f.repo.Get(context.Background(), trackID)
	if entry == nil || entry.RemoteHandle != sink.HandlePrefix+trackID {
		t.Errorf("запись архива = %+v", entry)
	}
	if f.store.total(testUser) != 1 {
		t.Errorf("счётчик доставок %d, ожидался 1", f.store.total(testUser))
	}
	if d := f.sink.lastDelivery(); d.Artifact == nil || d.Artifact.ArtworkPath == "" {
		t.Error("обложка не передана в доставку")
	}
	f.assertScratchEmpty(t)
	f.assertReset(t, CodeDelivered)
}

// Попадание в архив: без загрузки, счётчик увеличивается.
func TestConfirmDownload_HitNonVIP(t *testing.T) {
	f := newOrchFixture(t, 5)
	_, _ = f.repo.Upsert(context.Background(), trackID, sink.HandlePrefix+trackID, time.Now())
	f.sink.archived[sink.HandlePrefix+trackID] = true
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, "")
	if out.Code != CodeDelivered {
		t.Fatalf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	if !out.Receipt.FromArchive {
		t.Error("ожидалась доставка из архива")
	}
	if f.tool.callCount() != 0 {
		t.Error("при попадании инструмент не должен вызываться")
	}
	if f.store.total(testUser) != 1 {
		t.Errorf("счётчик доставок %d, ожидался 1", f.store.total(testUser))
	}
	f.assertReset(t, CodeDelivered)
}

// Загрузка одним пользователем публикует трек, второй получает его из архива.
func TestConfirmDownload_SecondUserHitsPublishedTrack(t *testing.T) {
	f := newOrchFixture(t, 5)
	userA, userB := testUser, testUser+1

	if out := f.o.SubmitReference(context.Background(), userA, trackLink); out.Code != CodeMetadataReady {
		t.Fatalf("пользователь A: код %s, ожидался METADATA_READY", out.Code)
	}
	outA := f.o.ConfirmDownload(context.Background(), userA, trackID)
	if outA.Code != CodeDelivered || outA.Receipt.FromArchive {
		t.Fatalf("пользователь A: %s (%v), ожидалась свежая доставка", outA.Code, outA.Err)
	}
	if f.tool.callCount() != 1 {
		t.Fatalf("вызовов инструмента: %d, ожидался 1", f.tool.callCount())
	}

	if out := f.o.SubmitReference(context.Background(), userB, trackLink); out.Code != CodeMetadataReady {
		t.Fatalf("пользователь B: код %s, ожидался METADATA_READY", out.Code)
	}
	outB := f.o.ConfirmDownload(context.Background(), userB, trackID)
	if outB.Code != CodeDelivered {
		t.Fatalf("пользователь B: код %s (%v), ожидался DELIVERED", outB.Code, outB.Err)
	}
	if !outB.Receipt.FromArchive || outB.Receipt.Handle != outA.Receipt.Handle {
		t.Errorf("пользователь B: Receipt = %+v, ожидалась доставка %s из архива", outB.Receipt, outA.Receipt.Handle)
	}
	if f.tool.callCount() != 1 {
		t.Errorf("при попадании инструмент вызван повторно: %d вызовов", f.tool.callCount())
	}
	if f.store.total(userA) != 1 || f.store.total(userB) != 1 {
		t.Errorf("счётчики доставок A=%d B=%d, ожидалось 1 и 1", f.store.total(userA), f.store.total(userB))
	}
	f.assertScratchEmpty(t)
}

// VIP и попадание: без загрузки, без учёта.
func TestConfirmDownload_HitVIP(t *testing.T) {
	f := newOrchFixture(t, 1)
	f.store.vip[testUser] = model.VIPRecord{Flag: true}
	_, _ = f.repo.Upsert(context.Background(), trackID, sink.HandlePrefix+trackID, time.Now())
	f.sink.archived[sink.HandlePrefix+trackID] = true

	for i := 0; i < 3; i++ {
		f.submit(t)
		if out := f.o.ConfirmDownload(context.Background(), testUser, trackID); out.Code != CodeDelivered {
			t.Fatalf("доставка %d: код %s, ожидался DELIVERED", i, out.Code)
		}
	}
	if f.tool.callCount() != 0 {
		t.Error("инструмент не должен вызываться")
	}
	if f.store.total(testUser) != 0 {
		t.Errorf("для VIP счётчик %d, ожидался 0", f.store.total(testUser))
	}
}

// Исчерпанная квота: отказ с предложением VIP, без загрузки.
func TestConfirmDownload_QuotaExceeded(t *testing.T) {
	f := newOrchFixture(t, 5)
	for i := 0; i < 5; i++ {
		_ = f.store.RecordDownload(context.Background(), testUser, time.Now().Add(-time.Minute))
	}
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeQuotaExceeded || !out.VIPUpsell {
		t.Fatalf("код %s upsell=%v, ожидался QUOTA_EXCEEDED с upsell", out.Code, out.VIPUpsell)
	}
	if out.State != session.StateFailed {
		t.Errorf("состояние %s, ожидалось failed", out.State)
	}
	if f.tool.callCount() != 0 || f.sink.deliveryCount() != 0 {
		t.Error("при отказе по квоте не должно быть загрузки и доставки")
	}
	f.assertReset(t, CodeQuotaExceeded)
}

// Недоступное хранилище квот трактуется как исчерпанная квота.
func TestConfirmDownload_QuotaStoreUnavailable(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.store.countErr = errors.New("connection refused")
	f.submit(t)

	if out := f.o.ConfirmDownload(context.Background(), testUser, trackID); out.Code != CodeQuotaExceeded {
		t.Errorf("код %s, ожидался QUOTA_EXCEEDED", out.Code)
	}
}

// Недоступный архив трактуется как промах.
func TestConfirmDownload_ArchiveUnavailable(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.repo.getErr = errors.New("connection refused")
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDelivered {
		t.Fatalf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	if f.tool.callCount() != 1 {
		t.Errorf("вызовов инструмента: %d, ожидался 1", f.tool.callCount())
	}
}

// Handle из архива отсутствует в хранилище: повторная загрузка.
func TestConfirmDownload_StaleHandleReacquires(t *testing.T) {
	f := newOrchFixture(t, 5)
	_, _ = f.repo.Upsert(context.Background(), trackID, "sha256:gone", time.Now())
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDelivered {
		t.Fatalf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	if f.tool.callCount() != 1 {
		t.Errorf("вызовов инструмента: %d, ожидался 1", f.tool.callCount())
	}
	if entry, _ := f.repo.Get(context.Background(), trackID); entry.RemoteHandle == "sha256:gone" {
		t.Error("запись архива не обновлена")
	}
}

// Ошибка публикации в архив: доставка всё равно выполняется.
func TestConfirmDownload_PublishFailure(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.repo.upsertFn = func(string, string) error { return errors.New("deadlock") }
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDelivered {
		t.Fatalf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	if f.repo.count() != 0 {
		t.Error("запись архива не должна появиться")
	}
	f.assertScratchEmpty(t)
}

// Ошибка сохранения в хранилище: доставляется локальный файл.
func TestConfirmDownload_ArchiveUploadFailure(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.sink.archiveErr = errors.New("bucket unavailable")
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDelivered {
		t.Fatalf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	d := f.sink.lastDelivery()
	if d.Handle != "" || d.Artifact == nil {
		t.Errorf("ожидалась доставка локального файла, получено %+v", d)
	}
	if f.repo.count() != 0 {
		t.Error("запись архива не должна появиться")
	}
}

// Ошибка доставки: DELIVERY_FAILED, учёт не выполняется.
func TestConfirmDownload_DeliveryFailed(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.sink.deliverErr = errors.New("sink down")
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeDeliveryFailed || !errors.Is(out.Err, ErrDeliveryFailed) {
		t.Fatalf("код %s (%v), ожидался DELIVERY_FAILED", out.Code, out.Err)
	}
	if f.store.total(testUser) != 0 {
		t.Error("неуспешная доставка не должна учитываться")
	}
	f.assertScratchEmpty(t)
	f.assertReset(t, CodeDeliveryFailed)
}

// Ошибка учёта после доставки не влияет на результат.
func TestConfirmDownload_RecordFailure(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.store.recordErr = errors.New("write failed")
	f.submit(t)

	if out := f.o.ConfirmDownload(context.Background(), testUser, trackID); out.Code != CodeDelivered {
		t.Errorf("код %s, ожидался DELIVERED", out.Code)
	}
}

func TestConfirmDownload_NoMatch(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.tool.fetchFn = func(context.Context, string, string) (*ytdlp.Result, error) {
		return nil, ytdlp.ErrNoMatch
	}
	f.submit(t)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeAcquisitionNoMatch || out.State != session.StateFailed {
		t.Fatalf("код %s/%s, ожидалось ACQUISITION_NO_MATCH/failed", out.Code, out.State)
	}
	if f.repo.count() != 0 || f.sink.deliveryCount() != 0 {
		t.Error("при ошибке загрузки не должно быть публикации и доставки")
	}
	f.assertScratchEmpty(t)
	f.assertReset(t, CodeAcquisitionNoMatch)
}

func TestConfirmDownload_ToolError(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.tool.fetchFn = func(context.Context, string, string) (*ytdlp.Result, error) {
		return nil, &ytdlp.ToolError{ExitCode: 2}
	}
	f.submit(t)

	if out := f.o.ConfirmDownload(context.Background(), testUser, trackID); out.Code != CodeAcquisitionToolError {
		t.Errorf("код %s, ожидался ACQUISITION_TOOL_ERROR", out.Code)
	}
	f.assertScratchEmpty(t)
}

func TestConfirmDownload_Stale(t *testing.T) {
	f := newOrchFixture(t, 5)

	out := f.o.ConfirmDownload(context.Background(), testUser, trackID)
	if out.Code != CodeStaleSession || !errors.Is(out.Err, ErrStaleSession) {
		t.Errorf("без метаданных: код %s, ожидался STALE_SESSION", out.Code)
	}

	f.submit(t)
	out = f.o.ConfirmDownload(context.Background(), testUser, "otherTrack")
	if out.Code != CodeStaleSession {
		t.Errorf("чужой трек: код %s, ожидался STALE_SESSION", out.Code)
	}
	if f.o.Session(testUser).State != session.StateMetadataReady {
		t.Error("устаревшее подтверждение не должно менять состояние")
	}
	if f.tool.callCount() != 0 {
		t.Error("инструмент не должен вызываться")
	}
}

// TestStartDownload_SecondConfirmIsStale проверяет, что сессия уходит
// в acquiring до возврата StartDownload, и второе подтверждение отклоняется.
func TestStartDownload_SecondConfirmIsStale(t *testing.T) {
	f := newOrchFixture(t, 5)
	f.submit(t)

	run, err := f.o.StartDownload(context.Background(), testUser, trackID)
	if err != nil {
		t.Fatalf("StartDownload ошибка: %v", err)
	}
	if st := f.o.Session(testUser).State; st != session.StateAcquiring {
		t.Errorf("состояние после StartDownload %s, ожидалось acquiring", st)
	}

	if _, err := f.o.StartDownload(context.Background(), testUser, trackID); !errors.Is(err, ErrStaleSession) {
		t.Errorf("повторный StartDownload: ожидалась ErrStaleSession, получено %v", err)
	}

	out := run()
	if out.Code != CodeDelivered {
		t.Fatalf("код %s, ожидался DELIVERED", out.Code)
	}
	if f.tool.callCount() != 1 {
		t.Errorf("вызовов инструмента: %d, ожидался 1", f.tool.callCount())
	}
}

// --- Конкурентные сценарии ---

// blockingTool блокирует загрузку до отмены или release.
func blockingTool(started chan<- struct{}, release <-chan struct{}) func(ctx context.Context, query, dir string) (*ytdlp.Result, error) {
	var once sync.Once
	return func(ctx context.Context, query, dir string) (*ytdlp.Result, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return fetchInto("")(ctx, query, dir)
		}
	}
}

// Отмена во время загрузки: workspace удалён, архив и доставка не тронуты.
func TestCancel_DuringAcquisition(t *testing.T) {
	f := newOrchFixture(t, 5)
	started := make(chan struct{})
	f.tool.fetchFn = blockingTool(started, make(chan struct{}))
	f.submit(t)

	done := make(chan Outcome, 1)
	go func() { done <- f.o.ConfirmDownload(context.Background(), testUser, trackID) }()
	<-started

	cancelledBefore := testutil.ToFloat64(requestsTotal.WithLabelValues(CodeCancelled))
	if out := f.o.Cancel(testUser); out.Code != CodeCancelled {
		t.Errorf("Cancel: код %s, ожидался CANCELLED", out.Code)
	}
	if got := testutil.ToFloat64(requestsTotal.WithLabelValues(CodeCancelled)) - cancelledBefore; got != 1 {
		t.Errorf("tm_requests_total{outcome=CANCELLED} после Cancel +%v, ожидалось +1", got)
	}

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ConfirmDownload не завершился после отмены")
	}
	if out.Code != CodeCancelled || out.State != session.StateCancelled || !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("получено %s/%s (%v), ожидалось CANCELLED/cancelled", out.Code, out.State, out.Err)
	}
	if f.repo.count() != 0 {
		t.Error("после отмены не должно быть записи архива")
	}
	if f.sink.deliveryCount() != 0 {
		t.Error("после отмены не должно быть доставки")
	}
	if f.store.total(testUser) != 0 {
		t.Error("отменённый запрос не должен учитываться")
	}
	f.assertScratchEmpty(t)
	f.assertReset(t, CodeCancelled)
}

// Отмена вне загрузки сбрасывает сессию.
func TestCancel_Idle(t *testing.T) {
	f := newOrchFixture(t, 5)
	if out := f.o.Cancel(testUser); out.State != session.StateAwaitingReference {
		t.Errorf("состояние %s, ожидалось awaiting_reference", out.State)
	}

	f.submit(t)
	f.o.Cancel(testUser)
	view := f.o.Session(testUser)
	if view.State != session.StateAwaitingReference || view.Metadata != nil {
		t.Errorf("после отмены: %s, metadata=%v", view.State, view.Metadata)
	}
}

// Новая ссылка во время загрузки отклоняется, прогресс виден в снимке.
func TestSubmitReference_BusyDuringAcquisition(t *testing.T) {
	f := newOrchFixture(t, 5)
	started := make(chan struct{})
	release := make(chan struct{})
	f.tool.fetchFn = blockingTool(started, release)
	f.submit(t)

	done := make(chan Outcome, 1)
	go func() { done <- f.o.ConfirmDownload(context.Background(), testUser, trackID) }()
	<-started
	waitAcquiring(t, f.o)

	out := f.o.SubmitReference(context.Background(), testUser, trackLink)
	if out.Code != CodeSessionBusy || !errors.Is(out.Err, ErrSessionBusy) {
		t.Errorf("код %s, ожидался SESSION_BUSY", out.Code)
	}
	if again := f.o.ConfirmDownload(context.Background(), testUser, trackID); again.Code != CodeStaleSession {
		t.Errorf("повторное подтверждение: код %s, ожидался STALE_SESSION", again.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.o.Session(testUser).Progress == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.o.Session(testUser).Progress == "" {
		t.Error("индикатор прогресса не отображается в снимке сессии")
	}

	close(release)
	if out := <-done; out.Code != CodeDelivered {
		t.Errorf("код %s (%v), ожидался DELIVERED", out.Code, out.Err)
	}
	if view := f.o.Session(testUser); view.Progress != "" {
		t.Errorf("после завершения Progress = %q", view.Progress)
	}
}

// Пользователи независимы.
func TestOrchestrator_UsersIndependent(t *testing.T) {
	f := newOrchFixture(t, 5)
	started := make(chan struct{})
	release := make(chan struct{})
	f.tool.fetchFn = blockingTool(started, release)
	f.submit(t)

	done := make(chan Outcome, 1)
	go func() { done <- f.o.ConfirmDownload(context.Background(), testUser, trackID) }()
	<-started

	out := f.o.SubmitReference(context.Background(), testUser+1, trackLink)
	if out.Code != CodeMetadataReady {
		t.Errorf("другой пользователь: код %s, ожидался METADATA_READY", out.Code)
	}

	close(release)
	<-done
}
