package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/ytdlp"
)

// fetchInto имитирует успешную загрузку: создаёт mp3 и, опционально, миниатюру.
func fetchInto(thumbExt string) func(ctx context.Context, query, dir string) (*ytdlp.Result, error) {
	return func(_ context.Context, _, dir string) (*ytdlp.Result, error) {
		media := filepath.Join(dir, "Song.mp3")
		if err := os.WriteFile(media, []byte("ID3 audio"), 0o644); err != nil {
			return nil, err
		}
		res := &ytdlp.Result{MediaPath: media}
		if thumbExt != "" {
			res.ThumbnailPath = filepath.Join(dir, "Song"+thumbExt)
			if err := os.WriteFile(res.ThumbnailPath, []byte("img"), 0o644); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
}

func newTestWorker(t *testing.T, tool AcquisitionTool, timeout, grace time.Duration) (*AcquisitionWorker, string) {
	t.Helper()
	scratch := t.TempDir()
	return NewAcquisitionWorker(tool, scratch, timeout, grace, testLogger()), scratch
}

// workspaces возвращает каталоги ws-* в scratch.
func workspaces(t *testing.T, scratch string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(scratch, WorkspacePrefix+"*"))
	if err != nil {
		t.Fatalf("Glob ошибка: %v", err)
	}
	return matches
}

// TestAcquire_Success проверяет успешную загрузку в свежий workspace.
func TestAcquire_Success(t *testing.T) {
	var gotQuery string
	tool := &mockTool{fetchFn: func(ctx context.Context, query, dir string) (*ytdlp.Result, error) {
		gotQuery = query
		return fetchInto(".webp")(ctx, query, dir)
	}}
	w, scratch := newTestWorker(t, tool, time.Minute, time.Second)

	acq, err := w.Acquire(context.Background(), testMetadata())
	if err != nil {
		t.Fatalf("Acquire ошибка: %v", err)
	}
	if gotQuery != "Never Gonna Give You Up - Rick Astley" {
		t.Errorf("query = %q", gotQuery)
	}
	if filepath.Dir(acq.Workspace) != scratch || !strings.HasPrefix(filepath.Base(acq.Workspace), WorkspacePrefix) {
		t.Errorf("Workspace = %q, ожидался %s/ws-*", acq.Workspace, scratch)
	}
	if filepath.Dir(acq.MediaPath) != acq.Workspace {
		t.Errorf("MediaPath %q вне workspace", acq.MediaPath)
	}
	if filepath.Ext(acq.ArtworkPath) != ".webp" {
		t.Errorf("ArtworkPath = %q, ожидался .webp", acq.ArtworkPath)
	}

	w.Dispose(acq.Workspace)
	if len(workspaces(t, scratch)) != 0 {
		t.Error("workspace не удалён после Dispose")
	}
}

// TestAcquire_FreshWorkspace проверяет уникальность workspace.
func TestAcquire_FreshWorkspace(t *testing.T) {
	tool := &mockTool{fetchFn: fetchInto("")}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	a1, err := w.Acquire(context.Background(), testMetadata())
	if err != nil {
		t.Fatalf("Acquire ошибка: %v", err)
	}
	a2, err := w.Acquire(context.Background(), testMetadata())
	if err != nil {
		t.Fatalf("Acquire ошибка: %v", err)
	}
	if a1.Workspace == a2.Workspace {
		t.Errorf("workspace совпадают: %q", a1.Workspace)
	}
}

// TestAcquire_NoMatch проверяет ErrAcquisitionNoMatch.
func TestAcquire_NoMatch(t *testing.T) {
	tool := &mockTool{fetchFn: func(context.Context, string, string) (*ytdlp.Result, error) {
		return nil, ytdlp.ErrNoMatch
	}}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	acq, err := w.Acquire(context.Background(), testMetadata())
	if !errors.Is(err, ErrAcquisitionNoMatch) {
		t.Fatalf("ожидалась ErrAcquisitionNoMatch, получено %v", err)
	}
	if acq == nil || acq.Workspace == "" {
		t.Fatal("workspace должен возвращаться и при ошибке")
	}
	w.Dispose(acq.Workspace)
}

// TestAcquire_ToolError проверяет ErrAcquisitionToolError.
func TestAcquire_ToolError(t *testing.T) {
	tool := &mockTool{fetchFn: func(context.Context, string, string) (*ytdlp.Result, error) {
		return nil, &ytdlp.ToolError{ExitCode: 1, Stderr: "ERROR: network"}
	}}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	_, err := w.Acquire(context.Background(), testMetadata())
	if !errors.Is(err, ErrAcquisitionToolError) {
		t.Errorf("ожидалась ErrAcquisitionToolError, получено %v", err)
	}
	if errors.Is(err, ErrAcquisitionNoMatch) {
		t.Error("ошибка инструмента не должна быть ErrAcquisitionNoMatch")
	}
}

// TestAcquire_EmptyQuery проверяет отказ без вызова инструмента.
func TestAcquire_EmptyQuery(t *testing.T) {
	tool := &mockTool{fetchFn: fetchInto("")}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	acq, err := w.Acquire(context.Background(), &model.MediaMetadata{ID: "x", Title: " "})
	if !errors.Is(err, ErrAcquisitionToolError) {
		t.Errorf("ожидалась ErrAcquisitionToolError, получено %v", err)
	}
	if tool.callCount() != 0 {
		t.Error("инструмент не должен вызываться для пустого запроса")
	}
	if acq != nil {
		w.Dispose(acq.Workspace)
	}
}

// TestAcquire_Timeout проверяет верхнюю границу времени загрузки.
func TestAcquire_Timeout(t *testing.T) {
	tool := &mockTool{fetchFn: func(ctx context.Context, _, _ string) (*ytdlp.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w, _ := newTestWorker(t, tool, 50*time.Millisecond, time.Second)

	_, err := w.Acquire(context.Background(), testMetadata())
	if !errors.Is(err, ErrAcquisitionTimeout) {
		t.Errorf("ожидалась ErrAcquisitionTimeout, получено %v", err)
	}
	if !errors.Is(err, ErrAcquisitionToolError) {
		t.Error("таймаут должен быть ErrAcquisitionToolError")
	}
}

// TestAcquire_CancelAbandon проверяет отмену при инструменте, игнорирующем
// контекст: Acquire возвращается после grace, workspace удаляется позже.
func TestAcquire_CancelAbandon(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tool := &mockTool{fetchFn: func(_ context.Context, _, dir string) (*ytdlp.Result, error) {
		close(started)
		<-release
		// Поздняя запись в уже удалённый workspace
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, "late.mp3"), []byte("x"), 0o644)
		return nil, errors.New("killed")
	}}
	w, scratch := newTestWorker(t, tool, time.Minute, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	acq, err := w.Acquire(ctx, testMetadata())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("ожидалась ErrCancelled, получено %v", err)
	}
	if time.Since(begin) > 2*time.Second {
		t.Errorf("Acquire вернулся через %v", time.Since(begin))
	}
	w.Dispose(acq.Workspace)

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for len(workspaces(t, scratch)) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ws := workspaces(t, scratch); len(ws) != 0 {
		t.Errorf("после завершения отпущенного вызова остались workspace: %v", ws)
	}
}

// TestAcquire_PathOutsideWorkspace проверяет отказ на пути вне workspace.
func TestAcquire_PathOutsideWorkspace(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "evil.mp3")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &mockTool{fetchFn: func(context.Context, string, string) (*ytdlp.Result, error) {
		return &ytdlp.Result{MediaPath: outside}, nil
	}}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	_, err := w.Acquire(context.Background(), testMetadata())
	if !errors.Is(err, ErrAcquisitionToolError) {
		t.Errorf("ожидалась ErrAcquisitionToolError, получено %v", err)
	}
}

// TestAcquire_ArtworkFallback проверяет загрузку обложки по URL.
func TestAcquire_ArtworkFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	tool := &mockTool{fetchFn: fetchInto("")}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	meta := testMetadata()
	meta.ArtworkURL = srv.URL + "/cover"
	acq, err := w.Acquire(context.Background(), meta)
	if err != nil {
		t.Fatalf("Acquire ошибка: %v", err)
	}
	if acq.ArtworkPath != filepath.Join(acq.Workspace, "cover.png") {
		t.Errorf("ArtworkPath = %q, ожидался cover.png в workspace", acq.ArtworkPath)
	}
}

// TestAcquire_ArtworkFallbackFailure проверяет, что ошибка обложки не ломает загрузку.
func TestAcquire_ArtworkFallbackFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tool := &mockTool{fetchFn: fetchInto("")}
	w, _ := newTestWorker(t, tool, time.Minute, time.Second)

	meta := testMetadata()
	meta.ArtworkURL = srv.URL
	acq, err := w.Acquire(context.Background(), meta)
	if err != nil {
		t.Fatalf("Acquire ошибка: %v", err)
	}
	if acq.ArtworkPath != "" {
		t.Errorf("ArtworkPath = %q, ожидалась пустая строка", acq.ArtworkPath)
	}
}
