package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// FileStore — content-addressed хранилище артефактов на локальном диске.
// Медиафайл хранится как {hex}.mp3, обложка — {hex}.cover{ext}.
// Ссылки на скачивание обслуживает HTTP API сервиса.
type FileStore struct {
	// dataDir — корневая директория хранения (TM_DATA_DIR)
	dataDir string
	// publicURL — внешний URL сервиса (TM_PUBLIC_URL)
	publicURL string
	logger    *slog.Logger
}

// NewFileStore создаёт FileStore. Создаёт директорию, если она не существует.
func NewFileStore(dataDir, publicURL string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{
		dataDir:   dataDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With(slog.String("component", "filestore")),
	}, nil
}

// Archive сохраняет медиафайл (и обложку) и возвращает handle.
// Повторное сохранение того же содержимого не перезаписывает файл.
func (fs *FileStore) Archive(ctx context.Context, a model.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum, size, err := fs.saveContentAddressed(a.MediaPath)
	if err != nil {
		return "", err
	}

	if a.ArtworkPath != "" {
		coverName := sum + ".cover" + strings.ToLower(filepath.Ext(a.ArtworkPath))
		if err := fs.copyOnce(a.ArtworkPath, coverName); err != nil {
			// Обложка необязательна: артефакт уже сохранён
			fs.logger.Warn("Не удалось сохранить обложку",
				slog.String("track_id", a.TrackID),
				slog.String("error", err.Error()),
			)
		}
	}

	fs.logger.Info("Артефакт сохранён",
		slog.String("track_id", a.TrackID),
		slog.String("sha256", sum),
		slog.Int64("size", size),
	)
	return HandleFor(sum), nil
}

// Deliver формирует ссылку на скачивание артефакта.
// Без handle локальный файл сначала сохраняется в хранилище.
func (fs *FileStore) Deliver(ctx context.Context, userID int64, d model.Delivery) (*model.Receipt, error) {
	handle := d.Handle
	if handle == "" {
		if d.Artifact == nil {
			return nil, ErrNothingToDeliver
		}
		var err error
		if handle, err = fs.Archive(ctx, *d.Artifact); err != nil {
			return nil, err
		}
	}

	sum, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(fs.mediaPath(sum)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, handle)
		}
		return nil, fmt.Errorf("ошибка проверки артефакта %s: %w", handle, err)
	}

	fs.logger.Debug("Ссылка на артефакт выдана",
		slog.Int64("user_id", userID),
		slog.String("handle", handle),
	)
	return &model.Receipt{
		Handle: handle,
		URL:    fmt.Sprintf("%s/api/v1/artifacts/%s", fs.publicURL, sum),
	}, nil
}

// Open открывает медиафайл по hex SHA-256 для отдачи через HTTP.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(sum string) (*os.File, error) {
	if !IsDigest(sum) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, sum)
	}
	f, err := os.Open(fs.mediaPath(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, sum)
		}
		return nil, fmt.Errorf("ошибка открытия артефакта %s: %w", sum, err)
	}
	return f, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

func (fs *FileStore) mediaPath(sum string) string {
	return filepath.Join(fs.dataDir, sum+".mp3")
}

// saveContentAddressed копирует src в dataDir под именем {sha256}.mp3.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) saveContentAddressed(src string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка открытия медиафайла: %w", err)
	}
	defer in.Close()

	tmpPath := filepath.Join(fs.dataDir, uuid.NewString()+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(in, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	final := fs.mediaPath(sum)
	if _, err := os.Stat(final); err == nil {
		os.Remove(tmpPath)
		return sum, size, nil
	}

	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return sum, size, nil
}

// copyOnce копирует src в dataDir/name, если такого файла ещё нет.
func (fs *FileStore) copyOnce(src, name string) error {
	final := filepath.Join(fs.dataDir, name)
	if _, err := os.Stat(final); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpPath := filepath.Join(fs.dataDir, uuid.NewString()+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
