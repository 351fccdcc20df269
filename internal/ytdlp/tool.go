// Пакет ytdlp — адаптер внешнего инструмента yt-dlp: поиск трека по
// текстовому запросу, загрузка, конвертация в mp3 и сохранение обложки
// в указанный каталог.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoMatch — поиск не дал результата (файл mp3 не создан).
var ErrNoMatch = errors.New("yt-dlp: совпадений не найдено")

// thumbnailExts — расширения обложек в порядке предпочтения.
var thumbnailExts = []string{".webp", ".jpg", ".jpeg", ".png"}

// ToolError — ненулевой код завершения yt-dlp.
type ToolError struct {
	ExitCode int
	// Stderr — хвост stderr (не более stderrTail байт)
	Stderr string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("yt-dlp завершился с кодом %d: %s", e.ExitCode, e.Stderr)
}

const stderrTail = 2048

// Result — файлы, созданные инструментом в рабочем каталоге.
type Result struct {
	// MediaPath — путь к mp3
	MediaPath string
	// ThumbnailPath — путь к обложке (пустая строка — не найдена)
	ThumbnailPath string
}

// Tool — запуск yt-dlp через exec.CommandContext.
type Tool struct {
	binary string
	logger *slog.Logger
}

// New создаёт адаптер yt-dlp. binary — путь или имя исполняемого файла.
func New(binary string, logger *slog.Logger) *Tool {
	return &Tool{
		binary: binary,
		logger: logger.With(slog.String("component", "ytdlp")),
	}
}

// Args возвращает аргументы командной строки для запроса query в каталог dir.
func Args(query, dir string) []string {
	return []string{
		"ytsearch1:" + query,
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--embed-thumbnail",
		"--write-thumbnail",
		"--no-playlist",
		"--geo-bypass",
		"--no-check-certificates",
		"--quiet",
		"--no-warnings",
		"-o", filepath.Join(dir, "%(title)s.%(ext)s"),
		"-P", "temp:" + dir,
	}
}

// SearchAndFetch ищет и загружает первый результат поиска по query в dir.
// Отмена ctx завершает процесс.
func (t *Tool) SearchAndFetch(ctx context.Context, query, dir string) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, t.binary, Args(query, dir)...) //nolint:gosec // G204: бинарь из конфигурации
	cmd.Dir = dir
	// Дочерние процессы (ffmpeg) могут удерживать pipe после kill
	cmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ToolError{ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return nil, fmt.Errorf("запуск yt-dlp: %w", err)
	}

	media, err := findFirst(dir, ".mp3")
	if err != nil {
		return nil, err
	}
	if media == "" {
		return nil, ErrNoMatch
	}

	res := &Result{MediaPath: media}
	for _, ext := range thumbnailExts {
		thumb, err := findFirst(dir, ext)
		if err != nil {
			return nil, err
		}
		if thumb != "" {
			res.ThumbnailPath = thumb
			break
		}
	}

	t.logger.Info("yt-dlp завершил загрузку",
		slog.String("query", query),
		slog.String("file", filepath.Base(media)),
		slog.Bool("thumbnail", res.ThumbnailPath != ""),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// findFirst возвращает первый (в лексикографическом порядке) файл dir с расширением ext.
func findFirst(dir, ext string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(globEscape(dir), "*"+ext))
	if err != nil {
		return "", fmt.Errorf("поиск файлов %s: %w", ext, err)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}

// globEscape экранирует метасимволы glob в пути каталога.
func globEscape(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(path)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}
