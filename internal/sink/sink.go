// Пакет sink — хранилища артефактов: локальный content-addressed
// filestore и S3 с presigned URL. Handle артефакта — "sha256:<hex>"
// от содержимого медиафайла.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// HandlePrefix — префикс content-addressed handle.
const HandlePrefix = "sha256:"

var (
	// ErrInvalidHandle — handle не в формате sha256:<64 hex>.
	ErrInvalidHandle = errors.New("некорректный handle артефакта")
	// ErrArtifactNotFound — артефакт с указанным handle отсутствует в хранилище.
	ErrArtifactNotFound = errors.New("артефакт не найден")
	// ErrNothingToDeliver — в Delivery нет ни handle, ни локального файла.
	ErrNothingToDeliver = errors.New("нечего доставлять")
)

// HandleFor возвращает handle для hex-представления SHA-256.
func HandleFor(sum string) string {
	return HandlePrefix + sum
}

// ParseHandle извлекает hex SHA-256 из handle.
func ParseHandle(handle string) (string, error) {
	sum, ok := strings.CutPrefix(handle, HandlePrefix)
	if !ok || !IsDigest(sum) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return sum, nil
}

// IsDigest проверяет, что s — 64 символа hex в нижнем регистре.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// fileDigest вычисляет SHA-256 файла.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
