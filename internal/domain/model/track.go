// Пакет model — доменные модели Track Module.
// MediaReference, MediaMetadata — описание запрошенного трека,
// ArchiveEntry — запись архива (таблица archived_tracks),
// UserQuotaRecord / VIPStatus — квота пользователя.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ReferenceKind — тип объекта, на который указывает ссылка.
type ReferenceKind string

const (
	// KindTrack — одиночный трек (единственный поддерживаемый тип)
	KindTrack ReferenceKind = "track"
	// KindAlbum — альбом
	KindAlbum ReferenceKind = "album"
	// KindPlaylist — плейлист
	KindPlaylist ReferenceKind = "playlist"
)

// ErrMalformedReference — текст не содержит распознаваемой ссылки.
var ErrMalformedReference = errors.New("ссылка не распознана")

// Поддерживаемые форматы:
//
//	https://open.spotify.com/track/{id}?si=...
//	https://open.spotify.com/intl-de/album/{id}
//	spotify:playlist:{id}
var (
	linkPattern = regexp.MustCompile(`https?://open\.spotify\.com/(?:intl-[a-zA-Z-]+/)?(track|album|playlist)/([a-zA-Z0-9]+)`)
	uriPattern  = regexp.MustCompile(`spotify:(track|album|playlist):([a-zA-Z0-9]+)`)
)

// MediaReference — внешний идентификатор запрошенного объекта.
// Неизменяем после извлечения из пользовательского ввода.
type MediaReference struct {
	// Kind — тип объекта (track, album, playlist)
	Kind ReferenceKind
	// ID — идентификатор объекта во внешнем каталоге
	ID string
}

// String возвращает ссылку в формате spotify:{kind}:{id}.
func (r MediaReference) String() string {
	return fmt.Sprintf("spotify:%s:%s", r.Kind, r.ID)
}

// IsTrack проверяет, указывает ли ссылка на одиночный трек.
func (r MediaReference) IsTrack() bool {
	return r.Kind == KindTrack
}

// ParseReference извлекает MediaReference из текста пользователя.
// Тип объекта не проверяется — это решает оркестратор.
func ParseReference(text string) (MediaReference, error) {
	text = strings.TrimSpace(text)
	if m := linkPattern.FindStringSubmatch(text); m != nil {
		return MediaReference{Kind: ReferenceKind(m[1]), ID: m[2]}, nil
	}
	if m := uriPattern.FindStringSubmatch(text); m != nil {
		return MediaReference{Kind: ReferenceKind(m[1]), ID: m[2]}, nil
	}
	return MediaReference{}, ErrMalformedReference
}

// Значения по умолчанию для отсутствующих полей метаданных.
const (
	UnknownTitle  = "Unknown Title"
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"
)

// MediaMetadata — метаданные трека, полученные от резолвера.
// Не изменяются в течение запроса и не сохраняются в БД.
type MediaMetadata struct {
	// ID — идентификатор трека (ключ архива)
	ID string `json:"id"`
	// Title — название трека
	Title string `json:"title"`
	// PrimaryContributor — основной исполнитель
	PrimaryContributor string `json:"primary_contributor"`
	// AlbumName — название альбома или коллекции
	AlbumName string `json:"album_name"`
	// DurationMillis — длительность в миллисекундах (>= 0)
	DurationMillis int64 `json:"duration_ms"`
	// ArtworkURL — URL обложки (пустая строка — нет обложки)
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// SearchQuery формирует поисковый запрос для инструмента загрузки:
// "{title} - {contributor}". Пустая строка — запрос построить нельзя.
func (m *MediaMetadata) SearchQuery() string {
	title := strings.TrimSpace(m.Title)
	artist := strings.TrimSpace(m.PrimaryContributor)
	if title == "" && artist == "" {
		return ""
	}
	return title + " - " + artist
}

// FormatDuration возвращает длительность в формате m:ss.
func (m *MediaMetadata) FormatDuration() string {
	ms := m.DurationMillis
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d:%02d", ms/60000, (ms%60000)/1000)
}
