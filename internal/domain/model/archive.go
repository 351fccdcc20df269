package model

import "time"

// ArchiveEntry — запись архива: трек → handle ранее доставленного артефакта.
// Не более одной записи на TrackID; повторная запись заменяет
// RemoteHandle и ArchivedAt (upsert, last-write-wins).
type ArchiveEntry struct {
	// TrackID — идентификатор трека (первичный ключ)
	TrackID string
	// RemoteHandle — непрозрачный handle для повторной доставки без загрузки
	RemoteHandle string
	// ArchivedAt — время последней записи
	ArchivedAt time.Time
}

// Artifact — свежезагруженный локальный артефакт для публикации в хранилище.
type Artifact struct {
	// TrackID — идентификатор трека
	TrackID string
	// MediaPath — путь к медиафайлу внутри scratch workspace
	MediaPath string
	// ArtworkPath — путь к обложке (пустая строка — нет обложки)
	ArtworkPath string
	// Metadata — метаданные трека (для заголовков, имён объектов)
	Metadata *MediaMetadata
}

// Delivery — то, что доставляется пользователю: либо ранее выданный
// Handle, либо локальный Artifact (когда публикация в архив не удалась).
type Delivery struct {
	// Handle — handle артефакта в хранилище (приоритетный вариант)
	Handle string
	// Artifact — локальный файл (используется, если Handle пуст)
	Artifact *Artifact
	// Metadata — метаданные трека
	Metadata *MediaMetadata
}

// Receipt — результат доставки артефакта пользователю.
type Receipt struct {
	// Handle — handle доставленного артефакта
	Handle string `json:"handle"`
	// URL — ссылка для скачивания
	URL string `json:"url"`
	// ExpiresAt — время истечения ссылки (nil — бессрочно)
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// FromArchive — доставлено из архива без загрузки
	FromArchive bool `json:"from_archive"`
}
