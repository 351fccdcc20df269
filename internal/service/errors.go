// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInputRejected — ссылка не распознана или тип не поддерживается.
	ErrInputRejected = errors.New("ссылка отклонена")
	// ErrResolutionFailed — метаданные трека недоступны.
	ErrResolutionFailed = errors.New("метаданные недоступны")
	// ErrQuotaExceeded — исчерпан лимит доставок в скользящем окне.
	ErrQuotaExceeded = errors.New("лимит доставок исчерпан")
	// ErrCacheUnavailable — хранилище архива или квот недоступно.
	ErrCacheUnavailable = errors.New("хранилище недоступно")
	// ErrAcquisitionNoMatch — внешний поиск не дал результата.
	ErrAcquisitionNoMatch = errors.New("трек не найден при загрузке")
	// ErrAcquisitionToolError — любая другая ошибка загрузки.
	ErrAcquisitionToolError = errors.New("ошибка загрузки")
	// ErrAcquisitionTimeout — превышен TM_ACQUIRE_TIMEOUT. Является ErrAcquisitionToolError.
	ErrAcquisitionTimeout = fmt.Errorf("%w: превышено время загрузки", ErrAcquisitionToolError)
	// ErrDeliveryFailed — артефакт не удалось доставить.
	ErrDeliveryFailed = errors.New("ошибка доставки")
	// ErrCancelled — запрос отменён пользователем.
	ErrCancelled = errors.New("запрос отменён")
	// ErrStaleSession — подтверждение вне состояния metadata_ready или для другого трека.
	ErrStaleSession = errors.New("сессия устарела или отсутствует")
	// ErrSessionBusy — у пользователя уже выполняется доставка.
	ErrSessionBusy = errors.New("доставка уже выполняется")
)
