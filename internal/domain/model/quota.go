package model

import "time"

// UserQuotaRecord — запись пользователя для учёта квоты.
// DownloadTimestamps достаточно точны только в скользящем окне;
// более старые записи могут храниться или удаляться без влияния на квоту.
type UserQuotaRecord struct {
	// UserID — идентификатор пользователя
	UserID int64
	// IsVIP — флаг VIP (только чтение для сервиса)
	IsVIP bool
	// DownloadTimestamps — времена успешных доставок (по возрастанию)
	DownloadTimestamps []time.Time
	// TotalDownloads — монотонный счётчик доставок
	TotalDownloads int64
	// Language — предпочитаемый язык пользователя
	Language string
	// JoinedAt — время первого обращения
	JoinedAt time.Time
}

// VIPRecord — сырые данные о VIP из двух источников:
// флаг в users и членство в vip_users с датой окончания.
type VIPRecord struct {
	// Flag — users.is_vip
	Flag bool
	// Member — есть запись в vip_users
	Member bool
	// EndDate — vip_users.end_date (nil — дата не задана)
	EndDate *time.Time
}

// VIPState — состояние VIP-статуса.
type VIPState string

const (
	// VIPActive — VIP действует
	VIPActive VIPState = "active"
	// VIPInactive — VIP отсутствует
	VIPInactive VIPState = "inactive"
	// VIPExpired — VIP истёк (см. VIPStatus.ExpiredOn)
	VIPExpired VIPState = "expired"
)

// VIPStatus — единое представление VIP-статуса.
type VIPStatus struct {
	// State — active, inactive, expired
	State VIPState `json:"state"`
	// ExpiredOn — дата истечения (только для VIPExpired)
	ExpiredOn *time.Time `json:"expired_on,omitempty"`
}

// IsActive возвращает true для действующего VIP.
func (s VIPStatus) IsActive() bool {
	return s.State == VIPActive
}

// ResolveVIP вычисляет VIPStatus на момент now.
// Дата окончания сравнивается с текущей датой в локальном календаре сервера:
// VIP действует, пока end_date >= today.
func ResolveVIP(rec VIPRecord, now time.Time) VIPStatus {
	if rec.Flag {
		return VIPStatus{State: VIPActive}
	}
	if !rec.Member || rec.EndDate == nil {
		return VIPStatus{State: VIPInactive}
	}

	end := civilDate(*rec.EndDate)
	today := civilDate(now.Local())
	if !end.Before(today) {
		return VIPStatus{State: VIPActive}
	}
	return VIPStatus{State: VIPExpired, ExpiredOn: &end}
}

// civilDate отбрасывает время и зону, оставляя календарную дату.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
