// Пакет spotify — клиент Spotify Web API для получения метаданных трека.
// Получает токен приложения через client_credentials grant и запрашивает
// GET /v1/tracks/{id}. Частота запросов ограничивается token bucket.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// Ошибки клиента.
var (
	// ErrNotFound — трек не существует или идентификатор некорректен (404, 400).
	ErrNotFound = errors.New("трек не найден в Spotify")
	// ErrTransient — временная ошибка: 429, 5xx, транспорт, токен.
	ErrTransient = errors.New("временная ошибка Spotify API")
)

// trackResponse — поля ответа GET /v1/tracks/{id}, используемые сервисом.
type trackResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album *struct {
		Name   string `json:"name"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
}

// tokenInfo — закэшированный токен приложения с временем истечения.
type tokenInfo struct {
	accessToken string
	expiresAt   time.Time
}

// Client — клиент Spotify Web API.
type Client struct {
	httpClient   *http.Client
	apiURL       string
	authURL      string
	clientID     string
	clientSecret string //nolint:gosec // G101: поле структуры, не содержит секрет напрямую
	limiter      *rate.Limiter
	logger       *slog.Logger

	// Кэш токена (thread-safe)
	mu    sync.RWMutex
	token *tokenInfo
}

// New создаёт клиент Spotify.
// apiURL — базовый URL Web API (https://api.spotify.com).
// authURL — token endpoint (https://accounts.spotify.com/api/token).
// rps — допустимая частота запросов к API.
func New(
	apiURL string,
	authURL string,
	clientID string,
	clientSecret string,
	timeout time.Duration,
	rps float64,
	logger *slog.Logger,
) *Client {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		apiURL:       strings.TrimRight(apiURL, "/"),
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		logger:       logger.With(slog.String("component", "spotify_client")),
	}
}

// Resolve возвращает метаданные трека.
// Отсутствующие поля заменяются на Unknown Title / Unknown Artist / Unknown Album.
func (c *Client) Resolve(ctx context.Context, ref model.MediaReference) (*model.MediaMetadata, error) {
	if !ref.IsTrack() {
		return nil, fmt.Errorf("%w: поддерживаются только треки, получено %s", ErrNotFound, ref.Kind)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: ожидание лимита запросов: %v", ErrTransient, err)
	}

	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/v1/tracks/%s", c.apiURL, url.PathEscape(ref.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса GetTrack: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("%w: запрос GetTrack %s: %v", ErrTransient, ref.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	case resp.StatusCode == http.StatusUnauthorized:
		// Токен отозван раньше срока — следующий запрос получит новый
		c.invalidateToken()
		return nil, fmt.Errorf("%w: токен отклонён (401)", ErrTransient)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Spotify API вернул ошибку",
			slog.String("track_id", ref.ID),
			slog.Int("status", resp.StatusCode),
			slog.String("retry_after", resp.Header.Get("Retry-After")),
		)
		return nil, fmt.Errorf("%w: статус %d: %s", ErrTransient, resp.StatusCode, string(body))
	}

	var tr trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: декодирование ответа GetTrack: %v", ErrTransient, err)
	}

	meta := toMetadata(ref.ID, &tr)
	c.logger.Debug("Метаданные трека получены",
		slog.String("track_id", meta.ID),
		slog.String("title", meta.Title),
	)
	return meta, nil
}

// toMetadata преобразует ответ API в MediaMetadata с подстановкой значений по умолчанию.
func toMetadata(id string, tr *trackResponse) *model.MediaMetadata {
	meta := &model.MediaMetadata{
		ID:                 id,
		Title:              model.UnknownTitle,
		PrimaryContributor: model.UnknownArtist,
		AlbumName:          model.UnknownAlbum,
	}
	if tr.ID != "" {
		meta.ID = tr.ID
	}
	if tr.Name != "" {
		meta.Title = tr.Name
	}
	if len(tr.Artists) > 0 && tr.Artists[0].Name != "" {
		meta.PrimaryContributor = tr.Artists[0].Name
	}
	if tr.Album != nil {
		if tr.Album.Name != "" {
			meta.AlbumName = tr.Album.Name
		}
		if len(tr.Album.Images) > 0 {
			meta.ArtworkURL = tr.Album.Images[0].URL
		}
	}
	if tr.DurationMS > 0 {
		meta.DurationMillis = tr.DurationMS
	}
	return meta
}

// GetToken возвращает токен приложения.
// Использует кэш: если токен ещё валиден (exp - 30s), возвращает закэшированный.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != nil && time.Now().Before(c.token.expiresAt) {
		token := c.token.accessToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check после получения write lock
	if c.token != nil && time.Now().Before(c.token.expiresAt) {
		return c.token.accessToken, nil
	}

	return c.requestToken(ctx)
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// requestToken запрашивает новый токен через client_credentials grant.
// Вызывается под write lock.
func (c *Client) requestToken(ctx context.Context) (string, error) {
	data := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("создание запроса token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return "", fmt.Errorf("%w: запрос token: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: token endpoint вернул статус %d: %s", ErrTransient, resp.StatusCode, string(body))
	}

	var tokenResp struct {
		Token     string `json:"access_token"` //nolint:gosec // G117: JSON-маппинг OAuth2 ответа
		ExpiresIn int    `json:"expires_in"`
		TokenType string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: декодирование token response: %v", ErrTransient, err)
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("%w: пустой access_token", ErrTransient)
	}

	// Кэшируем токен (с запасом 30 секунд до истечения)
	c.token = &tokenInfo{
		accessToken: tokenResp.Token,
		expiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - 30*time.Second),
	}

	c.logger.Debug("Токен Spotify получен",
		slog.Int("expires_in", tokenResp.ExpiresIn),
	)

	return tokenResp.Token, nil
}
