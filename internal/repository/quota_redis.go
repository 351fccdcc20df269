package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
)

// Схема ключей Redis:
//
//	tm:quota:users               SET   — идентификаторы известных пользователей
//	tm:quota:{user}:downloads    ZSET  — отметки доставок (score = unix ms)
//	tm:quota:{user}:profile      HASH  — is_vip, vip_until, total_downloads, language, joined_at
//
// vip_until присутствует только у членов VIP; пустое значение — дата не задана.
const (
	redisUsersKey = "tm:quota:users"
	vipDateLayout = "2006-01-02"
)

func downloadsKey(userID int64) string {
	return fmt.Sprintf("tm:quota:%d:downloads", userID)
}

func profileKey(userID int64) string {
	return fmt.Sprintf("tm:quota:%d:profile", userID)
}

// RedisQuotaStore — QuotaStore поверх Redis.
type RedisQuotaStore struct {
	client redis.UniversalClient
}

// NewRedisQuotaStore создаёт хранилище квот в Redis.
func NewRedisQuotaStore(client redis.UniversalClient) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

// EnsureUser заполняет профиль только отсутствующими полями.
func (s *RedisQuotaStore) EnsureUser(ctx context.Context, userID int64) error {
	key := profileKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "joined_at", time.Now().UTC().Format(time.RFC3339))
		pipe.HSetNX(ctx, key, "language", "fa")
		pipe.HSetNX(ctx, key, "total_downloads", 0)
		pipe.SAdd(ctx, redisUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка регистрации пользователя %d: %w", userID, err)
	}
	return nil
}

func (s *RedisQuotaStore) VIPRecord(ctx context.Context, userID int64) (model.VIPRecord, error) {
	vals, err := s.client.HMGet(ctx, profileKey(userID), "is_vip", "vip_until").Result()
	if err != nil {
		return model.VIPRecord{}, fmt.Errorf("ошибка чтения VIP пользователя %d: %w", userID, err)
	}

	var rec model.VIPRecord
	if flag, ok := vals[0].(string); ok && flag != "" {
		rec.Flag, err = strconv.ParseBool(flag)
		if err != nil {
			return model.VIPRecord{}, fmt.Errorf("некорректный is_vip пользователя %d: %q", userID, flag)
		}
	}
	if until, ok := vals[1].(string); ok {
		rec.Member = true
		if until != "" {
			end, err := time.Parse(vipDateLayout, until)
			if err != nil {
				return model.VIPRecord{}, fmt.Errorf("некорректный vip_until пользователя %d: %q", userID, until)
			}
			rec.EndDate = &end
		}
	}
	return rec, nil
}

func (s *RedisQuotaStore) CountDownloadsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, downloadsKey(userID), "("+strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта доставок пользователя %d: %w", userID, err)
	}
	return int(n), nil
}

// RecordDownload добавляет отметку и увеличивает счётчик в MULTI/EXEC.
// Член ZSET уникален, поэтому доставки в одну миллисекунду не схлопываются.
func (s *RedisQuotaStore) RecordDownload(ctx context.Context, userID int64, at time.Time) error {
	member := strconv.FormatInt(at.UnixMilli(), 10) + ":" + uuid.NewString()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, downloadsKey(userID), redis.Z{Score: float64(at.UnixMilli()), Member: member})
		pipe.HIncrBy(ctx, profileKey(userID), "total_downloads", 1)
		pipe.SAdd(ctx, redisUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка записи доставки пользователя %d: %w", userID, err)
	}
	return nil
}

// PruneDownloadsBefore обходит известных пользователей через SSCAN
// и удаляет устаревшие отметки пачками в pipeline.
func (s *RedisQuotaStore) PruneDownloadsBefore(ctx context.Context, before time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var (
		cursor  uint64
		removed int64
	)
	for {
		members, next, err := s.client.SScan(ctx, redisUsersKey, cursor, "", 500).Result()
		if err != nil {
			return removed, fmt.Errorf("ошибка обхода пользователей: %w", err)
		}

		if len(members) > 0 {
			cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, m := range members {
					pipe.ZRemRangeByScore(ctx, "tm:quota:"+m+":downloads", "-inf", maxScore)
				}
				return nil
			})
			if err != nil {
				return removed, fmt.Errorf("ошибка очистки истории доставок: %w", err)
			}
			for _, c := range cmds {
				if ic, ok := c.(*redis.IntCmd); ok {
					removed += ic.Val()
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// SetVIP выставляет данные VIP пользователя. Используется внешним
// администрированием и тестами; сервис VIP не изменяет.
func (s *RedisQuotaStore) SetVIP(ctx context.Context, userID int64, rec model.VIPRecord) error {
	key := profileKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "is_vip", strconv.FormatBool(rec.Flag))
		switch {
		case !rec.Member:
			pipe.HDel(ctx, key, "vip_until")
		case rec.EndDate == nil:
			pipe.HSet(ctx, key, "vip_until", "")
		default:
			pipe.HSet(ctx, key, "vip_until", rec.EndDate.Format(vipDateLayout))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка записи VIP пользователя %d: %w", userID, err)
	}
	return nil
}

// CheckReady проверяет подключение к Redis через PING.
// Возвращает статус ("ok", "fail") и сообщение.
func (s *RedisQuotaStore) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
