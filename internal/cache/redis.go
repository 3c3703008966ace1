package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"anomaly-monitor/internal/models"
)

const (
	// resultsKeyPrefix список результатов сущности
	resultsKeyPrefix = "results:"
	// metaKeyPrefix хэш метаданных сущности
	metaKeyPrefix = "monitor:"
	// monitorsKey множество известных сущностей
	monitorsKey = "monitors"
)

// RedisStore журнал результатов и метаданные мониторов в Redis
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisClient создает клиент и проверяет подключение
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore создает хранилище поверх клиента
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func resultsKey(id string) string { return resultsKeyPrefix + id }
func metaKey(id string) string    { return metaKeyPrefix + id }

// Append добавляет запись в конец журнала сущности
func (r *RedisStore) Append(ctx context.Context, id string, record models.ResultRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.RPush(ctx, resultsKey(id), data).Err()
}

// Trim оставляет последние maxLen записей
func (r *RedisStore) Trim(ctx context.Context, id string, maxLen int) error {
	if maxLen < 1 {
		return fmt.Errorf("max length must be positive, got %d", maxLen)
	}
	return r.client.LTrim(ctx, resultsKey(id), int64(-maxLen), -1).Err()
}

// SetMeta записывает поле метаданных и регистрирует сущность в списке мониторов
func (r *RedisStore) SetMeta(ctx context.Context, id, field, value string) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(id), field, value)
	pipe.SAdd(ctx, monitorsKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteAll удаляет журнал, метаданные и запись в списке мониторов
func (r *RedisStore) DeleteAll(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, resultsKey(id), metaKey(id))
	pipe.SRem(ctx, monitorsKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Results последние limit записей журнала (все при limit <= 0), от старых к новым
func (r *RedisStore) Results(ctx context.Context, id string, limit int64) ([]models.ResultRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := r.client.LRange(ctx, resultsKey(id), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}

	results := make([]models.ResultRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.ResultRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results, nil
}

// Len длина журнала сущности
func (r *RedisStore) Len(ctx context.Context, id string) (int64, error) {
	return r.client.LLen(ctx, resultsKey(id)).Result()
}

// Monitors метаданные всех известных сущностей, упорядоченные по id
func (r *RedisStore) Monitors(ctx context.Context) ([]models.MonitorInfo, error) {
	ids, err := r.client.SMembers(ctx, monitorsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, metaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read monitor metadata: %w", err)
	}

	monitors := make([]models.MonitorInfo, 0, len(ids))
	for i, id := range ids {
		meta := cmds[i].Val()
		monitors = append(monitors, models.MonitorInfo{
			ID:         id,
			Name:       meta["name"],
			ValueLabel: meta["value_label"],
			ValueUnit:  meta["value_unit"],
		})
	}
	return monitors, nil
}

// Ping проверяет доступность Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение с Redis
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// GetStats возвращает статистику пула соединений
func (r *RedisStore) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
