package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

const (
	// Префикс ключей аккаунтов
	accountKeyPrefix = "billing:account:"

	// TTL для кэша
	defaultCacheTTL = 5 * time.Minute
)

// RedisCacheRepository реализует кеширование для репозиториев с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, ttl time.Duration, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return NewRedisCacheFromClient(client, ttl, log), nil
}

// NewRedisCacheFromClient оборачивает готовый клиент Redis
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCacheRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCacheRepository{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// Ping проверяет доступность Redis
func (r *RedisCacheRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

func accountKey(id uuid.UUID) string {
	return accountKeyPrefix + id.String()
}

// CacheAccount кеширует аккаунт в Redis, перезаписывая прежнее значение
func (r *RedisCacheRepository) CacheAccount(ctx context.Context, account *domain.Account) error {
	data, err := r.marshalAccount(account)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, accountKey(account.ID), data, r.ttl).Err(); err != nil {
		r.log.Errorw("Failed to cache account in Redis", "error", err, "accountID", account.ID)
		return fmt.Errorf("failed to cache account: %w", err)
	}

	r.log.Debugw("Account cached successfully", "accountID", account.ID)
	return nil
}

// CacheAccountIfAbsent кеширует аккаунт, только если ключа еще нет.
// Заполнение при промахе не должно затирать значение, записанное после изменения.
func (r *RedisCacheRepository) CacheAccountIfAbsent(ctx context.Context, account *domain.Account) (bool, error) {
	data, err := r.marshalAccount(account)
	if err != nil {
		return false, err
	}

	stored, err := r.client.SetNX(ctx, accountKey(account.ID), data, r.ttl).Result()
	if err != nil {
		r.log.Errorw("Failed to cache account in Redis", "error", err, "accountID", account.ID)
		return false, fmt.Errorf("failed to cache account: %w", err)
	}
	return stored, nil
}

func (r *RedisCacheRepository) marshalAccount(account *domain.Account) ([]byte, error) {
	data, err := json.Marshal(account)
	if err != nil {
		r.log.Errorw("Failed to marshal account for caching", "error", err, "accountID", account.ID)
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}
	return data, nil
}

// GetCachedAccount получает аккаунт из кеша. Промах возвращает nil без ошибки.
func (r *RedisCacheRepository) GetCachedAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	data, err := r.client.Get(ctx, accountKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.Debugw("Account not found in cache", "accountID", id)
			return nil, nil
		}
		r.log.Errorw("Error getting account from Redis", "error", err, "accountID", id)
		return nil, fmt.Errorf("failed to get account from cache: %w", err)
	}

	var account domain.Account
	if err := json.Unmarshal(data, &account); err != nil {
		r.log.Errorw("Failed to unmarshal cached account", "error", err, "accountID", id)
		return nil, fmt.Errorf("failed to unmarshal cached account: %w", err)
	}

	r.log.Debugw("Account retrieved from cache", "accountID", id)
	return &account, nil
}

// DeleteCachedAccount удаляет аккаунт из кеша
func (r *RedisCacheRepository) DeleteCachedAccount(ctx context.Context, id uuid.UUID) error {
	if err := r.client.Del(ctx, accountKey(id)).Err(); err != nil {
		r.log.Errorw("Failed to delete account from cache", "error", err, "accountID", id)
		return fmt.Errorf("failed to delete account from cache: %w", err)
	}

	r.log.Debugw("Account deleted from cache", "accountID", id)
	return nil
}
