package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Storage keeps per-user usage counters. Conversation histories never go
// through it; they live only in conversation.Store.
type Storage interface {
	GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error)
	IncrementMessages(ctx context.Context, userID int64) error
	IncrementSessions(ctx context.Context, userID int64) error
	Close() error
}

// Manager manages different storage backends
type Manager struct {
	storage Storage
	metrics *middleware.Metrics
	logger  *logrus.Logger
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, metrics *middleware.Metrics, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "memory", "":
		storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")

	return &Manager{
		storage: storage,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (m *Manager) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordStorageOperation(operation, status, time.Since(start))
}

func (m *Manager) GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error) {
	start := time.Now()
	stats, err := m.storage.GetUserStats(ctx, userID)
	m.observe("get_user_stats", start, err)
	return stats, err
}

func (m *Manager) IncrementMessages(ctx context.Context, userID int64) error {
	start := time.Now()
	err := m.storage.IncrementMessages(ctx, userID)
	m.observe("increment_messages", start, err)
	return err
}

func (m *Manager) IncrementSessions(ctx context.Context, userID int64) error {
	start := time.Now()
	err := m.storage.IncrementSessions(ctx, userID)
	m.observe("increment_sessions", start, err)
	return err
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

const (
	fieldMessages = "total_messages"
	fieldSessions = "total_sessions"
)

func statsKey(userID int64) string {
	return fmt.Sprintf("user_stats:%d", userID)
}

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

func (r *RedisStorage) GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error) {
	values, err := r.client.HGetAll(ctx, statsKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	stats := &models.UserStats{UserID: userID}
	if v, ok := values[fieldMessages]; ok {
		if stats.TotalMessages, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("corrupt %s for user %d: %w", fieldMessages, userID, err)
		}
	}
	if v, ok := values[fieldSessions]; ok {
		if stats.TotalSessions, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("corrupt %s for user %d: %w", fieldSessions, userID, err)
		}
	}
	return stats, nil
}

func (r *RedisStorage) IncrementMessages(ctx context.Context, userID int64) error {
	return r.client.HIncrBy(ctx, statsKey(userID), fieldMessages, 1).Err()
}

func (r *RedisStorage) IncrementSessions(ctx context.Context, userID int64) error {
	return r.client.HIncrBy(ctx, statsKey(userID), fieldSessions, 1).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	counters *cache.Cache
	logger   *logrus.Logger
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	return &MemoryStorage{
		counters: cache.New(cache.NoExpiration, cfg.Storage.Memory.CleanupInterval),
		logger:   logger,
	}
}

func counterKey(userID int64, field string) string {
	return statsKey(userID) + ":" + field
}

func (m *MemoryStorage) GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error) {
	stats := &models.UserStats{UserID: userID}
	if val, found := m.counters.Get(counterKey(userID, fieldMessages)); found {
		stats.TotalMessages = val.(int)
	}
	if val, found := m.counters.Get(counterKey(userID, fieldSessions)); found {
		stats.TotalSessions = val.(int)
	}
	return stats, nil
}

func (m *MemoryStorage) IncrementMessages(ctx context.Context, userID int64) error {
	return m.increment(counterKey(userID, fieldMessages))
}

func (m *MemoryStorage) IncrementSessions(ctx context.Context, userID int64) error {
	return m.increment(counterKey(userID, fieldSessions))
}

func (m *MemoryStorage) increment(key string) error {
	// Add fails when the key exists, which is what we want
	_ = m.counters.Add(key, 0, cache.NoExpiration)
	_, err := m.counters.IncrementInt(key, 1)
	return err
}

func (m *MemoryStorage) Close() error {
	m.counters.Flush()
	return nil
}
