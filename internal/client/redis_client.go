package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

type RedisClient struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient initializes a Redis client with TLS support for dev & prod
func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*RedisClient, error) {
	redisConfig := cfg.Redis

	// Parse redis:// or rediss://
	opts, err := redis.ParseURL(redisConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.Password == "" && redisConfig.Password != "" {
		opts.Password = redisConfig.Password
	}

	opts.DB = redisConfig.DB
	opts.PoolSize = redisConfig.PoolSize
	opts.MinIdleConns = redisConfig.PoolSize / 2
	if opts.MinIdleConns < 10 {
		opts.MinIdleConns = 10
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.ConnMaxLifetime = 0

	if strings.HasPrefix(redisConfig.URL, "rediss://") {
		caFile := util.GetEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt")
		certFile := util.GetEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt")
		keyFile := util.GetEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key")

		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}

		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Redis TLS certificate/key: %w", err)
		}

		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caCertPool,
			MinVersion:   tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	util.Info("Redis client initialized",
		zap.String("url", redisConfig.URL),
		zap.Int("db", redisConfig.DB),
		zap.Int("pool_size", redisConfig.PoolSize))

	return &RedisClient{
		Client: client,
		config: &redisConfig,
	}, nil
}

func (r *RedisClient) Close() error {
	if r.Client != nil {
		err := r.Client.Close()
		if err != nil {
			util.Error("failed to close Redis client", zap.Error(err))
			return err
		}
		util.Info("Redis client closed")
	}
	return nil
}

// HealthCheck verifies Redis connectivity and data integrity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	testKey := "healthcheck"
	testValue := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.Client.Set(ctx, testKey, testValue, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set operation failed: %w", err)
	}

	val, err := r.Client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("redis get operation failed: %w", err)
	}

	if val != testValue {
		return fmt.Errorf("redis data integrity failed")
	}

	_ = r.Client.Del(ctx, testKey)
	return nil
}

// ===================== CORE OPERATIONS =====================

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.Client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("key not found: %s", key)
		}
		return "", err
	}
	return val, nil
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.Client.Del(ctx, keys...).Err()
}

func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return r.Client.Expire(ctx, key, expiration).Err()
}

func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.Client.TTL(ctx, key).Result()
}

// ===================== ADVANCED OPS =====================

func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, expiration).Result()
}

func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := r.Client.TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return incrCmd.Val(), nil
}

func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return r.Client.Eval(ctx, script, keys, args...).Result()
}

func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.Client.Pipeline()
}
