package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Key is the hash holding one field per partition. Use one key per
	// consumer group.
	Key string `yaml:"key"`
	// TTL expires the whole hash after the last save. Zero keeps it forever.
	TTL time.Duration `yaml:"ttl"`
}

// raiseScript sets each field to the given offset unless the stored one is higher.
var raiseScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
  local cur = redis.call('HGET', KEYS[1], ARGV[i])
  if (not cur) or tonumber(cur) < tonumber(ARGV[i + 1]) then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
return 1
`)

// RedisCheckpointer stores checkpoints in a Redis hash.
type RedisCheckpointer struct {
	redisClient *redis.Client
	key         string
	ttl         time.Duration
	logger      zerolog.Logger
}

// NewRedisCheckpointer creates and connects a RedisCheckpointer.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisCheckpointer(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisCheckpointer, error) {
	if cfg.Key == "" {
		return nil, sinkpipeline.NewConfigurationError("checkpoint.redis.key", "must be set")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key", cfg.Key).Msg("Successfully connected to Redis.")

	return &RedisCheckpointer{
		redisClient: rdb,
		key:         cfg.Key,
		ttl:         cfg.TTL,
		logger:      logger.With().Str("component", "RedisCheckpointer").Logger(),
	}, nil
}

// Load returns the stored offset for tp.
func (c *RedisCheckpointer) Load(ctx context.Context, tp sinkpipeline.TopicPartition) (int64, bool, error) {
	field := partitionField(tp)
	raw, err := c.redisClient.HGet(ctx, c.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint %s: %w", field, err)
	}
	off, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Error().Err(err).Str("field", field).Str("value", raw).Msg("Corrupt checkpoint value.")
		return 0, false, fmt.Errorf("failed to parse checkpoint %s: %w", field, err)
	}
	c.logger.Debug().Str("field", field).Int64("offset", off).Msg("Loaded checkpoint.")
	return off, true, nil
}

// Save raises the stored offsets atomically.
func (c *RedisCheckpointer) Save(ctx context.Context, offsets sinkpipeline.Offsets) error {
	if len(offsets) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(offsets))
	for tp, off := range offsets {
		args = append(args, partitionField(tp), strconv.FormatInt(off, 10))
	}
	if err := raiseScript.Run(ctx, c.redisClient, []string{c.key}, args...).Err(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save checkpoint in Redis.")
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if c.ttl > 0 {
		if err := c.redisClient.Expire(ctx, c.key, c.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set checkpoint ttl: %w", err)
		}
	}
	return nil
}

// Close closes the Redis client connection.
func (c *RedisCheckpointer) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
