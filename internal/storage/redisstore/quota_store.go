package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
)

// QuotaStore implements the QuotaStore interface on Redis so that several
// service instances can share one set of counters.
// One key per (user, platform, window); keys expire when their window ends.
type QuotaStore struct {
	client *redis.Client
	prefix string
	logger arbor.ILogger
}

// NewQuotaStore connects to Redis and verifies the connection
func NewQuotaStore(ctx context.Context, config *common.RedisConfig, logger arbor.ILogger) (*QuotaStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, common.NewPersistenceFailure("connect redis", fmt.Errorf("%s: %w", config.Addr, err))
	}

	logger.Info().Str("addr", config.Addr).Int("db", config.DB).Msg("Redis quota store connected")
	return NewQuotaStoreWithClient(client, config.KeyPrefix, logger), nil
}

// NewQuotaStoreWithClient wraps an existing client
func NewQuotaStoreWithClient(client *redis.Client, prefix string, logger arbor.ILogger) *QuotaStore {
	if prefix == "" {
		prefix = "autoapply"
	}
	return &QuotaStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// consumeScript increments the window counter only while it is below the limit
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local expire_at = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current >= limit then
  return {0, current}
end

current = redis.call('INCR', key)
redis.call('PEXPIREAT', key, expire_at)
return {1, current}
`)

func (s *QuotaStore) TryConsume(ctx context.Context, req interfaces.QuotaRequest) (bool, int, error) {
	key := s.key(req)
	expireAt := req.WindowStart.Add(req.Window).UnixMilli()

	res, err := consumeScript.Run(ctx, s.client, []string{key}, req.Limit, expireAt).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume quota: %w", err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("unexpected quota script reply for %s", key)
	}

	allowed := res[0] == 1
	return allowed, remaining(req.Limit, int(res[1])), nil
}

func (s *QuotaStore) Remaining(ctx context.Context, req interfaces.QuotaRequest) (int, error) {
	value, err := s.client.Get(ctx, s.key(req)).Result()
	if errors.Is(err, redis.Nil) {
		return remaining(req.Limit, 0), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt quota counter %s: %w", s.key(req), err)
	}
	return remaining(req.Limit, count), nil
}

// Ping checks the Redis connection
func (s *QuotaStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *QuotaStore) Close() error {
	return s.client.Close()
}

func (s *QuotaStore) key(req interfaces.QuotaRequest) string {
	return fmt.Sprintf("%s:quota:%s:%s:%d", s.prefix, req.UserID, req.Platform, req.WindowStart.Unix())
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
