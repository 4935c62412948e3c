package availability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/routing"
)

// redisClient is the subset of *redis.Client the shared service needs.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisService shares circuit state between gateway replicas. A pair is
// unavailable while its "open" key exists; the key is set with the open
// timeout as TTL once FailureThreshold failures land inside Interval.
//
// Redis errors fail open: a provider is reported available when its state
// cannot be read.
type RedisService struct {
	rdb    redisClient
	cfg    Config
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisService(rdb redisClient, cfg Config, logger *zap.Logger) *RedisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &RedisService{
		rdb:    rdb,
		cfg:    cfg,
		prefix: "availability",
		logger: logger,
		now:    time.Now,
	}
}

func (s *RedisService) key(kind, modelID, provider string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, kind, provider, modelID)
}

func (s *RedisService) IsModelAvailable(ctx context.Context, modelID, provider string) bool {
	n, err := s.rdb.Exists(ctx, s.key("open", modelID, provider)).Result()
	if err != nil {
		s.logger.Warn("availability: redis error", zap.Error(err))
		return true
	}
	return n == 0
}

func (s *RedisService) LastFailure(ctx context.Context, modelID, provider string) (time.Time, bool) {
	v, err := s.rdb.Get(ctx, s.key("last_failure", modelID, provider)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("availability: redis error", zap.Error(err))
		}
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (s *RedisService) ObserveAttempt(ctx context.Context, r routing.AttemptResult) {
	modelID, provider := r.Model, r.Attempt.Provider
	failures := s.key("failures", modelID, provider)

	if r.Succeeded() {
		if err := s.rdb.Del(ctx, failures, s.key("open", modelID, provider)).Err(); err != nil {
			s.logger.Warn("availability: redis error", zap.Error(err))
		}
		return
	}
	if !failure.ShouldFailover(r.Outcome) {
		return
	}

	now := s.now()
	if err := s.rdb.Set(ctx, s.key("last_failure", modelID, provider), strconv.FormatInt(now.UnixNano(), 10), 24*time.Hour).Err(); err != nil {
		s.logger.Warn("availability: redis error", zap.Error(err))
		return
	}

	n, err := s.rdb.Incr(ctx, failures).Result()
	if err != nil {
		s.logger.Warn("availability: redis error", zap.Error(err))
		return
	}
	if n == 1 {
		_ = s.rdb.Expire(ctx, failures, s.cfg.Interval).Err()
	}
	if n < int64(s.cfg.FailureThreshold) {
		return
	}

	if err := s.rdb.Set(ctx, s.key("open", modelID, provider), now.Unix(), s.cfg.OpenTimeout).Err(); err != nil {
		s.logger.Warn("availability: redis error", zap.Error(err))
		return
	}
	_ = s.rdb.Del(ctx, failures).Err()
	s.logger.Info("circuit opened",
		zap.String("model", modelID),
		zap.String("provider", provider),
		zap.Int64("failures", n),
		zap.Duration("open_for", s.cfg.OpenTimeout))
}
