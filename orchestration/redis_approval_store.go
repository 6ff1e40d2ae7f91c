package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atlasops/atlas/core"
)

const (
	defaultApprovalKeyPrefix = "atlas"
	approvalKeyPattern       = "%s:approval:%s"
	approvalIndexPattern     = "%s:approval:index"
)

// RedisApprovalStore is a Redis-backed ApprovalStore. Each request is
// stored as JSON with a TTL slightly longer than its approval timeout, so
// abandoned snapshots expire on their own. An index set supports List.
//
// An optional circuit breaker protects against a flapping Redis; when it
// is open, Save/Delete degrade to errors the manager logs and ignores
// (approvals keep working from the in-process pending map).
type RedisApprovalStore struct {
	client         *redis.Client
	keyPrefix      string
	logger         core.Logger
	circuitBreaker core.CircuitBreaker
}

// RedisApprovalStoreOption configures the store.
type RedisApprovalStoreOption func(*RedisApprovalStore)

// WithApprovalStoreLogger sets the logger for store operations.
func WithApprovalStoreLogger(logger core.Logger) RedisApprovalStoreOption {
	return func(s *RedisApprovalStore) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/approval-store")
		} else {
			s.logger = logger
		}
	}
}

// WithApprovalStoreCircuitBreaker injects a circuit breaker around Redis
// operations. Injected by the application, not created internally.
func WithApprovalStoreCircuitBreaker(cb core.CircuitBreaker) RedisApprovalStoreOption {
	return func(s *RedisApprovalStore) {
		s.circuitBreaker = cb
	}
}

// WithApprovalStoreKeyPrefix overrides the default "atlas" key prefix.
func WithApprovalStoreKeyPrefix(prefix string) RedisApprovalStoreOption {
	return func(s *RedisApprovalStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// NewRedisApprovalStore connects to Redis and verifies the connection.
func NewRedisApprovalStore(redisURL string, opts ...RedisApprovalStoreOption) (*RedisApprovalStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisApprovalStore{
		client:    client,
		keyPrefix: defaultApprovalKeyPrefix,
		logger:    &core.NoOpLogger{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Save persists the request as JSON with TTL = timeout + one minute.
func (s *RedisApprovalStore) Save(ctx context.Context, request *ApprovalRequest) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}

	key := fmt.Sprintf(approvalKeyPattern, s.keyPrefix, request.ID)
	indexKey := fmt.Sprintf(approvalIndexPattern, s.keyPrefix)
	ttl := request.Timeout + time.Minute

	return s.execute(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, key, data, ttl)
		pipe.SAdd(ctx, indexKey, request.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Delete removes the snapshot and its index entry.
func (s *RedisApprovalStore) Delete(ctx context.Context, id string) error {
	key := fmt.Sprintf(approvalKeyPattern, s.keyPrefix, id)
	indexKey := fmt.Sprintf(approvalIndexPattern, s.keyPrefix)

	return s.execute(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, indexKey, id)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// List returns all stored requests. Index entries whose payload expired
// are pruned as a side effect.
func (s *RedisApprovalStore) List(ctx context.Context) ([]*ApprovalRequest, error) {
	indexKey := fmt.Sprintf(approvalIndexPattern, s.keyPrefix)

	var ids []string
	err := s.execute(ctx, func() error {
		var err error
		ids, err = s.client.SMembers(ctx, indexKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		key := fmt.Sprintf(approvalKeyPattern, s.keyPrefix, id)
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Payload expired; drop the stale index entry.
			s.client.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load approval %s: %w", id, err)
		}
		var request ApprovalRequest
		if err := json.Unmarshal(data, &request); err != nil {
			s.logger.Warn("Skipping corrupt approval snapshot", map[string]interface{}{
				"approval_id": id,
				"error":       err.Error(),
			})
			continue
		}
		out = append(out, &request)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisApprovalStore) Close() error {
	return s.client.Close()
}

func (s *RedisApprovalStore) execute(ctx context.Context, fn func() error) error {
	if s.circuitBreaker != nil {
		return s.circuitBreaker.Execute(ctx, fn)
	}
	return fn()
}
