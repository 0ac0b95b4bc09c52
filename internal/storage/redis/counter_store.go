// Package redis stores permission metering counters in Redis so usage
// figures are shared by every host process and survive restarts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// Config 描述 Redis 计数器的连接参数。
type Config struct {
	Address     string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// CounterStore 使用 INCRBY/MGET/DEL/EXPIRE 实现 plugin.CounterStore。
type CounterStore struct {
	client redis.UniversalClient
	prefix string
}

var _ plugin.CounterStore = (*CounterStore)(nil)

// NewCounterStore 创建 Redis 客户端并校验连通性。
func NewCounterStore(ctx context.Context, cfg Config) (*CounterStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewCounterStoreWithClient(client, cfg.Prefix), nil
}

// NewCounterStoreWithClient 复用已有客户端，所有键都会加上 prefix。
func NewCounterStoreWithClient(client redis.UniversalClient, prefix string) *CounterStore {
	return &CounterStore{client: client, prefix: prefix}
}

// IncrementBy 实现 plugin.CounterStore。
func (s *CounterStore) IncrementBy(ctx context.Context, key string, n int64) (int64, error) {
	value, err := s.client.IncrBy(ctx, s.key(key), n).Result()
	if err != nil {
		return 0, s.wrap(err, "INCRBY", key)
	}
	return value, nil
}

// MultiGet 实现 plugin.CounterStore，缺失的键按 0 处理。
func (s *CounterStore) MultiGet(ctx context.Context, keys []string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	values, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, s.wrap(err, "MGET", keys[0])
	}
	for i, v := range values {
		if i >= len(out) {
			break
		}
		switch val := v.(type) {
		case nil:
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, s.wrap(fmt.Errorf("计数器 %s 的值 %q 不是整数", keys[i], val), "MGET", keys[i])
			}
			out[i] = n
		default:
			return nil, s.wrap(fmt.Errorf("计数器 %s 返回了未知类型 %T", keys[i], v), "MGET", keys[i])
		}
	}
	return out, nil
}

// Delete 实现 plugin.CounterStore。
func (s *CounterStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return s.wrap(err, "DEL", keys[0])
	}
	return nil
}

// Expire 实现 plugin.CounterStore。
func (s *CounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return s.wrap(err, "EXPIRE", key)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *CounterStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func (s *CounterStore) key(k string) string {
	return s.prefix + k
}

func (s *CounterStore) wrap(err error, op, key string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis "+op+" 失败", xerrors.WithMetadata("key", key))
}
