// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proof-gateway/pkg/config"
	pkgerrors "proof-gateway/pkg/errors"
)

// RedisStore Redis 缓存存储实现；多副本网关共享 health 探测结果时使用
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建基于 Redis 的缓存
func NewRedisStore(cfg config.CacheConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Password: cfg.Password,
		}),
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return s.client.Set(ctx, key, data, expiration).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "cache %s", key)
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
