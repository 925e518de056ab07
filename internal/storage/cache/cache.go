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

// Package cache 提供带 TTL 的小型缓存，网关用它缓存 prover health 探测结果
package cache

import (
	"context"
	"fmt"
	"time"

	"proof-gateway/pkg/config"
)

// Store 缓存存储接口
type Store interface {
	// Set 设置缓存，expiration <= 0 表示不过期
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get 获取缓存并反序列化到 dest；不存在或已过期返回 pkg/errors.ErrNotFound
	Get(ctx context.Context, key string, dest interface{}) error
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
	// Close 关闭缓存连接
	Close() error
}

// NewCache 根据配置创建缓存
func NewCache(cfg config.CacheConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
