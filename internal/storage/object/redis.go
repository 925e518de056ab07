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

package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"proof-gateway/pkg/config"
	pkgerrors "proof-gateway/pkg/errors"
)

// RedisStore Redis 对象存储实现。tape 上限 2 MiB，整值存放可接受；
// 每个对象一个 hash：data + content_type，不设 TTL（生命周期由调用方管理）。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建基于 Redis 的对象存储
func NewRedisStore(cfg config.ObjectConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Password: cfg.Password,
		}),
	}
}

func objKey(path string) string { return "obj:" + path }

func (s *RedisStore) Put(ctx context.Context, path string, data io.Reader, size int64, contentType string) error {
	buffer := &bytes.Buffer{}
	if size > 0 {
		buffer.Grow(int(size))
	}
	if _, err := io.Copy(buffer, data); err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}
	return s.client.HSet(ctx, objKey(path),
		"data", buffer.Bytes(),
		"content_type", contentType,
	).Err()
}

func (s *RedisStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	data, err := s.client.HGet(ctx, objKey(path), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "object %s", path)
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	return s.client.Del(ctx, objKey(path)).Err()
}

func (s *RedisStore) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.client.Exists(ctx, objKey(path)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
