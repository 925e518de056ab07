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
	"fmt"
	"sync"
	"time"

	pkgerrors "proof-gateway/pkg/errors"
)

// MemoryStore 内存缓存存储实现
type MemoryStore struct {
	items map[string]*cacheItem
	mu    sync.RWMutex
}

type cacheItem struct {
	value      []byte
	expiration int64 // UnixNano；0 表示不过期
}

// NewMemoryStore 创建新的内存缓存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*cacheItem)}
}

func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &cacheItem{value: data, expiration: exp}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string, dest interface{}) error {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "cache %s", key)
	}
	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "cache %s expired", key)
	}
	return json.Unmarshal(item.value, dest)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
