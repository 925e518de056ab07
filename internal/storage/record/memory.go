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

package record

import (
	"context"
	"sort"
	"strings"
	"sync"

	pkgerrors "proof-gateway/pkg/errors"
)

type entry struct {
	value   []byte
	version uint64
}

// MemoryStore 内存实现（开发与测试）
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewMemoryStore 创建内存记录存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]entry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := s.GetVersioned(ctx, key)
	return v, err
}

func (s *MemoryStore) GetVersioned(ctx context.Context, key string) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, 0, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "record %s", key)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: cp, version: s.data[key].version + 1}
	return nil
}

func (s *MemoryStore) PutVersioned(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[key]
	if expected == 0 {
		if ok {
			return 0, pkgerrors.Wrapf(pkgerrors.ErrConflict, "record %s already exists", key)
		}
	} else if !ok || cur.version != expected {
		return 0, pkgerrors.Wrapf(pkgerrors.ErrConflict, "record %s version %d != %d", key, cur.version, expected)
	}
	next := expected + 1
	s.data[key] = entry{value: cp, version: next}
	return next, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
