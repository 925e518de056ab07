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
	"fmt"
	"io"
	"sync"

	pkgerrors "proof-gateway/pkg/errors"
)

// MemoryStore 内存对象存储实现
type MemoryStore struct {
	objects map[string]*object
	mu      sync.RWMutex
}

type object struct {
	data        []byte
	contentType string
}

// NewMemoryStore 创建新的内存对象存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*object)}
}

func (s *MemoryStore) Put(ctx context.Context, path string, data io.Reader, size int64, contentType string) error {
	buffer := &bytes.Buffer{}
	if size > 0 {
		buffer.Grow(int(size))
	}
	if _, err := io.Copy(buffer, data); err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = &object{data: buffer.Bytes(), contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, exists := s.objects[path]
	if !exists {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "object %s", path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.objects[path]
	return exists, nil
}

func (s *MemoryStore) Close() error { return nil }
