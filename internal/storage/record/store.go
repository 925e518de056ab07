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

// Package record 提供 job 记录与活跃槽位 token 的持久键值存储。
// 每个键带单调递增版本号；跨进程的读-改-写通过版本条件写串行化，无跨键事务。
package record

import (
	"context"
	"fmt"

	"proof-gateway/pkg/config"
)

// Store 持久键值存储接口
type Store interface {
	// Get 按键读取；不存在返回 pkg/errors.ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Put 覆盖写（单键原子）；版本号递增
	Put(ctx context.Context, key string, value []byte) error
	// GetVersioned 读取值与当前版本；不存在返回 pkg/errors.ErrNotFound
	GetVersioned(ctx context.Context, key string) (value []byte, version uint64, err error)
	// PutVersioned 条件写。expected 为 0 时仅在键不存在时创建；
	// 否则仅在当前版本等于 expected 时覆盖。版本不符返回 pkg/errors.ErrConflict。
	PutVersioned(ctx context.Context, key string, value []byte, expected uint64) (version uint64, err error)
	// Delete 按键删除；键不存在不报错
	Delete(ctx context.Context, key string) error
	// List 前缀扫描，按键升序；cursor 为上一页最后一个键，空表示从头；limit <= 0 时不分页
	List(ctx context.Context, prefix string, limit int, cursor string) (keys []string, err error)
	// Close 关闭存储连接
	Close() error
}

// NewStore 根据配置创建记录存储
func NewStore(ctx context.Context, cfg config.RecordConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("record store type=postgres 需要 dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported record store type: %s", cfg.Type)
	}
}
