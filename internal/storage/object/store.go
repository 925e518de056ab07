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

// Package object 提供 tape 与 result artifact 的不透明 blob 存储。
// 键为确定性路径：proof-jobs/{jobId}/input.tape 与 proof-jobs/{jobId}/result.json。
package object

import (
	"context"
	"fmt"
	"io"

	"proof-gateway/pkg/config"
)

// Store 对象存储接口
type Store interface {
	// Put 上传对象（覆盖写，幂等）
	Put(ctx context.Context, path string, data io.Reader, size int64, contentType string) error
	// Get 下载对象；不存在返回 pkg/errors.ErrNotFound
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete 删除对象；不存在不报错
	Delete(ctx context.Context, path string) error
	// Exists 检查对象是否存在
	Exists(ctx context.Context, path string) (bool, error)
	// Close 关闭存储连接
	Close() error
}

// TapeKey 返回 job 输入 tape 的存储键
func TapeKey(jobID string) string {
	return fmt.Sprintf("proof-jobs/%s/input.tape", jobID)
}

// ResultKey 返回 job 结果 artifact 的存储键
func ResultKey(jobID string) string {
	return fmt.Sprintf("proof-jobs/%s/result.json", jobID)
}

// NewStore 根据配置创建对象存储
func NewStore(cfg config.ObjectConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported object store type: %s", cfg.Type)
	}
}
