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

// Package app 装配 API 与 Worker 共用的基础设施：
// 日志、secret 解析、记录/对象/缓存存储、proof 与 claim 队列。
package app

import (
	"context"
	"fmt"

	"proof-gateway/internal/queue"
	"proof-gateway/internal/storage/cache"
	"proof-gateway/internal/storage/object"
	"proof-gateway/internal/storage/record"
	"proof-gateway/pkg/config"
	"proof-gateway/pkg/log"
	"proof-gateway/pkg/secrets"
)

// Bootstrap 进程启动时装配好的共享依赖
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
	Records record.Store
	Blobs   object.Store
	Cache   cache.Store
	ProofQ  queue.Queue
	ClaimQ  queue.Queue
}

// NewBootstrap 初始化共享依赖。`secret://` 形式的密钥在此统一解析，
// 下游组件只见明文配置。
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err := resolveSecrets(ctx, secretStore, cfg); err != nil {
		return nil, err
	}

	records, err := record.NewStore(ctx, cfg.Storage.Record)
	if err != nil {
		return nil, fmt.Errorf("初始化记录存储失败: %w", err)
	}
	blobs, err := object.NewStore(cfg.Storage.Object)
	if err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}
	cacheStore, err := cache.NewCache(cfg.Storage.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}

	proofQ, err := queue.NewQueue(ctx, cfg.Queue, queue.Options{Name: queue.ProofQueue})
	if err != nil {
		return nil, fmt.Errorf("初始化 proof 队列失败: %w", err)
	}
	claimQ, err := queue.NewQueue(ctx, cfg.Queue, queue.Options{Name: queue.ClaimQueue})
	if err != nil {
		return nil, fmt.Errorf("初始化 claim 队列失败: %w", err)
	}

	return &Bootstrap{
		Config:  cfg,
		Logger:  logger,
		Secrets: secretStore,
		Records: records,
		Blobs:   blobs,
		Cache:   cacheStore,
		ProofQ:  proofQ,
		ClaimQ:  claimQ,
	}, nil
}

// resolveSecrets 把配置里的 secret:// 引用替换为实际值
func resolveSecrets(ctx context.Context, store secrets.Store, cfg *config.Config) error {
	fields := []struct {
		name string
		val  *string
	}{
		{"prover.api_key", &cfg.Prover.APIKey},
		{"prover.access_token_id", &cfg.Prover.AccessTokenID},
		{"prover.access_token", &cfg.Prover.AccessToken},
		{"relay.api_key", &cfg.Relay.APIKey},
		{"api.middleware.api_key", &cfg.API.Middleware.APIKey},
	}
	for _, f := range fields {
		resolved, err := secrets.Resolve(ctx, store, *f.val)
		if err != nil {
			return fmt.Errorf("解析 %s 失败: %w", f.name, err)
		}
		*f.val = resolved
	}
	return nil
}

// Close 关闭共享依赖（队列与存储连接）
func (b *Bootstrap) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{b.ProofQ, b.ClaimQ, b.Records, b.Blobs, b.Cache} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
