// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"strings"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error
}

// Config Secret Store 配置
type Config struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory
	Config   map[string]string `mapstructure:"config"`   // Provider-specific config
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	case "", "env":
		return NewEnvStore(), nil
	default:
		return NewEnvStore(), nil
	}
}

// Resolve 解析配置值：`secret://key` 形式经 store 解析，其余原样返回
func Resolve(ctx context.Context, store Store, value string) (string, error) {
	const scheme = "secret://"
	if store == nil || !strings.HasPrefix(value, scheme) {
		return value, nil
	}
	return store.Get(ctx, strings.TrimPrefix(value, scheme))
}
