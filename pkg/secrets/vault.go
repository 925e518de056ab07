// Copyright 2026 fanjia1024
// Vault backed secret store

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `yaml:"address"`     // Vault server address (e.g., http://vault:8200)
	Token      string `yaml:"token"`       // Vault token
	PathPrefix string `yaml:"path_prefix"` // Secret path prefix (e.g., "secret")
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
	mu         sync.RWMutex
	transient  map[string]string // 最近 Set 过的值缓存，减少读放大
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if config.Token != "" {
		client.SetToken(config.Token)
	}

	prefix := "secret"
	if config.PathPrefix != "" {
		prefix = config.PathPrefix
	}

	return &vaultStore{
		client:     client,
		pathPrefix: prefix,
		transient:  make(map[string]string),
	}, nil
}

func (v *vaultStore) buildPath(key string) string {
	return fmt.Sprintf("%s/data/%s", v.pathPrefix, strings.TrimPrefix(key, "/"))
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	v.mu.RLock()
	if val, ok := v.transient[key]; ok {
		v.mu.RUnlock()
		return val, nil
	}
	v.mu.RUnlock()

	secret, err := v.client.Logical().ReadWithContext(ctx, v.buildPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}

	if data, ok := secret.Data["value"].(string); ok {
		return data, nil
	}
	for _, val := range secret.Data {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{
		"value": value,
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.buildPath(key), data); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}

	v.mu.Lock()
	v.transient[key] = value
	v.mu.Unlock()
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.buildPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}

	v.mu.Lock()
	delete(v.transient, key)
	v.mu.Unlock()
	return nil
}
