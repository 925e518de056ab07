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

// Package relay 封装链上结算 relayer 的 HTTP 客户端：
// 提交 claim、按错误文案分级（瞬时/致命）、从 receipt 提取 Groth16 seal。
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"proof-gateway/pkg/config"
)

// DefaultTimeout relayer 单请求超时
const DefaultTimeout = 30 * time.Second

// Config relayer 客户端配置
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// FromAppConfig 从应用配置转换
func FromAppConfig(rc config.RelayConfig) Config {
	return Config{
		Endpoint: rc.Endpoint,
		APIKey:   rc.APIKey,
		Timeout:  config.ParseDuration(rc.Timeout, DefaultTimeout),
	}
}

// ClaimRequest 结算请求；seal 与 journal 均为 hex 编码
type ClaimRequest struct {
	ClaimantAddress string `json:"claimantAddress"`
	Seal            string `json:"seal"`
	JournalRaw      string `json:"journalRaw"`
}

type claimResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Error   string `json:"error,omitempty"`
}

// Client relayer HTTP 客户端
type Client struct {
	http *resty.Client
	cfg  Config
}

// New 创建 relayer 客户端
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := resty.New().SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		httpClient.SetHeader("x-api-key", cfg.APIKey)
	}
	return &Client{http: httpClient, cfg: cfg}
}

// SubmitClaim 提交 claim，成功返回交易哈希。
// 失败返回的 error 文本保留 relayer 原话，供 Classify 分级。
func (c *Client) SubmitClaim(ctx context.Context, req ClaimRequest) (string, error) {
	var body claimResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		SetError(&body).
		Post(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("relay request failed: %w", err)
	}
	if resp.IsError() || !body.Success {
		reason := body.Error
		if reason == "" {
			reason = strings.TrimSpace(resp.String())
		}
		if reason == "" {
			reason = fmt.Sprintf("relay returned status %d", resp.StatusCode())
		}
		return "", fmt.Errorf("relay rejected claim: %s", reason)
	}
	if body.TxHash == "" {
		return "", fmt.Errorf("relay returned success without tx hash")
	}
	return body.TxHash, nil
}
