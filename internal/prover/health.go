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

package prover

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"proof-gateway/internal/tape"
)

// HealthResponse prover GET /health 的响应
type HealthResponse struct {
	ImageID     string `json:"image_id"`
	RulesDigest uint32 `json:"rules_digest"`
	Ruleset     string `json:"ruleset"`
}

// ValidatedHealth 通过校验的 health 探测结果；经 cache 按 TTL 复用
type ValidatedHealth struct {
	ImageID     string    `json:"imageId"`
	RulesDigest uint32    `json:"rulesDigest"`
	Ruleset     string    `json:"ruleset"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// HealthError health 校验失败；Retryable 区分网络/5xx 与 schema/digest 不匹配
type HealthError struct {
	Reason    string
	Retryable bool
}

func (e *HealthError) Error() string { return e.Reason }

func healthRetry(format string, args ...interface{}) *HealthError {
	return &HealthError{Reason: fmt.Sprintf(format, args...), Retryable: true}
}

func healthFatal(format string, args ...interface{}) *HealthError {
	return &HealthError{Reason: fmt.Sprintf(format, args...), Retryable: false}
}

// healthCacheKey 组合 baseURL 与 expectedImageID，重配后自动失效
func (c *Client) healthCacheKey() string {
	return fmt.Sprintf("prover-health:%s:%s", c.cfg.BaseURL, c.cfg.ExpectedImageID)
}

// HealthCheck 探测并校验 prover /health；结果按 TTL 缓存。
// 校验项：image_id 为 32 字节 hex、rules_digest 等于编译期常量、
// 配置了 expected_image_id 时要求相等。
func (c *Client) HealthCheck(ctx context.Context) (*ValidatedHealth, *HealthError) {
	if c.cache != nil {
		var cached ValidatedHealth
		if err := c.cache.Get(ctx, c.healthCacheKey(), &cached); err == nil {
			return &cached, nil
		}
	}

	var body HealthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/health")
	if err != nil {
		return nil, healthRetry("prover health check failed: %v", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, healthRetry("prover health check failed: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, healthFatal("prover health check failed: status %d", resp.StatusCode())
	}

	if !isHex32(body.ImageID) {
		return nil, healthFatal("prover health check failed: image_id %q is not 32-byte hex", body.ImageID)
	}
	if body.RulesDigest != tape.ExpectedRulesDigest {
		return nil, healthFatal("prover health check failed: rules_digest mismatch (got 0x%08X, want 0x%08X)",
			body.RulesDigest, tape.ExpectedRulesDigest)
	}
	if c.cfg.ExpectedImageID != "" && body.ImageID != c.cfg.ExpectedImageID {
		return nil, healthFatal("prover health check failed: image_id mismatch")
	}

	validated := &ValidatedHealth{
		ImageID:     body.ImageID,
		RulesDigest: body.RulesDigest,
		Ruleset:     body.Ruleset,
		CheckedAt:   time.Now().UTC(),
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, c.healthCacheKey(), validated, c.cfg.HealthCacheTTL)
	}
	return validated, nil
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
