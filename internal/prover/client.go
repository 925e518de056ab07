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

// Package prover 封装外部 proving 服务的 HTTP 客户端：
// health 探测、tape 提交与状态轮询，所有出口都归一成带判别标签的结果。
package prover

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"proof-gateway/internal/storage/cache"
	"proof-gateway/pkg/config"
)

// 默认值与 prover 合同保持一致
const (
	DefaultTimeout         = 30 * time.Second
	DefaultReceiptKind     = "groth16"
	DefaultSegmentLimitPo2 = 20
	DefaultHealthCacheTTL  = 30 * time.Second
	DefaultPollBudget      = 45 * time.Second
	DefaultPollInterval    = 3 * time.Second
)

// defaultRetryableCodes poll failed 状态下仍按瞬时处理的 error_code
var defaultRetryableCodes = []string{"PROVER_BUSY", "CAPACITY", "INTERNAL"}

// oomMarkers prover 报错文案中判定内存不足的子串（小写匹配）
var oomMarkers = []string{"out of memory", "oom", "memory limit", "allocation failed"}

// Config prover 客户端配置（已解析为强类型）
type Config struct {
	BaseURL         string
	APIKey          string
	AccessTokenID   string
	AccessToken     string
	Timeout         time.Duration
	ReceiptKind     string
	SegmentLimitPo2 int
	MaxFrames       int
	VerifyReceipt   bool
	ExpectedImageID string
	HealthCacheTTL  time.Duration
	RetryableCodes  []string
	ProvingTimeout  time.Duration
}

// FromAppConfig 从应用配置转换，填充默认值
func FromAppConfig(pc config.ProverConfig) Config {
	cfg := Config{
		BaseURL:         pc.BaseURL,
		APIKey:          pc.APIKey,
		AccessTokenID:   pc.AccessTokenID,
		AccessToken:     pc.AccessToken,
		Timeout:         config.ParseDuration(pc.Timeout, DefaultTimeout),
		ReceiptKind:     pc.ReceiptKind,
		SegmentLimitPo2: pc.SegmentLimitPo2,
		MaxFrames:       pc.MaxFrames,
		VerifyReceipt:   pc.VerifyReceipt,
		ExpectedImageID: pc.ExpectedImageID,
		HealthCacheTTL:  config.ParseDuration(pc.HealthCacheTTL, DefaultHealthCacheTTL),
		RetryableCodes:  pc.RetryableCodes,
		ProvingTimeout:  config.ParseDuration(pc.ProvingTimeout, 10*time.Minute),
	}
	return cfg
}

// Client prover HTTP 客户端；并发安全
type Client struct {
	http  *resty.Client
	cfg   Config
	cache cache.Store
}

// New 创建 prover 客户端；cache 可为 nil（不缓存 health）
func New(cfg Config, cacheStore cache.Store) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReceiptKind == "" {
		cfg.ReceiptKind = DefaultReceiptKind
	}
	if cfg.SegmentLimitPo2 <= 0 {
		cfg.SegmentLimitPo2 = DefaultSegmentLimitPo2
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = DefaultHealthCacheTTL
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		httpClient.SetHeader("x-api-key", cfg.APIKey)
	}
	if cfg.AccessTokenID != "" && cfg.AccessToken != "" {
		httpClient.SetHeader("x-access-token-id", cfg.AccessTokenID)
		httpClient.SetHeader("x-access-token", cfg.AccessToken)
	}
	return &Client{http: httpClient, cfg: cfg, cache: cacheStore}
}

// SegmentLimitPo2 配置的默认 segment 上限
func (c *Client) SegmentLimitPo2() int { return c.cfg.SegmentLimitPo2 }

// ProvingTimeout 单个 prover job 的墙钟上限
func (c *Client) ProvingTimeout() time.Duration { return c.cfg.ProvingTimeout }

// Submit 提交 tape 字节流。先过 health 门（失败即不发请求），
// 再 POST /api/jobs/prove-tape/raw；segmentLimitPo2 > 0 时覆盖配置值。
func (c *Client) Submit(ctx context.Context, tapeBytes []byte, segmentLimitPo2 int) SubmitResult {
	if _, herr := c.HealthCheck(ctx); herr != nil {
		kind := SubmitFatal
		if herr.Retryable {
			kind = SubmitRetry
		}
		return SubmitResult{Kind: kind, Reason: herr.Reason}
	}

	limit := c.cfg.SegmentLimitPo2
	if segmentLimitPo2 > 0 {
		limit = segmentLimitPo2
	}
	params := map[string]string{
		"receipt_kind":      c.cfg.ReceiptKind,
		"segment_limit_po2": strconv.Itoa(limit),
	}
	if c.cfg.MaxFrames > 0 {
		params["max_frames"] = strconv.Itoa(c.cfg.MaxFrames)
	}
	if c.cfg.VerifyReceipt {
		params["verify_receipt"] = "true"
	}

	var body SubmitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParams(params).
		SetBody(tapeBytes).
		SetResult(&body).
		Post("/api/jobs/prove-tape/raw")
	if err != nil {
		return SubmitResult{Kind: SubmitRetry, Reason: fmt.Sprintf("submit request failed: %v", err)}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusNotFound || code >= 500:
		return SubmitResult{Kind: SubmitRetry, Reason: fmt.Sprintf("submit rejected with status %d", code)}
	case code >= 400:
		return SubmitResult{Kind: SubmitFatal,
			Reason: fmt.Sprintf("submit rejected with status %d: %s", code, truncate(resp.String(), 200))}
	}
	if !body.Success || body.JobID == "" {
		// 2xx 但响应体不成形，当作瞬时故障
		return SubmitResult{Kind: SubmitRetry, Reason: "submit returned malformed response"}
	}
	return SubmitResult{
		Kind:            SubmitAccepted,
		ProverJobID:     body.JobID,
		StatusURL:       body.StatusURL,
		SegmentLimitPo2: limit,
	}
}

// PollOnce 查询一次 prover job 状态
func (c *Client) PollOnce(ctx context.Context, proverJobID string) PollResult {
	var body StatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/api/jobs/" + proverJobID)
	if err != nil {
		return PollResult{Kind: PollRetry, Reason: fmt.Sprintf("poll request failed: %v", err)}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotFound:
		// prover 不认识这个 job：重置 prover job 关联后重新提交
		return PollResult{Kind: PollRetry, ClearProverJob: true,
			Reason: fmt.Sprintf("prover job %s not found", proverJobID)}
	case code == http.StatusTooManyRequests || code >= 500:
		return PollResult{Kind: PollRetry, Reason: fmt.Sprintf("poll rejected with status %d", code)}
	case code >= 400:
		return PollResult{Kind: PollFatal,
			Reason: fmt.Sprintf("poll rejected with status %d: %s", code, truncate(resp.String(), 200))}
	}

	switch body.Status {
	case "queued", "running":
		return PollResult{Kind: PollRunning, Status: body.Status}
	case "succeeded":
		if !body.complete() {
			// 声称成功却缺 proof 字段：按 prover 丢 job 处理
			return PollResult{Kind: PollRetry, ClearProverJob: true,
				Reason: "prover reported success without a complete proof payload"}
		}
		return PollResult{Kind: PollSuccess, Status: body.Status, Response: &body, Raw: resp.Body()}
	case "failed":
		if c.retryableCode(body.ErrorCode) {
			return PollResult{Kind: PollRetry, ClearProverJob: true,
				Reason: fmt.Sprintf("prover failed with retryable code %s: %s", body.ErrorCode, body.Error)}
		}
		reason := body.Error
		if reason == "" {
			reason = "prover reported failure without detail"
		}
		return PollResult{Kind: PollFatal, Reason: reason}
	default:
		return PollResult{Kind: PollRetry,
			Reason: fmt.Sprintf("prover returned unknown status %q", body.Status)}
	}
}

// PollBounded 在 budget 内按 interval 轮询，直到出现非 Running 结果或预算耗尽。
// budget <= 0 直接返回 Running，不发任何请求；剩余预算由下一次 alarm 继续。
func (c *Client) PollBounded(ctx context.Context, proverJobID string, budget, interval time.Duration) PollResult {
	if budget <= 0 {
		return PollResult{Kind: PollRunning, Status: "running"}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(budget)

	for {
		res := c.PollOnce(ctx, proverJobID)
		if res.Kind != PollRunning {
			return res
		}
		remaining := time.Until(deadline)
		if remaining < interval {
			return res
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return PollResult{Kind: PollRetry, Reason: fmt.Sprintf("poll cancelled: %v", ctx.Err())}
		case <-timer.C:
		}
	}
}

// retryableCode 判定 failed 状态下的 error_code 是否可重试
func (c *Client) retryableCode(code string) bool {
	if code == "" {
		return false
	}
	codes := c.cfg.RetryableCodes
	if len(codes) == 0 {
		codes = defaultRetryableCodes
	}
	for _, rc := range codes {
		if strings.EqualFold(code, rc) {
			return true
		}
	}
	return false
}

// IsOOM 判定失败原因是否为 prover 内存不足，coordinator 据此降档 segment 上限
func IsOOM(reason string) bool {
	lower := strings.ToLower(reason)
	for _, m := range oomMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
