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

// Package middleware 提供 API 层中间件：CORS、管理接口鉴权、提交限流
package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"proof-gateway/pkg/config"
)

// Middleware API 中间件集合
type Middleware struct {
	cfg           config.MiddlewareConfig
	submitLimiter *rate.Limiter
}

// NewMiddleware 创建中间件集合
func NewMiddleware(cfg config.MiddlewareConfig) *Middleware {
	m := &Middleware{cfg: cfg}
	if cfg.SubmitRPS > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		m.submitLimiter = rate.NewLimiter(rate.Limit(cfg.SubmitRPS), burst)
	}
	return m
}

// CORS 跨域支持；浏览器客户端直接提交 tape
func (m *Middleware) CORS() app.HandlerFunc {
	origins := m.cfg.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Header("Access-Control-Allow-Origin", origins)
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type, x-gateway-key, x-claimant-address")
		if string(ctx.Method()) == "OPTIONS" {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}

// RequireGatewayKey 管理操作（取消等）的 key 校验；未配置 key 时放行
func (m *Middleware) RequireGatewayKey() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if m.cfg.APIKey == "" {
			ctx.Next(c)
			return
		}
		if string(ctx.GetHeader("x-gateway-key")) != m.cfg.APIKey {
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   "invalid gateway key",
			})
			return
		}
		ctx.Next(c)
	}
}

// SubmitRateLimit 提交接口限流；未配置时放行
func (m *Middleware) SubmitRateLimit() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if m.submitLimiter != nil && !m.submitLimiter.Allow() {
			ctx.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]interface{}{
				"success": false,
				"error":   "too many submissions, slow down",
			})
			return
		}
		ctx.Next(c)
	}
}
