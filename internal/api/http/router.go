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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"

	"proof-gateway/internal/api/http/middleware"
)

// Router 对外 HTTP 路由
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 构建 Hertz server 并注册路由
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	options := append([]hertzconfig.Option{server.WithHostPorts(addr)}, opts...)
	s := server.Default(options...)

	api := s.Group("/api", r.middleware.CORS())

	proofs := api.Group("/proofs")
	{
		proofs.POST("/jobs", r.middleware.SubmitRateLimit(), r.handler.SubmitJob)
		proofs.GET("/jobs", r.handler.ListJobs)
		proofs.GET("/jobs/:id", r.handler.GetJob)
		proofs.GET("/jobs/:id/result", r.handler.GetJobResult)
		proofs.DELETE("/jobs/:id", r.middleware.RequireGatewayKey(), r.handler.CancelJob)
	}

	api.GET("/health", r.handler.Health)

	system := api.Group("/system")
	{
		system.GET("/metrics", r.handler.SystemMetrics)
	}

	return s
}
