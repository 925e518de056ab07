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

// Package api API 进程装配：prover 客户端、coordinator、HTTP 路由与可观测性
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "proof-gateway/internal/api/http"
	"proof-gateway/internal/api/http/middleware"
	"proof-gateway/internal/app"
	"proof-gateway/internal/consumer"
	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/prover"
	"proof-gateway/internal/relay"
	"proof-gateway/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用。队列后端为 postgres 等共享介质时，消费循环跑在独立的
// Worker 进程；memory 队列只在本进程内可见，此时 API 进程自带消费循环
// 跑单进程 all-in-one 模式，否则入队的消息永远没人消费。
type App struct {
	bootstrap    *app.Bootstrap
	co           *coordinator.Coordinator
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown

	// all-in-one 模式下的消费循环；nil 表示消费在 Worker 进程
	proofConsumer *consumer.ProofConsumer
	claimConsumer *consumer.ClaimConsumer
	dlqConsumer   *consumer.DLQConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	proverClient := prover.New(prover.FromAppConfig(cfg.Prover), bootstrap.Cache)
	co := coordinator.New(
		bootstrap.Records, bootstrap.Blobs,
		bootstrap.ProofQ, bootstrap.ClaimQ,
		proverClient,
		coordinator.SettingsFromConfig(cfg.Gateway),
		bootstrap.Logger,
	)

	handler := apihttp.NewHandler(co, proverClient, bootstrap.Logger)
	router := apihttp.NewRouter(handler, middleware.NewMiddleware(cfg.API.Middleware))

	a := &App{
		bootstrap: bootstrap,
		co:        co,
		router:    router,
	}

	if inProcessQueue(cfg.Queue.Type) {
		relayClient := relay.New(relay.FromAppConfig(cfg.Relay))
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "api"
		}
		interval := config.ParseDuration(cfg.Worker.PollInterval, time.Second)
		a.proofConsumer = consumer.NewProofConsumer(co, bootstrap.ProofQ, proverClient, bootstrap.Logger, fmt.Sprintf("%s-proof", hostname), interval)
		a.claimConsumer = consumer.NewClaimConsumer(co, bootstrap.ClaimQ, relayClient, bootstrap.Logger, fmt.Sprintf("%s-claim", hostname), interval)
		a.dlqConsumer = consumer.NewDLQConsumer(co, bootstrap.ProofQ, bootstrap.ClaimQ, bootstrap.Logger, interval)
	}
	return a, nil
}

// inProcessQueue 队列是否仅本进程可见（无法与独立 Worker 进程共享）
func inProcessQueue(queueType string) bool {
	return queueType == "" || queueType == "memory"
}

// startConsumers 启动 all-in-one 模式的消费循环；非 all-in-one 为空操作
func (a *App) startConsumers() {
	if a.proofConsumer == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.bootstrap.Logger.Info("memory 队列仅本进程可见，API 进程以 all-in-one 模式启动消费循环")
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.proofConsumer.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.claimConsumer.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.dlqConsumer.Run(ctx)
	}()
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// Hertz 框架日志走 slog 扩展，与进程日志配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		if f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	a.startConsumers()

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "proof-gateway"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭：先停消费循环，再关 coordinator 与 HTTP 服务
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	a.co.Close()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.bootstrap.Close()
}
