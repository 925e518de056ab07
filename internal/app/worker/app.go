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

// Package worker Worker 进程装配：proof/claim 消费者与死信清理
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"proof-gateway/internal/app"
	"proof-gateway/internal/consumer"
	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/prover"
	"proof-gateway/internal/relay"
	"proof-gateway/pkg/config"
)

// App Worker 应用。三个消费循环共享同一个 coordinator：
// proof 消费者提交 tape，claim 消费者做链上结算，DLQ 消费者收敛死信。
type App struct {
	bootstrap *app.Bootstrap
	co        *coordinator.Coordinator

	proofConsumer *consumer.ProofConsumer
	claimConsumer *consumer.ClaimConsumer
	dlqConsumer   *consumer.DLQConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
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

	if cfg.Queue.Type == "" || cfg.Queue.Type == "memory" {
		bootstrap.Logger.Warn("memory 队列仅本进程可见，独立 Worker 收不到 API 进程入队的消息；拆分部署请配置 queue.type=postgres")
	}

	relayClient := relay.New(relay.FromAppConfig(cfg.Relay))

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	interval := config.ParseDuration(cfg.Worker.PollInterval, time.Second)

	return &App{
		bootstrap:     bootstrap,
		co:            co,
		proofConsumer: consumer.NewProofConsumer(co, bootstrap.ProofQ, proverClient, bootstrap.Logger, fmt.Sprintf("%s-proof", hostname), interval),
		claimConsumer: consumer.NewClaimConsumer(co, bootstrap.ClaimQ, relayClient, bootstrap.Logger, fmt.Sprintf("%s-claim", hostname), interval),
		dlqConsumer:   consumer.NewDLQConsumer(co, bootstrap.ProofQ, bootstrap.ClaimQ, bootstrap.Logger, interval),
	}, nil
}

// Start 启动消费循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.bootstrap.Logger.Info("Worker 服务启动")
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
	return nil
}

// Shutdown 优雅关闭：先停消费循环，再关 coordinator 与共享连接
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.co.Close()
	return a.bootstrap.Close()
}
