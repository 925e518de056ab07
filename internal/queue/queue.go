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

// Package queue 提供 proof 与 claim 两条管线的任务队列。
// 语义：at-least-once 投递、同一时刻最多一条消息在处理中（batch size 1）、
// 投递次数超限转入死信。消息只携带 jobId，记录本身是唯一事实来源。
package queue

import (
	"context"
	"fmt"
	"time"

	"proof-gateway/pkg/config"
)

// 队列名
const (
	ProofQueue = "proof"
	ClaimQueue = "claim"
)

// Message 队列消息；Attempts 为含本次的投递次数
type Message struct {
	ID       string
	JobID    string
	Attempts int
}

// Queue 单飞任务队列接口
type Queue interface {
	// Send 入队一条消息
	Send(ctx context.Context, jobID string) error
	// Receive 认领一条可见消息；已有消息在处理中或队列为空时返回 (nil, nil)。
	// 投递次数超过 maxDeliveries 的消息直接转入死信，不再投递。
	Receive(ctx context.Context, workerID string) (*Message, error)
	// Ack 确认消息处理完成
	Ack(ctx context.Context, msgID string) error
	// Retry 释放消息并延迟 delay 后重投递（attempts 保留）
	Retry(ctx context.Context, msgID string, delay time.Duration) error
	// ReceiveDead 取出一条死信；无死信时返回 (nil, nil)
	ReceiveDead(ctx context.Context) (*Message, error)
	// Close 关闭队列连接
	Close() error
}

// Options 队列行为参数
type Options struct {
	Name              string        // proof | claim
	MaxDeliveries     int           // 超过后转死信；<=0 时默认 6
	VisibilityTimeout time.Duration // 认领后未 Ack/Retry 的自动回收时间；<=0 时默认 5m
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxDeliveries <= 0 {
		out.MaxDeliveries = 6
	}
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = 5 * time.Minute
	}
	return out
}

// NewQueue 根据配置创建队列
func NewQueue(ctx context.Context, cfg config.QueueConfig, opts Options) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(opts), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("queue type=postgres 需要 dsn")
		}
		return NewPostgresQueue(ctx, cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Type)
	}
}
