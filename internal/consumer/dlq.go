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

package consumer

import (
	"context"
	"fmt"
	"time"

	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/queue"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
)

// DLQConsumer 死信兜底：非终态 job 被强制到对应终态，原因标注 "(dead-letter)"。
// 处理必须幂等，重复消费同一 job 不得产生额外副作用。
type DLQConsumer struct {
	co       *coordinator.Coordinator
	proofQ   queue.Queue
	claimQ   queue.Queue
	logger   *log.Logger
	interval time.Duration
}

// NewDLQConsumer 创建死信消费者
func NewDLQConsumer(co *coordinator.Coordinator, proofQ, claimQ queue.Queue, logger *log.Logger, interval time.Duration) *DLQConsumer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DLQConsumer{
		co:       co,
		proofQ:   proofQ,
		claimQ:   claimQ,
		logger:   logger.With("component", "dlq-consumer"),
		interval: interval,
	}
}

// Run 轮询两条死信队列；ctx 取消后返回
func (c *DLQConsumer) Run(ctx context.Context) {
	c.logger.Info("dlq consumer started")
	for {
		worked := c.DrainOnce(ctx)
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("dlq consumer stopped")
			return
		case <-time.After(c.interval):
		}
	}
}

// DrainOnce 各处理一条死信；有任一队列出活返回 true
func (c *DLQConsumer) DrainOnce(ctx context.Context) bool {
	worked := false
	if msg, err := c.proofQ.ReceiveDead(ctx); err != nil {
		c.logger.Error("receive proof dead letter", "error", err)
	} else if msg != nil {
		c.handleProofDead(ctx, msg)
		worked = true
	}
	if msg, err := c.claimQ.ReceiveDead(ctx); err != nil {
		c.logger.Error("receive claim dead letter", "error", err)
	} else if msg != nil {
		c.handleClaimDead(ctx, msg)
		worked = true
	}
	return worked
}

func (c *DLQConsumer) handleProofDead(ctx context.Context, msg *queue.Message) {
	if msg.JobID == "" {
		return
	}
	reason := fmt.Sprintf("delivery attempts exhausted after %d tries (dead-letter)", msg.Attempts)
	err := c.co.MarkFailed(ctx, msg.JobID, reason)
	switch {
	case err == nil:
		c.logger.Warn("proof job dead-lettered", "job_id", msg.JobID, "attempts", msg.Attempts)
	case errors.Is(err, errors.ErrTerminal), errors.Is(err, errors.ErrNotFound):
		// 已终态或已清理：幂等空操作
	default:
		c.logger.Error("mark dead-lettered job failed", "job_id", msg.JobID, "error", err)
	}
}

func (c *DLQConsumer) handleClaimDead(ctx context.Context, msg *queue.Message) {
	if msg.JobID == "" {
		return
	}
	rec, err := c.co.GetJob(ctx, msg.JobID)
	if err != nil || rec.Claim.Status.Terminal() {
		return
	}
	reason := fmt.Sprintf("claim delivery attempts exhausted after %d tries (dead-letter)", msg.Attempts)
	merr := c.co.MarkClaimFailed(ctx, msg.JobID, reason, nil)
	switch {
	case merr == nil:
		c.logger.Warn("claim dead-lettered", "job_id", msg.JobID, "attempts", msg.Attempts)
	case errors.Is(merr, errors.ErrTerminal), errors.Is(merr, errors.ErrNotFound):
	default:
		c.logger.Error("mark dead-lettered claim failed", "job_id", msg.JobID, "error", merr)
	}
}
