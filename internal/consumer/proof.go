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

// Package consumer 实现 proof 与 claim 两条管线的队列消费者，以及死信兜底。
// 消费者一次只处理一条消息，所有记录变更都经 Coordinator 方法完成。
package consumer

import (
	"context"
	"fmt"
	"time"

	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/prover"
	"proof-gateway/internal/queue"
	"proof-gateway/pkg/backoff"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
	"proof-gateway/pkg/metrics"
)

// ProofConsumer proof 队列消费者：把排队的 job 提交给 prover
type ProofConsumer struct {
	co       *coordinator.Coordinator
	queue    queue.Queue
	prover   coordinator.ProverAPI
	logger   *log.Logger
	workerID string
	interval time.Duration
}

// NewProofConsumer 创建 proof 消费者；interval 为空队列轮询间隔
func NewProofConsumer(co *coordinator.Coordinator, q queue.Queue, proverAPI coordinator.ProverAPI, logger *log.Logger, workerID string, interval time.Duration) *ProofConsumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProofConsumer{
		co:       co,
		queue:    q,
		prover:   proverAPI,
		logger:   logger.With("component", "proof-consumer", "worker_id", workerID),
		workerID: workerID,
		interval: interval,
	}
}

// Run 消费循环；ctx 取消后返回
func (c *ProofConsumer) Run(ctx context.Context) {
	c.logger.Info("proof consumer started")
	for {
		msg, err := c.queue.Receive(ctx, c.workerID)
		if err != nil {
			c.logger.Error("receive proof message", "error", err)
		} else if msg != nil {
			c.Handle(ctx, msg)
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("proof consumer stopped")
			return
		case <-time.After(c.interval):
		}
	}
}

// Handle 单条消息协议；崩溃时消息由可见性超时回收，最终落入死信兜底
func (c *ProofConsumer) Handle(ctx context.Context, msg *queue.Message) {
	if msg.JobID == "" {
		c.ack(ctx, msg)
		return
	}
	logger := c.logger.With("job_id", msg.JobID, "attempt", msg.Attempts)

	rec, err := c.co.BeginQueueAttempt(ctx, msg.JobID, msg.Attempts)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrTerminal) {
			c.ack(ctx, msg)
			return
		}
		logger.Error("begin queue attempt", "error", err)
		c.retry(ctx, msg)
		return
	}

	// 崩溃恢复的重投递：prover 已受理，轮询交给 alarm
	if rec.Prover.ProverJobID != "" {
		logger.Info("redelivery with existing prover job", "prover_job_id", rec.Prover.ProverJobID)
		c.ack(ctx, msg)
		return
	}

	settings := c.co.Settings()
	if time.Since(rec.CreatedAt) > settings.MaxJobWallTime {
		reason := fmt.Sprintf("timed out after %d minutes (attempt %d)", int(settings.MaxJobWallTime.Minutes()), msg.Attempts)
		c.fail(ctx, msg, reason)
		return
	}

	tapeBytes, err := c.co.ReadTape(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.fail(ctx, msg, "missing tape artifact")
			return
		}
		logger.Error("read tape blob", "error", err)
		c.retry(ctx, msg)
		return
	}

	res := c.prover.Submit(ctx, tapeBytes, rec.Prover.SegmentLimitPo2)
	switch res.Kind {
	case prover.SubmitAccepted:
		if err := c.co.MarkProverAccepted(ctx, msg.JobID, res.ProverJobID, res.StatusURL, res.SegmentLimitPo2, rec.Prover.RecoveryAttempts); err != nil && !errors.Is(err, errors.ErrTerminal) {
			logger.Error("mark prover accepted", "error", err)
		}
		c.ack(ctx, msg)
	case prover.SubmitRetry:
		if msg.Attempts >= settings.MaxQueueRetries {
			c.fail(ctx, msg, fmt.Sprintf("%s (exhausted %d delivery attempts)", res.Reason, msg.Attempts))
			return
		}
		delay := backoff.Delay(msg.Attempts, settings.MaxRetryDelay)
		if err := c.co.MarkRetry(ctx, msg.JobID, res.Reason, time.Now().Add(delay), false); err != nil && !errors.Is(err, errors.ErrTerminal) {
			logger.Error("mark retry", "error", err)
		}
		logger.Warn("submit retry", "reason", res.Reason, "delay", delay.String())
		metrics.QueueRedeliveries.WithLabelValues(queue.ProofQueue).Inc()
		if err := c.queue.Retry(ctx, msg.ID, delay); err != nil {
			logger.Error("requeue message", "error", err)
		}
	case prover.SubmitFatal:
		c.fail(ctx, msg, res.Reason)
	}
}

func (c *ProofConsumer) ack(ctx context.Context, msg *queue.Message) {
	if err := c.queue.Ack(ctx, msg.ID); err != nil {
		c.logger.Error("ack proof message", "msg_id", msg.ID, "error", err)
	}
}

func (c *ProofConsumer) retry(ctx context.Context, msg *queue.Message) {
	metrics.QueueRedeliveries.WithLabelValues(queue.ProofQueue).Inc()
	if err := c.queue.Retry(ctx, msg.ID, backoff.Delay(msg.Attempts, c.co.Settings().MaxRetryDelay)); err != nil {
		c.logger.Error("requeue proof message", "msg_id", msg.ID, "error", err)
	}
}

func (c *ProofConsumer) fail(ctx context.Context, msg *queue.Message, reason string) {
	if err := c.co.MarkFailed(ctx, msg.JobID, reason); err != nil && !errors.Is(err, errors.ErrTerminal) {
		c.logger.Error("mark failed", "job_id", msg.JobID, "error", err)
	}
	c.ack(ctx, msg)
}
