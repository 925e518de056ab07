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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/queue"
	"proof-gateway/internal/relay"
	"proof-gateway/pkg/backoff"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
	"proof-gateway/pkg/metrics"
)

// RelayAPI claim 消费者依赖的 relayer 子集
type RelayAPI interface {
	SubmitClaim(ctx context.Context, req relay.ClaimRequest) (string, error)
}

// ClaimConsumer claim 队列消费者：从 artifact 提取 seal 与 journal，
// 调结算 relayer 并回写终态。
type ClaimConsumer struct {
	co       *coordinator.Coordinator
	queue    queue.Queue
	relay    RelayAPI
	logger   *log.Logger
	workerID string
	interval time.Duration
}

// NewClaimConsumer 创建 claim 消费者
func NewClaimConsumer(co *coordinator.Coordinator, q queue.Queue, relayAPI RelayAPI, logger *log.Logger, workerID string, interval time.Duration) *ClaimConsumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &ClaimConsumer{
		co:       co,
		queue:    q,
		relay:    relayAPI,
		logger:   logger.With("component", "claim-consumer", "worker_id", workerID),
		workerID: workerID,
		interval: interval,
	}
}

// Run 消费循环；ctx 取消后返回
func (c *ClaimConsumer) Run(ctx context.Context) {
	c.logger.Info("claim consumer started")
	for {
		msg, err := c.queue.Receive(ctx, c.workerID)
		if err != nil {
			c.logger.Error("receive claim message", "error", err)
		} else if msg != nil {
			c.Handle(ctx, msg)
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("claim consumer stopped")
			return
		case <-time.After(c.interval):
		}
	}
}

// resultEnvelope result.json 的落盘结构（读取侧）
type resultEnvelope struct {
	StoredAt       time.Time       `json:"storedAt"`
	ProverResponse json.RawMessage `json:"proverResponse"`
}

type proverResponseReceipt struct {
	Result *struct {
		Proof *struct {
			Receipt json.RawMessage `json:"receipt"`
		} `json:"proof"`
	} `json:"result"`
}

// Handle 单条 claim 消息协议
func (c *ClaimConsumer) Handle(ctx context.Context, msg *queue.Message) {
	if msg.JobID == "" {
		c.ack(ctx, msg)
		return
	}
	logger := c.logger.With("job_id", msg.JobID, "attempt", msg.Attempts)

	rec, err := c.co.BeginClaimAttempt(ctx, msg.JobID, msg.Attempts)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.ack(ctx, msg)
			return
		}
		logger.Error("begin claim attempt", "error", err)
		c.retry(ctx, msg)
		return
	}
	if rec.Status != coordinator.StatusSucceeded || rec.Claim.Status.Terminal() {
		c.ack(ctx, msg)
		return
	}
	if rec.Result == nil || rec.Result.ArtifactKey == "" || rec.Result.Summary == nil {
		c.failClaim(ctx, msg, "missing proof result", nil)
		return
	}

	artifact, err := c.co.ReadArtifact(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.failClaim(ctx, msg, "missing proof result", nil)
			return
		}
		logger.Error("read result artifact", "error", err)
		c.retry(ctx, msg)
		return
	}

	journal := rec.Result.Summary.Journal
	packed := journal.Pack()
	digest := journal.Digest()
	fallback := &coordinator.FallbackPayload{
		ClaimantAddress:  rec.Claim.ClaimantAddress,
		JournalRawHex:    hex.EncodeToString(packed[:]),
		JournalDigestHex: hex.EncodeToString(digest[:]),
		ProofArtifactKey: rec.Result.ArtifactKey,
		Note:             "relay the claim out-of-band with this journal and the stored receipt",
	}

	seal, err := c.extractSeal(artifact)
	if err != nil {
		c.failClaim(ctx, msg, fmt.Sprintf("extract seal: %v", err), fallback)
		return
	}

	txHash, err := c.relay.SubmitClaim(ctx, relay.ClaimRequest{
		ClaimantAddress: rec.Claim.ClaimantAddress,
		Seal:            hex.EncodeToString(seal),
		JournalRaw:      hex.EncodeToString(packed[:]),
	})
	if err == nil {
		if merr := c.co.MarkClaimSucceeded(ctx, msg.JobID, txHash); merr != nil {
			logger.Error("mark claim succeeded", "error", merr)
		}
		c.ack(ctx, msg)
		return
	}

	settings := c.co.Settings()
	switch relay.Classify(err) {
	case relay.Transient:
		if msg.Attempts >= settings.MaxClaimRetries {
			c.failClaim(ctx, msg, fmt.Sprintf("%v (exhausted %d delivery attempts)", err, msg.Attempts), fallback)
			return
		}
		delay := backoff.Delay(msg.Attempts, settings.MaxRetryDelay)
		if merr := c.co.MarkClaimRetry(ctx, msg.JobID, err.Error(), time.Now().Add(delay)); merr != nil && !errors.Is(merr, errors.ErrTerminal) {
			logger.Error("mark claim retry", "error", merr)
		}
		logger.Warn("claim retry", "reason", err.Error(), "delay", delay.String())
		metrics.QueueRedeliveries.WithLabelValues(queue.ClaimQueue).Inc()
		if qerr := c.queue.Retry(ctx, msg.ID, delay); qerr != nil {
			logger.Error("requeue claim message", "error", qerr)
		}
	case relay.Fatal:
		c.failClaim(ctx, msg, err.Error(), fallback)
	}
}

// extractSeal 从 artifact envelope 里取出 receipt 并提取 260 字节 seal
func (c *ClaimConsumer) extractSeal(artifact []byte) ([]byte, error) {
	var envelope resultEnvelope
	if err := json.Unmarshal(artifact, &envelope); err != nil {
		return nil, fmt.Errorf("decode artifact envelope: %w", err)
	}
	var resp proverResponseReceipt
	if err := json.Unmarshal(envelope.ProverResponse, &resp); err != nil {
		return nil, fmt.Errorf("decode prover response: %w", err)
	}
	if resp.Result == nil || resp.Result.Proof == nil || len(resp.Result.Proof.Receipt) == 0 {
		return nil, fmt.Errorf("artifact is missing the proof receipt")
	}
	return relay.ExtractSeal(resp.Result.Proof.Receipt)
}

func (c *ClaimConsumer) ack(ctx context.Context, msg *queue.Message) {
	if err := c.queue.Ack(ctx, msg.ID); err != nil {
		c.logger.Error("ack claim message", "msg_id", msg.ID, "error", err)
	}
}

func (c *ClaimConsumer) retry(ctx context.Context, msg *queue.Message) {
	metrics.QueueRedeliveries.WithLabelValues(queue.ClaimQueue).Inc()
	if err := c.queue.Retry(ctx, msg.ID, backoff.Delay(msg.Attempts, c.co.Settings().MaxRetryDelay)); err != nil {
		c.logger.Error("requeue claim message", "msg_id", msg.ID, "error", err)
	}
}

func (c *ClaimConsumer) failClaim(ctx context.Context, msg *queue.Message, reason string, fallback *coordinator.FallbackPayload) {
	if err := c.co.MarkClaimFailed(ctx, msg.JobID, reason, fallback); err != nil && !errors.Is(err, errors.ErrTerminal) {
		c.logger.Error("mark claim failed", "job_id", msg.JobID, "error", err)
	}
	c.ack(ctx, msg)
}
