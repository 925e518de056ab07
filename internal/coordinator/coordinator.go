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

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proof-gateway/internal/prover"
	"proof-gateway/internal/queue"
	"proof-gateway/internal/storage/object"
	"proof-gateway/internal/storage/record"
	"proof-gateway/internal/tape"
	"proof-gateway/pkg/config"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
	"proof-gateway/pkg/metrics"
)

// Settings 网关核心参数（已解析为强类型）
type Settings struct {
	MaxTapeBytes          int
	MaxJobWallTime        time.Duration
	PollInterval          time.Duration
	PollBudget            time.Duration
	PollDeadline          time.Duration
	MaxRetryDelay         time.Duration
	MaxQueueRetries       int
	MaxRecoveryAttempts   int
	MaxClaimRetries       int
	MaxCompletedJobs      int
	CompletedJobRetention time.Duration
}

// SettingsFromConfig 从应用配置转换，填充默认值
func SettingsFromConfig(gc config.GatewayConfig) Settings {
	s := Settings{
		MaxTapeBytes:          gc.MaxTapeBytes,
		MaxJobWallTime:        config.ParseDuration(gc.MaxJobWallTime, 11*time.Minute),
		PollInterval:          config.ParseDuration(gc.PollInterval, 3*time.Second),
		PollBudget:            config.ParseDuration(gc.PollBudget, 45*time.Second),
		PollDeadline:          config.ParseDuration(gc.PollDeadline, 11*time.Minute),
		MaxRetryDelay:         config.ParseDuration(gc.MaxRetryDelay, 60*time.Second),
		MaxQueueRetries:       gc.MaxQueueRetries,
		MaxRecoveryAttempts:   gc.MaxRecoveryAttempts,
		MaxClaimRetries:       gc.MaxClaimRetries,
		MaxCompletedJobs:      gc.MaxCompletedJobs,
		CompletedJobRetention: config.ParseDuration(gc.CompletedJobRetention, 24*time.Hour),
	}
	if s.MaxTapeBytes <= 0 {
		s.MaxTapeBytes = tape.DefaultMaxTapeBytes
	}
	if s.MaxQueueRetries <= 0 {
		s.MaxQueueRetries = 5
	}
	if s.MaxRecoveryAttempts <= 0 {
		s.MaxRecoveryAttempts = 3
	}
	if s.MaxClaimRetries <= 0 {
		s.MaxClaimRetries = 5
	}
	if s.MaxCompletedJobs <= 0 {
		s.MaxCompletedJobs = 200
	}
	return s
}

// ProverAPI Coordinator 依赖的 prover 子集（便于注入测试替身）
type ProverAPI interface {
	Submit(ctx context.Context, tapeBytes []byte, segmentLimitPo2 int) prover.SubmitResult
	PollOnce(ctx context.Context, proverJobID string) prover.PollResult
	PollBounded(ctx context.Context, proverJobID string, budget, interval time.Duration) prover.PollResult
	SegmentLimitPo2() int
}

// Coordinator proof job 状态机。记录与活跃槽位的每次变更都走存储层的
// 版本条件写：读-改-写携带读到的版本，版本不符即重读重试，因此 API 与
// Worker 进程可以各持一个 Coordinator 实例共享同一存储而不会互相覆盖。
// 终态吸收由每个变更闭包在重读后复核保证。
type Coordinator struct {
	records record.Store
	blobs   object.Store
	proofQ  queue.Queue
	claimQ  queue.Queue
	prover  ProverAPI
	cfg     Settings
	logger  *log.Logger

	mu         sync.Mutex // 保护 alarmTimer
	alarmTimer *time.Timer
	alarmBusy  atomic.Bool
	closed     atomic.Bool

	now func() time.Time
}

// New 创建 Coordinator
func New(records record.Store, blobs object.Store, proofQ, claimQ queue.Queue, proverAPI ProverAPI, cfg Settings, logger *log.Logger) *Coordinator {
	return &Coordinator{
		records: records,
		blobs:   blobs,
		proofQ:  proofQ,
		claimQ:  claimQ,
		prover:  proverAPI,
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		now:     time.Now,
	}
}

// Settings 当前生效的网关参数
func (c *Coordinator) Settings() Settings { return c.cfg }

// Close 停止 alarm 调度
func (c *Coordinator) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	if c.alarmTimer != nil {
		c.alarmTimer.Stop()
	}
	c.mu.Unlock()
}

// ---- 记录读写 ----

// updateRetryLimit 版本冲突时读-改-写的重试上限
const updateRetryLimit = 8

// updateRecord 读-改-写的并发安全封装：装载记录，应用 fn，按读到的版本条件写回。
// fn 返回 (dirty, err)；dirty 为 false 表示无需写回。版本冲突时重读并重跑 fn，
// 因此 fn 必须每次都从记录当前状态重新推导（含终态复核）。
func (c *Coordinator) updateRecord(ctx context.Context, jobID string, fn func(r *ProofJobRecord) (bool, error)) (*ProofJobRecord, error) {
	for attempt := 0; ; attempt++ {
		raw, version, err := c.records.GetVersioned(ctx, recordKey(jobID))
		if err != nil {
			return nil, err
		}
		var r ProofJobRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, errors.Wrapf(err, "decode record %s", jobID)
		}
		dirty, err := fn(&r)
		if err != nil {
			return &r, err
		}
		if !dirty {
			return &r, nil
		}
		r.UpdatedAt = c.now().UTC()
		out, err := json.Marshal(&r)
		if err != nil {
			return nil, errors.Wrapf(err, "encode record %s", r.JobID)
		}
		if _, err := c.records.PutVersioned(ctx, recordKey(jobID), out, version); err != nil {
			if errors.Is(err, errors.ErrConflict) && attempt < updateRetryLimit {
				continue
			}
			return nil, errors.Wrapf(err, "persist record %s", jobID)
		}
		return &r, nil
	}
}

// createRecord 新记录首写；键已存在视为编程错误（uuid 冲突）直接上报
func (c *Coordinator) createRecord(ctx context.Context, r *ProofJobRecord) error {
	r.UpdatedAt = c.now().UTC()
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "encode record %s", r.JobID)
	}
	if _, err := c.records.PutVersioned(ctx, recordKey(r.JobID), raw, 0); err != nil {
		return errors.Wrapf(err, "create record %s", r.JobID)
	}
	return nil
}

// acquireSlot 占用活跃槽位。被非终态且未超墙钟的记录占用时返回 ErrBusy；
// 僵尸占用者先强制失败（释放槽位）再重试占用。并发提交抢先占位同样返回 ErrBusy。
func (c *Coordinator) acquireSlot(ctx context.Context, jobID string) error {
	for {
		raw, version, err := c.records.GetVersioned(ctx, activeSlotKey)
		if err != nil {
			if !errors.Is(err, errors.ErrNotFound) {
				return errors.Wrap(err, "load active slot")
			}
			raw, version = nil, 0
		}
		if holder := string(raw); holder != "" {
			active, err := c.GetJob(ctx, holder)
			if err != nil && !errors.Is(err, errors.ErrNotFound) {
				return errors.Wrap(err, "load active job")
			}
			// 槽位指向已被清理的记录视为空闲
			if active != nil && !active.Terminal() {
				if c.now().Sub(active.CreatedAt) <= c.cfg.MaxJobWallTime {
					return errors.ErrBusy
				}
				// 僵尸回收：占用槽位的记录早已超墙钟，强制失败后放行新提交
				c.logger.Warn("reclaiming zombie job", "job_id", holder, "age", c.now().Sub(active.CreatedAt).String())
				if err := c.MarkFailed(ctx, holder, "exceeded wall-time limit"); err != nil && !errors.Is(err, errors.ErrTerminal) {
					return errors.Wrap(err, "reclaim zombie job")
				}
				continue
			}
		}
		if _, err := c.records.PutVersioned(ctx, activeSlotKey, []byte(jobID), version); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				return errors.ErrBusy
			}
			return errors.Wrap(err, "claim active slot")
		}
		metrics.ActiveJob.Set(1)
		return nil
	}
}

// releaseSlot 槽位仍指向该 job 时清空；已被其它 job 占用则不动
func (c *Coordinator) releaseSlot(ctx context.Context, jobID string) {
	for {
		raw, version, err := c.records.GetVersioned(ctx, activeSlotKey)
		if err != nil || string(raw) != jobID {
			return
		}
		if _, err := c.records.PutVersioned(ctx, activeSlotKey, nil, version); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			return
		}
		metrics.ActiveJob.Set(0)
		return
	}
}

// ---- 入口：提交 ----

// CreateJob 校验通过的 tape 入场。活跃槽位被非终态记录占用且未超墙钟时返回
// ErrBusy（活跃记录经 GetActiveJob 获取）；占用者超墙钟则先做僵尸回收再放行。
func (c *Coordinator) CreateJob(ctx context.Context, tapeBytes []byte, meta *tape.Metadata, claimantAddress string) (*ProofJobRecord, error) {
	jobID := uuid.New().String()
	if err := c.acquireSlot(ctx, jobID); err != nil {
		return nil, err
	}

	blobKey := object.TapeKey(jobID)
	if err := c.blobs.Put(ctx, blobKey, bytes.NewReader(tapeBytes), int64(len(tapeBytes)), "application/octet-stream"); err != nil {
		c.releaseSlot(ctx, jobID)
		return nil, errors.Wrap(err, "store tape blob")
	}

	now := c.now().UTC()
	r := &ProofJobRecord{
		JobID:     jobID,
		Status:    StatusQueued,
		CreatedAt: now,
		Tape: TapeInfo{
			SizeBytes: len(tapeBytes),
			BlobKey:   blobKey,
			Metadata:  *meta,
		},
		Claim: ClaimState{ClaimantAddress: claimantAddress},
	}
	if err := c.createRecord(ctx, r); err != nil {
		c.releaseSlot(ctx, jobID)
		return nil, err
	}
	metrics.JobStateTransitions.WithLabelValues(string(StatusQueued)).Inc()
	if err := c.proofQ.Send(ctx, jobID); err != nil {
		return nil, errors.Wrap(err, "enqueue proof message")
	}
	c.logger.Info("job created", "job_id", jobID, "tape_bytes", len(tapeBytes), "frame_count", meta.FrameCount, "final_score", meta.FinalScore)
	return r, nil
}

// ---- proof 队列侧 ----

// BeginQueueAttempt 队列投递开始。queued|retrying → dispatching；
// 已有 proverJobId 的重投递（崩溃恢复）直接回到 prover_running 并调度 alarm。
func (c *Coordinator) BeginQueueAttempt(ctx context.Context, jobID string, attempts int) (*ProofJobRecord, error) {
	var to Status
	r, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Terminal() {
			return false, errors.ErrTerminal
		}
		now := c.now().UTC()
		if uint32(attempts) > r.Queue.Attempts {
			r.Queue.Attempts = uint32(attempts)
		}
		r.Queue.LastAttemptAt = &now
		if r.Prover.ProverJobID != "" {
			to = StatusProverRunning
		} else {
			to = StatusDispatching
		}
		r.Status = to
		return true, nil
	})
	if err != nil {
		return r, err
	}
	metrics.JobStateTransitions.WithLabelValues(string(to)).Inc()
	if to == StatusProverRunning {
		c.scheduleAlarm(c.cfg.PollInterval)
	}
	return r, nil
}

// MarkRetry 瞬时失败，记下原因与下次重试时刻；clearProverJob 同时清掉 prover 关联
func (c *Coordinator) MarkRetry(ctx context.Context, jobID, reason string, nextRetryAt time.Time, clearProverJob bool) error {
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Terminal() {
			return false, errors.ErrTerminal
		}
		r.Queue.LastError = reason
		r.Queue.NextRetryAt = &nextRetryAt
		if clearProverJob {
			r.Prover.ProverJobID = ""
			r.Prover.StatusURL = ""
			r.Prover.ProverStatus = ""
		}
		r.Status = StatusRetrying
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.JobStateTransitions.WithLabelValues(string(StatusRetrying)).Inc()
	return nil
}

// MarkProverAccepted prover 受理成功，调度首次轮询
func (c *Coordinator) MarkProverAccepted(ctx context.Context, jobID, proverJobID, statusURL string, segmentLimitPo2 int, recoveryAttempts uint32) error {
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Terminal() {
			return false, errors.ErrTerminal
		}
		r.Prover.ProverJobID = proverJobID
		r.Prover.StatusURL = statusURL
		r.Prover.SegmentLimitPo2 = segmentLimitPo2
		r.Prover.ProverStatus = "queued"
		if recoveryAttempts > r.Prover.RecoveryAttempts {
			r.Prover.RecoveryAttempts = recoveryAttempts
		}
		r.Queue.LastError = ""
		r.Queue.NextRetryAt = nil
		r.Status = StatusProverRunning
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.JobStateTransitions.WithLabelValues(string(StatusProverRunning)).Inc()
	c.scheduleAlarm(c.cfg.PollInterval)
	c.logger.Info("prover accepted job", "job_id", jobID, "prover_job_id", proverJobID, "segment_limit_po2", segmentLimitPo2)
	return nil
}

// MarkSucceeded 终态成功。artifact 必须已经落盘；对已成功记录幂等。
func (c *Coordinator) MarkSucceeded(ctx context.Context, jobID string, summary *prover.Summary, artifactKey string) error {
	var applied bool
	r, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied = false
		if r.Status == StatusSucceeded {
			return false, nil
		}
		if r.Status == StatusFailed {
			return false, errors.ErrTerminal
		}
		if summary == nil || summary.Journal.RulesDigest != tape.ExpectedRulesDigest {
			return false, fmt.Errorf("refusing success without matching rules digest")
		}
		ok, err := c.blobs.Exists(ctx, artifactKey)
		if err != nil {
			return false, errors.Wrap(err, "check result artifact")
		}
		if !ok {
			return false, fmt.Errorf("result artifact %s not stored", artifactKey)
		}
		now := c.now().UTC()
		r.Result = &ResultState{ArtifactKey: artifactKey, Summary: summary}
		r.Prover.ProverStatus = "succeeded"
		r.Claim.Status = ClaimQueued
		r.Status = StatusSucceeded
		r.CompletedAt = &now
		applied = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	c.releaseSlot(ctx, jobID)
	metrics.JobStateTransitions.WithLabelValues(string(StatusSucceeded)).Inc()
	metrics.JobTotal.WithLabelValues(string(StatusSucceeded)).Inc()
	metrics.JobDuration.WithLabelValues(string(StatusSucceeded)).Observe(r.CompletedAt.Sub(r.CreatedAt).Seconds())
	if err := c.claimQ.Send(ctx, jobID); err != nil {
		c.logger.Error("enqueue claim message failed", "job_id", jobID, "error", err)
	}
	c.logger.Info("job succeeded", "job_id", jobID, "elapsed_ms", summary.ElapsedMs, "segments", summary.Stats.Segments)
	c.prune(ctx)
	return nil
}

// MarkFailed 终态失败；claim 未终态时级联失败
func (c *Coordinator) MarkFailed(ctx context.Context, jobID, reason string) error {
	r, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Terminal() {
			return false, errors.ErrTerminal
		}
		now := c.now().UTC()
		r.Error = reason
		if !r.Claim.Status.Terminal() {
			r.Claim.Status = ClaimFailed
			r.Claim.LastError = "proof job failed: " + reason
		}
		r.Status = StatusFailed
		r.CompletedAt = &now
		return true, nil
	})
	if err != nil {
		return err
	}
	c.releaseSlot(ctx, jobID)
	metrics.JobStateTransitions.WithLabelValues(string(StatusFailed)).Inc()
	metrics.JobTotal.WithLabelValues(string(StatusFailed)).Inc()
	metrics.JobDuration.WithLabelValues(string(StatusFailed)).Observe(r.CompletedAt.Sub(r.CreatedAt).Seconds())
	c.logger.Warn("job failed", "job_id", jobID, "reason", reason)
	c.prune(ctx)
	return nil
}

// Cancel 客户端取消；终态记录返回 ErrTerminal
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	return c.MarkFailed(ctx, jobID, "cancelled by client")
}

// ---- claim 侧 ----

// BeginClaimAttempt claim 投递开始；返回当前记录供消费者检查前置条件。
// 仅 proof 侧已成功的记录进入 claim 流程，其余状态原样返回且不写账
// （迷路的 claim 消息由消费者按记录状态 ack 掉）。
func (c *Coordinator) BeginClaimAttempt(ctx context.Context, jobID string, attempts int) (*ProofJobRecord, error) {
	return c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Status != StatusSucceeded {
			return false, nil
		}
		now := c.now().UTC()
		if uint32(attempts) > r.Claim.Attempts {
			r.Claim.Attempts = uint32(attempts)
		}
		r.Claim.LastAttemptAt = &now
		if !r.Claim.Status.Terminal() {
			r.Claim.Status = ClaimSubmitting
		}
		return true, nil
	})
}

// MarkClaimRetry claim 瞬时失败
func (c *Coordinator) MarkClaimRetry(ctx context.Context, jobID, reason string, nextRetryAt time.Time) error {
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Claim.Status.Terminal() {
			return false, errors.ErrTerminal
		}
		r.Claim.Status = ClaimRetrying
		r.Claim.LastError = reason
		r.Claim.NextRetryAt = &nextRetryAt
		return true, nil
	})
	return err
}

// MarkClaimSucceeded claim 终态成功
func (c *Coordinator) MarkClaimSucceeded(ctx context.Context, jobID, txHash string) error {
	var applied bool
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied = false
		if r.Claim.Status == ClaimSucceeded {
			return false, nil
		}
		now := c.now().UTC()
		r.Claim.Status = ClaimSucceeded
		r.Claim.TxHash = txHash
		r.Claim.SubmittedAt = &now
		r.Claim.LastError = ""
		r.Claim.NextRetryAt = nil
		applied = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if applied {
		metrics.ClaimTotal.WithLabelValues("succeeded").Inc()
		c.logger.Info("claim succeeded", "job_id", jobID, "tx_hash", txHash)
	}
	return nil
}

// MarkClaimFailed claim 终态失败；fallback 留给客户端带外结算
func (c *Coordinator) MarkClaimFailed(ctx context.Context, jobID, reason string, fallback *FallbackPayload) error {
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		if r.Claim.Status.Terminal() {
			return false, errors.ErrTerminal
		}
		r.Claim.Status = ClaimFailed
		r.Claim.LastError = reason
		r.Claim.FallbackPayload = fallback
		return true, nil
	})
	if err != nil {
		return err
	}
	metrics.ClaimTotal.WithLabelValues("failed").Inc()
	c.logger.Warn("claim failed", "job_id", jobID, "reason", reason)
	return nil
}

// ---- 读路径 ----

// GetJob 读取记录快照
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*ProofJobRecord, error) {
	raw, err := c.records.Get(ctx, recordKey(jobID))
	if err != nil {
		return nil, err
	}
	var r ProofJobRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrapf(err, "decode record %s", jobID)
	}
	return &r, nil
}

// GetActiveJob 当前活跃 job；无则 (nil, nil)
func (c *Coordinator) GetActiveJob(ctx context.Context) (*ProofJobRecord, error) {
	raw, err := c.records.Get(ctx, activeSlotKey)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	r, err := c.GetJob(ctx, string(raw))
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// ListJobs 按键序分页列出记录（对外列表接口）
func (c *Coordinator) ListJobs(ctx context.Context, limit int, cursor string) ([]*ProofJobRecord, string, error) {
	keys, err := c.records.List(ctx, recordKeyPrefix, limit, cursor)
	if err != nil {
		return nil, "", err
	}
	out := make([]*ProofJobRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := c.records.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		var r ProofJobRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	next := ""
	if limit > 0 && len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return out, next, nil
}

// ---- artifact ----

// resultEnvelope result.json 的落盘结构；proverResponse 保留 prover 原样响应
type resultEnvelope struct {
	StoredAt       time.Time       `json:"storedAt"`
	ProverResponse json.RawMessage `json:"proverResponse"`
}

// WriteArtifact 以确定性键写入结果 artifact；覆盖写幂等，重入安全
func (c *Coordinator) WriteArtifact(ctx context.Context, jobID string, proverResponse []byte) (string, error) {
	envelope := resultEnvelope{
		StoredAt:       c.now().UTC(),
		ProverResponse: json.RawMessage(proverResponse),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Wrap(err, "encode result artifact")
	}
	key := object.ResultKey(jobID)
	if err := c.blobs.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return "", errors.Wrap(err, "store result artifact")
	}
	return key, nil
}

// ReadArtifact 读取结果 artifact 原文
func (c *Coordinator) ReadArtifact(ctx context.Context, jobID string) ([]byte, error) {
	rc, err := c.blobs.Get(ctx, object.ResultKey(jobID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadTape 读取 job 的输入 tape
func (c *Coordinator) ReadTape(ctx context.Context, jobID string) ([]byte, error) {
	rc, err := c.blobs.Get(ctx, object.TapeKey(jobID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
