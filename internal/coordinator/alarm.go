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
	"context"
	"fmt"
	"time"

	"proof-gateway/internal/prover"
	"proof-gateway/pkg/backoff"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/metrics"
)

// oomFallbackLimit OOM 降档后的 segment 上限封顶
const oomFallbackLimit = 19

// scheduleAlarm 重置 alarm 定时器
func (c *Coordinator) scheduleAlarm(d time.Duration) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alarmTimer != nil {
		c.alarmTimer.Stop()
	}
	c.alarmTimer = time.AfterFunc(d, func() {
		c.Alarm(context.Background())
	})
}

// Alarm 定时轮询入口；同一时刻至多一个 alarm 在执行
func (c *Coordinator) Alarm(ctx context.Context) {
	if !c.alarmBusy.CompareAndSwap(false, true) {
		return
	}
	defer c.alarmBusy.Store(false)
	c.alarmTick(ctx, false, true)
}

// KickAlarm 读路径触发的一次性轻量轮询：单次 poll、不重排 alarm、不做退避。
// 已有 alarm 在跑时直接返回。
func (c *Coordinator) KickAlarm(ctx context.Context) {
	if !c.alarmBusy.CompareAndSwap(false, true) {
		return
	}
	defer c.alarmBusy.Store(false)
	c.alarmTick(ctx, true, false)
}

// alarmTick 轮询状态机单步：快照 → 墙钟检查 → poll → 条件写回。
// 快照可能在 poll 期间被其它进程推进，写回闭包里复核后决定是否落账。
func (c *Coordinator) alarmTick(ctx context.Context, singlePoll, reschedule bool) {
	active, err := c.GetActiveJob(ctx)
	if err != nil {
		c.logger.Error("alarm: load active job", "error", err)
		return
	}
	if active == nil || active.Terminal() {
		return
	}

	// 墙钟检查先于任何其它处理
	if c.now().Sub(active.CreatedAt) > c.cfg.MaxJobWallTime {
		reason := fmt.Sprintf("timed out after %d minutes", int(c.cfg.MaxJobWallTime.Minutes()))
		if err := c.MarkFailed(ctx, active.JobID, reason); err != nil && !errors.Is(err, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", active.JobID, "error", err)
		}
		return
	}

	if active.Status != StatusProverRunning && active.Status != StatusRetrying {
		// dispatching/queued 由队列消费者驱动
		return
	}
	jobID := active.JobID
	proverJobID := active.Prover.ProverJobID
	if proverJobID == "" {
		// 恢复重提交失败后留在 retrying 的 job 由 alarm 继续驱动
		if active.Status == StatusRetrying && active.Prover.RecoveryAttempts > 0 {
			c.recoverProverLoss(ctx, jobID, active.Queue.LastError, reschedule)
		}
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollDeadline)
	defer cancel()
	var res prover.PollResult
	if singlePoll {
		res = c.prover.PollOnce(pollCtx, proverJobID)
	} else {
		res = c.prover.PollBounded(pollCtx, proverJobID, c.cfg.PollBudget, c.cfg.PollInterval)
	}

	switch res.Kind {
	case prover.PollRunning:
		metrics.ProverPollTotal.WithLabelValues("running").Inc()
		c.applyRunning(ctx, jobID, proverJobID, res.Status, reschedule)
	case prover.PollSuccess:
		metrics.ProverPollTotal.WithLabelValues("success").Inc()
		c.handleSuccess(ctx, jobID, res, reschedule)
	case prover.PollRetry:
		metrics.ProverPollTotal.WithLabelValues("retry").Inc()
		if res.ClearProverJob {
			c.recoverProverLoss(ctx, jobID, res.Reason, reschedule)
		} else {
			c.markPollRetry(ctx, jobID, proverJobID, res.Reason, reschedule)
		}
	case prover.PollFatal:
		metrics.ProverPollTotal.WithLabelValues("fatal").Inc()
		if err := c.MarkFailed(ctx, jobID, res.Reason); err != nil && !errors.Is(err, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", jobID, "error", err)
		}
	}
}

// applyRunning prover 仍在执行：刷新轮询时间戳，按 pollInterval 重排。
// 记录已终态或 prover 关联已变则整步作废。
func (c *Coordinator) applyRunning(ctx context.Context, jobID, proverJobID, proverStatus string, reschedule bool) {
	var applied bool
	var to Status
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied, to = false, ""
		if r.Terminal() || r.Prover.ProverJobID != proverJobID {
			return false, nil
		}
		now := c.now().UTC()
		r.Prover.LastPolledAt = &now
		if proverStatus != "" {
			r.Prover.ProverStatus = proverStatus
		}
		if r.Status != StatusProverRunning {
			r.Status = StatusProverRunning
			to = StatusProverRunning
		}
		applied = true
		return true, nil
	})
	if err != nil {
		c.logger.Error("alarm: persist running state", "job_id", jobID, "error", err)
		return
	}
	if !applied {
		return
	}
	if to != "" {
		metrics.JobStateTransitions.WithLabelValues(string(to)).Inc()
	}
	if reschedule {
		c.scheduleAlarm(c.cfg.PollInterval)
	}
}

// markPollRetry 瞬时轮询失败：pollingErrors 递增，退避后重排
func (c *Coordinator) markPollRetry(ctx context.Context, jobID, proverJobID, reason string, reschedule bool) {
	var applied bool
	var delay time.Duration
	var pollingErrors uint32
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied = false
		if r.Terminal() || r.Prover.ProverJobID != proverJobID {
			return false, nil
		}
		r.Prover.PollingErrors++
		pollingErrors = r.Prover.PollingErrors
		delay = backoff.Delay(int(pollingErrors), c.cfg.MaxRetryDelay)
		next := c.now().Add(delay)
		r.Queue.LastError = reason
		r.Queue.NextRetryAt = &next
		r.Status = StatusRetrying
		applied = true
		return true, nil
	})
	if err != nil {
		c.logger.Error("alarm: persist retry state", "job_id", jobID, "error", err)
		return
	}
	if !applied {
		return
	}
	metrics.JobStateTransitions.WithLabelValues(string(StatusRetrying)).Inc()
	c.logger.Warn("poll retry", "job_id", jobID, "reason", reason, "polling_errors", pollingErrors, "delay", delay.String())
	if reschedule {
		c.scheduleAlarm(delay)
	}
}

// handleSuccess 摘要校验 → artifact 落盘 → markSucceeded。
// artifact 写失败按瞬时处理，不动活跃槽位。
func (c *Coordinator) handleSuccess(ctx context.Context, jobID string, res prover.PollResult, reschedule bool) {
	summary, err := prover.Summarize(res.Response)
	if err != nil {
		// rules digest 不符或 payload 异常：终态失败
		if ferr := c.MarkFailed(ctx, jobID, err.Error()); ferr != nil && !errors.Is(ferr, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", jobID, "error", ferr)
		}
		return
	}

	artifactKey, err := c.WriteArtifact(ctx, jobID, res.Raw)
	if err != nil {
		c.logger.Error("alarm: write result artifact", "job_id", jobID, "error", err)
		c.markArtifactRetry(ctx, jobID, err.Error(), reschedule)
		return
	}

	if err := c.MarkSucceeded(ctx, jobID, summary, artifactKey); err != nil {
		if errors.Is(err, errors.ErrTerminal) {
			return
		}
		c.logger.Error("alarm: mark succeeded", "job_id", jobID, "error", err)
		c.markArtifactRetry(ctx, jobID, err.Error(), reschedule)
	}
}

// markArtifactRetry artifact 写失败的瞬时重试；保持 prover 关联与活跃槽位
func (c *Coordinator) markArtifactRetry(ctx context.Context, jobID, reason string, reschedule bool) {
	var applied bool
	var delay time.Duration
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied = false
		if r.Terminal() {
			return false, nil
		}
		r.Prover.PollingErrors++
		delay = backoff.Delay(int(r.Prover.PollingErrors), c.cfg.MaxRetryDelay)
		next := c.now().Add(delay)
		r.Queue.LastError = reason
		r.Queue.NextRetryAt = &next
		applied = true
		return true, nil
	})
	if err != nil {
		c.logger.Error("alarm: persist artifact retry", "job_id", jobID, "error", err)
		return
	}
	if applied && reschedule {
		c.scheduleAlarm(delay)
	}
}

// recoverProverLoss prover 丢 job（404 / 成功但 payload 不全 / 可重试 error_code）：
// 读回 tape 重新提交。recoveryAttempts 超限则终态失败；
// 失败原因像 OOM 时降档 segment 上限后重提交。
func (c *Coordinator) recoverProverLoss(ctx context.Context, jobID, reason string, reschedule bool) {
	var applied, exhausted bool
	var recoveryAttempts uint32
	var limit, prevLimit int
	_, err := c.updateRecord(ctx, jobID, func(r *ProofJobRecord) (bool, error) {
		applied, exhausted = false, false
		if r.Terminal() {
			return false, nil
		}
		recoveryAttempts = r.Prover.RecoveryAttempts + 1
		if int(recoveryAttempts) > c.cfg.MaxRecoveryAttempts {
			exhausted = true
			return false, nil
		}
		r.Prover.RecoveryAttempts = recoveryAttempts

		prevLimit = r.Prover.SegmentLimitPo2
		if prevLimit <= 0 {
			prevLimit = c.prover.SegmentLimitPo2()
		}
		limit = prevLimit
		if prover.IsOOM(reason) {
			// 严格低于上一次，并封顶在安全值
			limit = prevLimit - 1
			if limit > oomFallbackLimit {
				limit = oomFallbackLimit
			}
		}

		r.Prover.ProverJobID = ""
		r.Prover.StatusURL = ""
		r.Prover.ProverStatus = ""
		r.Queue.LastError = reason
		r.Status = StatusRetrying
		applied = true
		return true, nil
	})
	if err != nil {
		c.logger.Error("alarm: persist recovery state", "job_id", jobID, "error", err)
		return
	}
	if exhausted {
		ferr := c.MarkFailed(ctx, jobID, fmt.Sprintf("prover lost the job (exhausted %d recovery attempts): %s", c.cfg.MaxRecoveryAttempts, reason))
		if ferr != nil && !errors.Is(ferr, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", jobID, "error", ferr)
		}
		return
	}
	if !applied {
		return
	}
	metrics.JobStateTransitions.WithLabelValues(string(StatusRetrying)).Inc()
	if limit != prevLimit {
		c.logger.Warn("oom fallback", "job_id", jobID, "segment_limit_po2", limit, "previous", prevLimit)
	}

	metrics.ProverRecoveryTotal.Inc()
	c.logger.Warn("recovering lost prover job", "job_id", jobID, "reason", reason, "recovery_attempts", recoveryAttempts)

	tapeBytes, err := c.ReadTape(ctx, jobID)
	if err != nil {
		if merr := c.MarkFailed(ctx, jobID, "missing tape artifact"); merr != nil && !errors.Is(merr, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", jobID, "error", merr)
		}
		return
	}

	res := c.prover.Submit(ctx, tapeBytes, limit)
	switch res.Kind {
	case prover.SubmitAccepted:
		if err := c.MarkProverAccepted(ctx, jobID, res.ProverJobID, res.StatusURL, res.SegmentLimitPo2, recoveryAttempts); err != nil && !errors.Is(err, errors.ErrTerminal) {
			c.logger.Error("alarm: mark prover accepted", "job_id", jobID, "error", err)
		}
	case prover.SubmitRetry:
		delay := backoff.Delay(int(recoveryAttempts), c.cfg.MaxRetryDelay)
		if err := c.MarkRetry(ctx, jobID, res.Reason, c.now().Add(delay), true); err != nil && !errors.Is(err, errors.ErrTerminal) {
			c.logger.Error("alarm: mark retry", "job_id", jobID, "error", err)
		}
		if reschedule {
			c.scheduleAlarm(delay)
		}
	case prover.SubmitFatal:
		if err := c.MarkFailed(ctx, jobID, res.Reason); err != nil && !errors.Is(err, errors.ErrTerminal) {
			c.logger.Error("alarm: mark failed", "job_id", jobID, "error", err)
		}
	}
}
