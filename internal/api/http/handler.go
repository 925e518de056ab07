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

// Package http 网关对外 HTTP 面：提交、状态、结果、取消、健康与指标
package http

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"proof-gateway/internal/coordinator"
	"proof-gateway/internal/prover"
	"proof-gateway/internal/tape"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
	"proof-gateway/pkg/metrics"
)

// HealthAPI 健康探测依赖（便于注入测试替身）
type HealthAPI interface {
	HealthCheck(ctx context.Context) (*prover.ValidatedHealth, *prover.HealthError)
}

// Handler 对外 HTTP 处理器
type Handler struct {
	co        *coordinator.Coordinator
	health    HealthAPI
	logger    *log.Logger
	startedAt time.Time
}

// NewHandler 创建处理器
func NewHandler(co *coordinator.Coordinator, health HealthAPI, logger *log.Logger) *Handler {
	return &Handler{
		co:        co,
		health:    health,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

func statusURL(jobID string) string { return "/api/proofs/jobs/" + jobID }

// SubmitJob 提交 tape
// POST /api/proofs/jobs，body 为原始 tape 字节
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	data := ctx.Request.Body()
	meta, err := tape.Validate(data, h.co.Settings().MaxTapeBytes)
	if err != nil {
		var verr *tape.ValidationError
		status := consts.StatusBadRequest
		errorCode := "invalid_tape"
		if errors.As(err, &verr) {
			errorCode = string(verr.Kind)
			if verr.Kind == tape.RejectTooLarge {
				status = consts.StatusRequestEntityTooLarge
			}
		}
		ctx.JSON(status, map[string]interface{}{
			"success":   false,
			"errorCode": errorCode,
			"error":     err.Error(),
		})
		return
	}

	claimant := string(ctx.GetHeader("x-claimant-address"))
	if claimant == "" {
		claimant = ctx.Query("claimant")
	}
	if claimant == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]interface{}{
			"success":   false,
			"errorCode": "missing_claimant",
			"error":     "claimant address is required (x-claimant-address header or claimant query param)",
		})
		return
	}

	rec, err := h.co.CreateJob(c, data, meta, claimant)
	if err != nil {
		if errors.Is(err, errors.ErrBusy) {
			active, _ := h.co.GetActiveJob(c)
			ctx.JSON(consts.StatusConflict, map[string]interface{}{
				"success":   false,
				"errorCode": "job_already_active",
				"error":     "a proof job is already active",
				"activeJob": active,
			})
			return
		}
		h.logger.Error("create job", "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to create proof job",
		})
		return
	}

	ctx.JSON(consts.StatusAccepted, map[string]interface{}{
		"success":   true,
		"statusUrl": statusURL(rec.JobID),
		"job":       rec,
	})
}

// GetJob 查询 job 记录
// GET /api/proofs/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	rec, err := h.co.GetJob(c, jobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]interface{}{
				"success": false,
				"error":   "job not found",
			})
			return
		}
		h.logger.Error("get job", "job_id", jobID, "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to load job",
		})
		return
	}

	// 非终态时顺手做一次轻量轮询，读者看到尽量新的状态
	if !rec.Terminal() {
		h.co.KickAlarm(c)
		if fresh, err := h.co.GetJob(c, jobID); err == nil {
			rec = fresh
		}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success": true,
		"job":     rec,
	})
}

// ListJobs 分页列出 job 记录
// GET /api/proofs/jobs?limit=&cursor=
func (h *Handler) ListJobs(c context.Context, ctx *app.RequestContext) {
	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, next, err := h.co.ListJobs(c, limit, ctx.Query("cursor"))
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to list jobs",
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"success":    true,
		"jobs":       jobs,
		"nextCursor": next,
	})
}

// GetJobResult 流式返回结果 artifact JSON
// GET /api/proofs/jobs/:id/result
func (h *Handler) GetJobResult(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	rec, err := h.co.GetJob(c, jobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]interface{}{
				"success": false,
				"error":   "job not found",
			})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to load job",
		})
		return
	}
	if rec.Status != coordinator.StatusSucceeded {
		ctx.JSON(consts.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "job has not succeeded",
			"status":  rec.Status,
		})
		return
	}

	artifact, err := h.co.ReadArtifact(c, jobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]interface{}{
				"success": false,
				"error":   "result artifact not found",
			})
			return
		}
		h.logger.Error("read result artifact", "job_id", jobID, "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to read result artifact",
		})
		return
	}
	ctx.Data(consts.StatusOK, "application/json", artifact)
}

// CancelJob 客户端取消活跃 job
// DELETE /api/proofs/jobs/:id
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	err := h.co.Cancel(c, jobID)
	switch {
	case err == nil:
		ctx.JSON(consts.StatusOK, map[string]interface{}{
			"success": true,
			"jobId":   jobID,
		})
	case errors.Is(err, errors.ErrNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "job not found",
		})
	case errors.Is(err, errors.ErrTerminal):
		ctx.JSON(consts.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "job is already terminal",
		})
	default:
		h.logger.Error("cancel job", "job_id", jobID, "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to cancel job",
		})
	}
}

// Health 网关元数据 + 经校验的 prover 健康结果
// GET /api/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	resp := map[string]interface{}{
		"service": "proof-gateway",
		"uptime":  time.Since(h.startedAt).String(),
	}
	if active, err := h.co.GetActiveJob(c); err == nil && active != nil {
		resp["activeJobId"] = active.JobID
	}

	validated, herr := h.health.HealthCheck(c)
	if herr != nil {
		resp["status"] = "degraded"
		resp["error"] = herr.Reason
	} else {
		resp["status"] = "compatible"
		resp["prover"] = validated
	}
	ctx.JSON(consts.StatusOK, resp)
}

// SystemMetrics Prometheus 文本格式指标
// GET /api/system/metrics
func (h *Handler) SystemMetrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to gather metrics",
		})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
