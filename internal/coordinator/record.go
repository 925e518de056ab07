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

// Package coordinator 实现单活跃 proof job 的持久状态机：
// 记录与活跃槽位由它独占写入，alarm 驱动轮询，终态触发留存清理。
package coordinator

import (
	"time"

	"proof-gateway/internal/prover"
	"proof-gateway/internal/tape"
)

// Status job 状态
type Status string

const (
	StatusQueued        Status = "queued"
	StatusDispatching   Status = "dispatching"
	StatusProverRunning Status = "prover_running"
	StatusRetrying      Status = "retrying"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
)

// Terminal 终态判定；终态吸收，不再回迁
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ClaimStatus claim 子状态
type ClaimStatus string

const (
	ClaimQueued     ClaimStatus = "queued"
	ClaimSubmitting ClaimStatus = "submitting"
	ClaimRetrying   ClaimStatus = "retrying"
	ClaimSucceeded  ClaimStatus = "succeeded"
	ClaimFailed     ClaimStatus = "failed"
)

// Terminal claim 终态判定
func (s ClaimStatus) Terminal() bool {
	return s == ClaimSucceeded || s == ClaimFailed
}

// TapeInfo 已验证 tape 的存储信息与元数据
type TapeInfo struct {
	SizeBytes int           `json:"sizeBytes"`
	BlobKey   string        `json:"blobKey"`
	Metadata  tape.Metadata `json:"metadata"`
}

// QueueState proof 队列侧状态
type QueueState struct {
	Attempts      uint32     `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
}

// ProverState prover 侧状态
type ProverState struct {
	ProverJobID      string     `json:"proverJobId,omitempty"`
	ProverStatus     string     `json:"proverStatus,omitempty"` // queued | running | succeeded | failed
	StatusURL        string     `json:"statusUrl,omitempty"`
	SegmentLimitPo2  int        `json:"segmentLimitPo2,omitempty"`
	LastPolledAt     *time.Time `json:"lastPolledAt,omitempty"`
	PollingErrors    uint32     `json:"pollingErrors"`
	RecoveryAttempts uint32     `json:"recoveryAttempts"`
}

// ResultState 成功结果；artifact 先于 succeeded 落盘
type ResultState struct {
	ArtifactKey string          `json:"artifactKey"`
	Summary     *prover.Summary `json:"summary"`
}

// FallbackPayload claim 致命失败后留给客户端带外结算的材料
type FallbackPayload struct {
	ClaimantAddress  string `json:"claimantAddress"`
	JournalRawHex    string `json:"journalRawHex"`
	JournalDigestHex string `json:"journalDigestHex"`
	ProofArtifactKey string `json:"proofArtifactKey"`
	Note             string `json:"note"`
}

// ClaimState claim 管线状态
type ClaimState struct {
	ClaimantAddress string           `json:"claimantAddress"`
	Status          ClaimStatus      `json:"status,omitempty"`
	Attempts        uint32           `json:"attempts"`
	LastAttemptAt   *time.Time       `json:"lastAttemptAt,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
	NextRetryAt     *time.Time       `json:"nextRetryAt,omitempty"`
	SubmittedAt     *time.Time       `json:"submittedAt,omitempty"`
	TxHash          string           `json:"txHash,omitempty"`
	FallbackPayload *FallbackPayload `json:"fallbackPayload,omitempty"`
}

// ProofJobRecord job 记录，唯一事实来源；仅 Coordinator 写入
type ProofJobRecord struct {
	JobID       string       `json:"jobId"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Tape        TapeInfo     `json:"tape"`
	Queue       QueueState   `json:"queue"`
	Prover      ProverState  `json:"prover"`
	Result      *ResultState `json:"result,omitempty"`
	Claim       ClaimState   `json:"claim"`
	Error       string       `json:"error,omitempty"`
}

// Terminal 记录是否终态
func (r *ProofJobRecord) Terminal() bool { return r.Status.Terminal() }

// terminalAt 留存排序用的终态时刻
func (r *ProofJobRecord) terminalAt() time.Time {
	t := r.CreatedAt
	if r.UpdatedAt.After(t) {
		t = r.UpdatedAt
	}
	if r.CompletedAt != nil && r.CompletedAt.After(t) {
		t = *r.CompletedAt
	}
	return t
}

// 记录存储键
const (
	recordKeyPrefix = "job:"
	activeSlotKey   = "active_job_id"
)

func recordKey(jobID string) string { return recordKeyPrefix + jobID }
