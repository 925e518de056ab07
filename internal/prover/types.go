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

package prover

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"proof-gateway/internal/tape"
)

// SubmitKind 提交结果判别
type SubmitKind int

const (
	// SubmitAccepted prover 已受理，返回 prover job id
	SubmitAccepted SubmitKind = iota
	// SubmitRetry 瞬时失败，可退避后重试
	SubmitRetry
	// SubmitFatal 不可恢复失败
	SubmitFatal
)

// SubmitResult submitTape 的判别结果；调用方按 Kind 分派，不得嗅探字段
type SubmitResult struct {
	Kind            SubmitKind
	ProverJobID     string
	StatusURL       string
	SegmentLimitPo2 int
	Reason          string
}

// PollKind 轮询结果判别
type PollKind int

const (
	// PollRunning prover 仍在排队或执行
	PollRunning PollKind = iota
	// PollSuccess 成功且 payload 完整
	PollSuccess
	// PollRetry 瞬时失败；ClearProverJob=true 表示 prover 丢了 job，需要重提交
	PollRetry
	// PollFatal 不可恢复失败
	PollFatal
)

// PollResult pollOnce/pollBounded 的判别结果
type PollResult struct {
	Kind           PollKind
	Status         string          // Running 时的 prover 状态（queued|running）
	Response       *StatusResponse // Success 时的解析响应
	Raw            []byte          // Success 时的原样响应体，artifact 直接落盘
	Reason         string
	ClearProverJob bool
}

// SubmitResponse POST /api/jobs/prove-tape/raw 的 202 响应
type SubmitResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// StatusResponse GET /api/jobs/{job_id} 的响应
type StatusResponse struct {
	Success   bool         `json:"success"`
	Status    string       `json:"status"` // queued | running | succeeded | failed
	Error     string       `json:"error,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
	Result    *ProveResult `json:"result,omitempty"`
}

// ProveResult 成功响应中的 result
type ProveResult struct {
	ElapsedMs int64         `json:"elapsed_ms"`
	Proof     *ProofPayload `json:"proof"`
}

// ProofPayload result.proof；Receipt 保留原样 JSON，seal 提取在 relay 侧做
type ProofPayload struct {
	Journal              ByteSlice       `json:"journal"`
	Receipt              json.RawMessage `json:"receipt"`
	RequestedReceiptKind string          `json:"requested_receipt_kind"`
	ProducedReceiptKind  string          `json:"produced_receipt_kind,omitempty"`
	Stats                *ProveStats     `json:"stats"`
}

// ProveStats prover 执行统计
type ProveStats struct {
	Segments       uint64 `json:"segments"`
	TotalCycles    uint64 `json:"total_cycles"`
	UserCycles     uint64 `json:"user_cycles"`
	PagingCycles   uint64 `json:"paging_cycles"`
	ReservedCycles uint64 `json:"reserved_cycles"`
}

// complete 判断成功 payload 是否齐全；不全按 prover 丢 job 处理
func (r *StatusResponse) complete() bool {
	return r.Result != nil &&
		r.Result.Proof != nil &&
		len(r.Result.Proof.Journal) == tape.JournalSize &&
		len(r.Result.Proof.Receipt) > 0 &&
		r.Result.Proof.Stats != nil
}

// ByteSlice 兼容三种 journal 编码：数字数组、base64 字符串、{"bytes":[...]} 对象
type ByteSlice []byte

func (b *ByteSlice) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	switch data[0] {
	case '[':
		var nums []uint16
		if err := json.Unmarshal(data, &nums); err != nil {
			return fmt.Errorf("journal array: %w", err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n > 255 {
				return fmt.Errorf("journal byte %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("journal base64: %w", err)
		}
		*b = decoded
		return nil
	case '{':
		var wrapper struct {
			Bytes []uint16 `json:"bytes"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return fmt.Errorf("journal object: %w", err)
		}
		out := make([]byte, len(wrapper.Bytes))
		for i, n := range wrapper.Bytes {
			if n > 255 {
				return fmt.Errorf("journal byte %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	default:
		return fmt.Errorf("unsupported journal encoding")
	}
}

func (b ByteSlice) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}
