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
	"fmt"

	"proof-gateway/internal/tape"
)

// Summary 成功 proof 的对外摘要，随 job 记录返回给客户端
type Summary struct {
	Journal              tape.Journal `json:"journal"`
	RequestedReceiptKind string       `json:"requestedReceiptKind"`
	ProducedReceiptKind  string       `json:"producedReceiptKind,omitempty"`
	ElapsedMs            int64        `json:"elapsedMs"`
	Stats                SummaryStats `json:"stats"`
}

// SummaryStats prover 执行统计（camelCase 对外编码）
type SummaryStats struct {
	Segments       uint64 `json:"segments"`
	TotalCycles    uint64 `json:"totalCycles"`
	UserCycles     uint64 `json:"userCycles"`
	PagingCycles   uint64 `json:"pagingCycles"`
	ReservedCycles uint64 `json:"reservedCycles"`
}

// Summarize 从成功的 prover 响应提取摘要。
// journal 必须解码成功且 rulesDigest 与编译期常量相等，否则视为 prover 输出异常。
func Summarize(resp *StatusResponse) (*Summary, error) {
	if resp == nil || !resp.complete() {
		return nil, fmt.Errorf("prover response is missing a complete proof payload")
	}
	proof := resp.Result.Proof
	journal, err := tape.UnpackJournal(proof.Journal)
	if err != nil {
		return nil, fmt.Errorf("decode proof journal: %w", err)
	}
	if journal.RulesDigest != tape.ExpectedRulesDigest {
		return nil, fmt.Errorf("proof journal rules digest mismatch (got 0x%08X, want 0x%08X)",
			journal.RulesDigest, tape.ExpectedRulesDigest)
	}
	return &Summary{
		Journal:              journal,
		RequestedReceiptKind: proof.RequestedReceiptKind,
		ProducedReceiptKind:  proof.ProducedReceiptKind,
		ElapsedMs:            resp.Result.ElapsedMs,
		Stats: SummaryStats{
			Segments:       proof.Stats.Segments,
			TotalCycles:    proof.Stats.TotalCycles,
			UserCycles:     proof.Stats.UserCycles,
			PagingCycles:   proof.Stats.PagingCycles,
			ReservedCycles: proof.Stats.ReservedCycles,
		},
	}, nil
}
