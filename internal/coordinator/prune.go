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
	"encoding/json"
	"sort"

	"proof-gateway/internal/storage/object"
)

// prune 终态记录留存清理；每次终态迁移后执行。只删终态记录，
// 并发执行安全。超出留存期或数量上限的记录连同其 tape blob 一并删除；
// result artifact 的生命周期归对象存储自身策略管。
func (c *Coordinator) prune(ctx context.Context) {
	keys, err := c.records.List(ctx, recordKeyPrefix, 0, "")
	if err != nil {
		c.logger.Error("prune: list records", "error", err)
		return
	}

	var terminal []*ProofJobRecord
	for _, key := range keys {
		raw, err := c.records.Get(ctx, key)
		if err != nil {
			continue
		}
		var r ProofJobRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.Terminal() {
			terminal = append(terminal, &r)
		}
	}

	now := c.now()
	var expired []*ProofJobRecord
	var retained []*ProofJobRecord
	for _, r := range terminal {
		if now.Sub(r.terminalAt()) > c.cfg.CompletedJobRetention {
			expired = append(expired, r)
		} else {
			retained = append(retained, r)
		}
	}

	// 数量上限：terminalAt 最新的 MaxCompletedJobs 条保留，其余删除
	if len(retained) > c.cfg.MaxCompletedJobs {
		sort.Slice(retained, func(i, j int) bool {
			return retained[i].terminalAt().After(retained[j].terminalAt())
		})
		expired = append(expired, retained[c.cfg.MaxCompletedJobs:]...)
	}

	for _, r := range expired {
		if err := c.records.Delete(ctx, recordKey(r.JobID)); err != nil {
			c.logger.Error("prune: delete record", "job_id", r.JobID, "error", err)
			continue
		}
		if err := c.blobs.Delete(ctx, object.TapeKey(r.JobID)); err != nil {
			c.logger.Error("prune: delete tape blob", "job_id", r.JobID, "error", err)
		}
	}
	if len(expired) > 0 {
		c.logger.Info("pruned terminal jobs", "count", len(expired))
	}
}
