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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobTotal, JobDuration, JobStateTransitions,
		ProverPollTotal, ProverRecoveryTotal,
		ClaimTotal, QueueRedeliveries, ActiveJob,
	)
}

// JobTotal proof job 总数（按终态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proofgate_job_total",
		Help: "proof job 总数（按终态）",
	},
	[]string{"status"}, // succeeded | failed
)

// JobDuration job 从创建到终态的耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "proofgate_job_duration_seconds",
		Help:    "job 从创建到终态的耗时（秒）",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	},
	[]string{"status"},
)

// JobStateTransitions 状态机迁移计数
var JobStateTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proofgate_job_state_transitions_total",
		Help: "job 状态机迁移计数",
	},
	[]string{"to"}, // queued | dispatching | prover_running | retrying | succeeded | failed
)

// ProverPollTotal prover 轮询结果计数
var ProverPollTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proofgate_prover_poll_total",
		Help: "prover 轮询结果计数",
	},
	[]string{"result"}, // running | success | retry | fatal
)

// ProverRecoveryTotal prover 丢 job 后的恢复重提交计数
var ProverRecoveryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "proofgate_prover_recovery_total",
		Help: "prover 丢 job 后的恢复重提交计数",
	},
)

// ClaimTotal claim 管线终态计数
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proofgate_claim_total",
		Help: "claim 管线终态计数",
	},
	[]string{"status"}, // succeeded | failed
)

// QueueRedeliveries 队列重投递计数
var QueueRedeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proofgate_queue_redeliveries_total",
		Help: "队列重投递计数",
	},
	[]string{"queue"}, // proof | claim
)

// ActiveJob 当前活跃槽位占用（0 或 1）
var ActiveJob = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "proofgate_active_job",
		Help: "当前活跃槽位占用（0 或 1）",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
