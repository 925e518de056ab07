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
	"strings"
	"testing"
	"time"

	"proof-gateway/internal/prover"
	"proof-gateway/internal/queue"
	"proof-gateway/internal/storage/object"
	"proof-gateway/internal/storage/record"
	"proof-gateway/internal/tape"
	"proof-gateway/pkg/errors"
	"proof-gateway/pkg/log"
)

type fakeProver struct {
	submits      []prover.SubmitResult
	submitLimits []int
	polls        []prover.PollResult
	pollCalls    int
}

func (f *fakeProver) Submit(_ context.Context, _ []byte, segmentLimitPo2 int) prover.SubmitResult {
	f.submitLimits = append(f.submitLimits, segmentLimitPo2)
	if len(f.submits) == 0 {
		return prover.SubmitResult{Kind: prover.SubmitRetry, Reason: "no scripted submit"}
	}
	res := f.submits[0]
	if len(f.submits) > 1 {
		f.submits = f.submits[1:]
	}
	return res
}

func (f *fakeProver) PollOnce(_ context.Context, _ string) prover.PollResult {
	f.pollCalls++
	if len(f.polls) == 0 {
		return prover.PollResult{Kind: prover.PollRunning, Status: "running"}
	}
	res := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return res
}

func (f *fakeProver) PollBounded(ctx context.Context, id string, _, _ time.Duration) prover.PollResult {
	return f.PollOnce(ctx, id)
}

func (f *fakeProver) SegmentLimitPo2() int { return 20 }

type fixture struct {
	c      *Coordinator
	p      *fakeProver
	blobs  object.Store
	proofQ queue.Queue
	claimQ queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	p := &fakeProver{}
	blobs := object.NewMemoryStore()
	proofQ := queue.NewMemoryQueue(queue.Options{Name: queue.ProofQueue})
	claimQ := queue.NewMemoryQueue(queue.Options{Name: queue.ClaimQueue})
	cfg := Settings{
		MaxTapeBytes:          tape.DefaultMaxTapeBytes,
		MaxJobWallTime:        11 * time.Minute,
		PollInterval:          time.Hour, // 测试里手动调用 Alarm，不靠定时器
		PollBudget:            45 * time.Second,
		PollDeadline:          11 * time.Minute,
		MaxRetryDelay:         60 * time.Second,
		MaxQueueRetries:       5,
		MaxRecoveryAttempts:   3,
		MaxClaimRetries:       5,
		MaxCompletedJobs:      200,
		CompletedJobRetention: 24 * time.Hour,
	}
	c := New(record.NewMemoryStore(), blobs, proofQ, claimQ, p, cfg, logger)
	t.Cleanup(c.Close)
	return &fixture{c: c, p: p, blobs: blobs, proofQ: proofQ, claimQ: claimQ}
}

func testTape(t *testing.T) ([]byte, *tape.Metadata) {
	t.Helper()
	data := tape.Build(tape.Metadata{Seed: 7, FrameCount: 3, FinalScore: 90, FinalRngState: 0xeb0719ce}, []byte{1, 2, 3})
	meta, err := tape.Validate(data, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return data, meta
}

func successPoll(t *testing.T) prover.PollResult {
	t.Helper()
	journal := tape.Journal{
		Seed: 7, FrameCount: 3, FinalScore: 90,
		FinalRngState: 0xeb0719ce, TapeChecksum: 1, RulesDigest: tape.ExpectedRulesDigest,
	}
	packed := journal.Pack()
	resp := &prover.StatusResponse{
		Success: true,
		Status:  "succeeded",
		Result: &prover.ProveResult{
			ElapsedMs: 88,
			Proof: &prover.ProofPayload{
				Journal:              prover.ByteSlice(packed[:]),
				Receipt:              json.RawMessage(`{"inner":{"Groth16":{}}}`),
				RequestedReceiptKind: "groth16",
				Stats:                &prover.ProveStats{Segments: 2, TotalCycles: 1024},
			},
		},
	}
	raw, _ := json.Marshal(resp)
	return prover.PollResult{Kind: prover.PollSuccess, Status: "succeeded", Response: resp, Raw: raw}
}

func (f *fixture) submitAndAccept(t *testing.T) *ProofJobRecord {
	t.Helper()
	ctx := context.Background()
	data, meta := testTape(t)
	r, err := f.c.CreateJob(ctx, data, meta, "GCLAIMANT")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.c.BeginQueueAttempt(ctx, r.JobID, 1); err != nil {
		t.Fatalf("BeginQueueAttempt: %v", err)
	}
	if err := f.c.MarkProverAccepted(ctx, r.JobID, "pj-1", "/api/jobs/pj-1", 20, 0); err != nil {
		t.Fatalf("MarkProverAccepted: %v", err)
	}
	return r
}

func TestCreateJob_SingleActiveSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, meta := testTape(t)

	first, err := f.c.CreateJob(ctx, data, meta, "GA")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if first.Status != StatusQueued {
		t.Errorf("status = %s", first.Status)
	}

	// 槽位被占用，第二个提交被拒
	if _, err := f.c.CreateJob(ctx, data, meta, "GB"); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("second CreateJob err = %v", err)
	}

	active, err := f.c.GetActiveJob(ctx)
	if err != nil || active == nil || active.JobID != first.JobID {
		t.Errorf("active = %+v, %v", active, err)
	}

	// tape blob 已落盘
	if ok, _ := f.blobs.Exists(ctx, object.TapeKey(first.JobID)); !ok {
		t.Error("tape blob missing")
	}
	// proof 队列收到消息
	msg, _ := f.proofQ.Receive(ctx, "w1")
	if msg == nil || msg.JobID != first.JobID {
		t.Errorf("proof message = %+v", msg)
	}
}

func TestCreateJob_AdmitsAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, meta := testTape(t)

	first, _ := f.c.CreateJob(ctx, data, meta, "GA")
	if err := f.c.MarkFailed(ctx, first.JobID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	second, err := f.c.CreateJob(ctx, data, meta, "GB")
	if err != nil {
		t.Fatalf("CreateJob after terminal: %v", err)
	}
	if second.JobID == first.JobID {
		t.Error("job id reused")
	}
}

func TestCreateJob_ZombieRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, meta := testTape(t)

	base := time.Now()
	f.c.now = func() time.Time { return base }
	zombie, _ := f.c.CreateJob(ctx, data, meta, "GA")

	// 活跃记录超墙钟：新提交触发僵尸回收后放行
	f.c.now = func() time.Time { return base.Add(12 * time.Minute) }
	fresh, err := f.c.CreateJob(ctx, data, meta, "GB")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	old, _ := f.c.GetJob(ctx, zombie.JobID)
	if old.Status != StatusFailed || !strings.Contains(old.Error, "exceeded wall-time limit") {
		t.Errorf("zombie = %+v", old)
	}
	if fresh.Status != StatusQueued {
		t.Errorf("fresh = %+v", fresh)
	}
}

func TestBeginQueueAttempt_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, meta := testTape(t)

	r, _ := f.c.CreateJob(ctx, data, meta, "GA")
	got, err := f.c.BeginQueueAttempt(ctx, r.JobID, 1)
	if err != nil || got.Status != StatusDispatching || got.Queue.Attempts != 1 {
		t.Errorf("got = %+v, %v", got, err)
	}

	// 已有 prover 关联的重投递直接回到 prover_running
	_ = f.c.MarkProverAccepted(ctx, r.JobID, "pj-1", "", 20, 0)
	got, err = f.c.BeginQueueAttempt(ctx, r.JobID, 2)
	if err != nil || got.Status != StatusProverRunning {
		t.Errorf("redelivery = %+v, %v", got, err)
	}

	// 终态后拒绝
	_ = f.c.MarkFailed(ctx, r.JobID, "boom")
	if _, err := f.c.BeginQueueAttempt(ctx, r.JobID, 3); !errors.Is(err, errors.ErrTerminal) {
		t.Errorf("terminal err = %v", err)
	}
}

func TestAlarm_SuccessWritesArtifactBeforeTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{successPoll(t)}
	f.c.Alarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", got.Status, got.Error)
	}
	if got.Result == nil || got.Result.Summary.Journal.RulesDigest != tape.ExpectedRulesDigest {
		t.Errorf("result = %+v", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	// artifact 先于 succeeded 存在
	if ok, _ := f.blobs.Exists(ctx, got.Result.ArtifactKey); !ok {
		t.Error("result artifact missing")
	}
	// 槽位释放
	if active, _ := f.c.GetActiveJob(ctx); active != nil {
		t.Errorf("active after success = %+v", active)
	}
	// claim 消息入队
	msg, _ := f.claimQ.Receive(ctx, "w1")
	if msg == nil || msg.JobID != r.JobID {
		t.Errorf("claim message = %+v", msg)
	}
	if got.Claim.Status != ClaimQueued {
		t.Errorf("claim status = %s", got.Claim.Status)
	}
}

func TestMarkSucceeded_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{successPoll(t)}
	f.c.Alarm(ctx)

	before, _ := f.c.GetJob(ctx, r.JobID)
	if err := f.c.MarkSucceeded(ctx, r.JobID, before.Result.Summary, before.Result.ArtifactKey); err != nil {
		t.Fatalf("re-invoke MarkSucceeded: %v", err)
	}
	after, _ := f.c.GetJob(ctx, r.JobID)
	if after.Status != StatusSucceeded || !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Errorf("record changed on re-invoke: %+v", after)
	}
}

func TestAlarm_FatalPollFailsJobAndCascadesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{{Kind: prover.PollFatal, Reason: "guest panicked"}}
	f.c.Alarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusFailed || got.Error != "guest panicked" {
		t.Errorf("record = %+v", got)
	}
	if got.Claim.Status != ClaimFailed || !strings.Contains(got.Claim.LastError, "proof job failed") {
		t.Errorf("claim = %+v", got.Claim)
	}
	if active, _ := f.c.GetActiveJob(ctx); active != nil {
		t.Error("slot not released")
	}
}

func TestAlarm_TransientRetryBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{{Kind: prover.PollRetry, Reason: "status 503"}}
	f.c.Alarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusRetrying || got.Prover.PollingErrors != 1 {
		t.Errorf("record = %+v", got)
	}
	if got.Prover.ProverJobID != "pj-1" {
		t.Error("prover association dropped on transient retry")
	}
	if got.Queue.NextRetryAt == nil {
		t.Error("nextRetryAt not set")
	}

	// 下一次 alarm 恢复轮询
	f.p.polls = []prover.PollResult{{Kind: prover.PollRunning, Status: "running"}}
	f.c.Alarm(ctx)
	got, _ = f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusProverRunning {
		t.Errorf("status = %s", got.Status)
	}
}

func TestAlarm_ProverLossRecoveryResubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{{Kind: prover.PollRetry, ClearProverJob: true, Reason: "prover job pj-1 not found"}}
	f.p.submits = []prover.SubmitResult{{Kind: prover.SubmitAccepted, ProverJobID: "pj-2", StatusURL: "/api/jobs/pj-2", SegmentLimitPo2: 20}}
	f.c.Alarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusProverRunning || got.Prover.ProverJobID != "pj-2" {
		t.Errorf("record = %+v", got)
	}
	if got.Prover.RecoveryAttempts != 1 {
		t.Errorf("recoveryAttempts = %d", got.Prover.RecoveryAttempts)
	}
	if len(f.p.submitLimits) != 1 || f.p.submitLimits[0] != 20 {
		t.Errorf("submit limits = %v", f.p.submitLimits)
	}
}

func TestAlarm_OOMRecoveryLowersSegmentLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{{Kind: prover.PollRetry, ClearProverJob: true, Reason: "prover failed with retryable code INTERNAL: out of memory"}}
	f.p.submits = []prover.SubmitResult{{Kind: prover.SubmitAccepted, ProverJobID: "pj-2", SegmentLimitPo2: 19}}
	f.c.Alarm(ctx)

	if len(f.p.submitLimits) != 1 || f.p.submitLimits[0] != 19 {
		t.Errorf("submit limits = %v, want [19]", f.p.submitLimits)
	}
}

func TestAlarm_RecoveryCapEscalatesToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	// 每次恢复提交都被瞬时拒绝；递增 recoveryAttempts 直到超限
	f.p.submits = []prover.SubmitResult{{Kind: prover.SubmitRetry, Reason: "prover busy"}}
	f.p.polls = []prover.PollResult{{Kind: prover.PollRetry, ClearProverJob: true, Reason: "not found"}}
	f.c.Alarm(ctx)
	for i := 0; i < 3; i++ {
		f.c.Alarm(ctx)
	}

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "recovery attempts") {
		t.Errorf("error = %s", got.Error)
	}
}

func TestAlarm_WallTimeEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	f.c.now = func() time.Time { return base }
	r := f.submitAndAccept(t)

	f.c.now = func() time.Time { return base.Add(12 * time.Minute) }
	f.c.Alarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "timed out after 11 minutes") {
		t.Errorf("record = %+v", got)
	}
	if f.p.pollCalls != 0 {
		t.Errorf("polled a timed-out job %d times", f.p.pollCalls)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	if err := f.c.Cancel(ctx, r.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Status != StatusFailed || got.Error != "cancelled by client" {
		t.Errorf("record = %+v", got)
	}
	if err := f.c.Cancel(ctx, r.JobID); !errors.Is(err, errors.ErrTerminal) {
		t.Errorf("second Cancel err = %v", err)
	}
}

func TestClaimLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)
	f.p.polls = []prover.PollResult{successPoll(t)}
	f.c.Alarm(ctx)

	got, err := f.c.BeginClaimAttempt(ctx, r.JobID, 1)
	if err != nil || got.Claim.Status != ClaimSubmitting || got.Claim.Attempts != 1 {
		t.Fatalf("BeginClaimAttempt = %+v, %v", got.Claim, err)
	}

	next := time.Now().Add(4 * time.Second)
	if err := f.c.MarkClaimRetry(ctx, r.JobID, "rpc request failed", next); err != nil {
		t.Fatalf("MarkClaimRetry: %v", err)
	}
	got, _ = f.c.GetJob(ctx, r.JobID)
	if got.Claim.Status != ClaimRetrying || got.Claim.LastError != "rpc request failed" {
		t.Errorf("claim = %+v", got.Claim)
	}

	if err := f.c.MarkClaimSucceeded(ctx, r.JobID, "abcd1234"); err != nil {
		t.Fatalf("MarkClaimSucceeded: %v", err)
	}
	got, _ = f.c.GetJob(ctx, r.JobID)
	if got.Claim.Status != ClaimSucceeded || got.Claim.TxHash != "abcd1234" {
		t.Errorf("claim = %+v", got.Claim)
	}
	// claim 终态吸收
	if err := f.c.MarkClaimFailed(ctx, r.JobID, "late", nil); !errors.Is(err, errors.ErrTerminal) {
		t.Errorf("MarkClaimFailed after success = %v", err)
	}
}

func TestClaimFailedAttachesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)
	f.p.polls = []prover.PollResult{successPoll(t)}
	f.c.Alarm(ctx)

	fallback := &FallbackPayload{
		ClaimantAddress:  "GCLAIMANT",
		JournalRawHex:    "0011",
		JournalDigestHex: "2233",
		ProofArtifactKey: object.ResultKey(r.JobID),
		Note:             "relay the claim manually",
	}
	if err := f.c.MarkClaimFailed(ctx, r.JobID, "HostError: Error(Contract, #13)", fallback); err != nil {
		t.Fatalf("MarkClaimFailed: %v", err)
	}
	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Claim.FallbackPayload == nil || got.Claim.FallbackPayload.ClaimantAddress != "GCLAIMANT" {
		t.Errorf("fallback = %+v", got.Claim.FallbackPayload)
	}
	// proof 侧终态不受 claim 失败影响
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s", got.Status)
	}
}

func TestPrune_CountCap(t *testing.T) {
	f := newFixture(t)
	f.c.cfg.MaxCompletedJobs = 2
	ctx := context.Background()
	data, meta := testTape(t)

	base := time.Now()
	var ids []string
	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		f.c.now = func() time.Time { return tick }
		r, err := f.c.CreateJob(ctx, data, meta, "GA")
		if err != nil {
			t.Fatalf("CreateJob %d: %v", i, err)
		}
		ids = append(ids, r.JobID)
		_ = f.c.MarkFailed(ctx, r.JobID, "boom")
	}

	// 最老的两条被清理，tape blob 一并删除
	for _, id := range ids[:2] {
		if _, err := f.c.GetJob(ctx, id); !errors.Is(err, errors.ErrNotFound) {
			t.Errorf("job %s survived prune: %v", id, err)
		}
		if ok, _ := f.blobs.Exists(ctx, object.TapeKey(id)); ok {
			t.Errorf("tape blob %s survived prune", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := f.c.GetJob(ctx, id); err != nil {
			t.Errorf("job %s pruned too early: %v", id, err)
		}
	}
}

func TestPrune_Retention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data, meta := testTape(t)

	base := time.Now()
	f.c.now = func() time.Time { return base }
	old, _ := f.c.CreateJob(ctx, data, meta, "GA")
	_ = f.c.MarkFailed(ctx, old.JobID, "boom")

	// 25 小时后的终态迁移触发清理
	f.c.now = func() time.Time { return base.Add(25 * time.Hour) }
	fresh, _ := f.c.CreateJob(ctx, data, meta, "GB")
	_ = f.c.MarkFailed(ctx, fresh.JobID, "boom")

	if _, err := f.c.GetJob(ctx, old.JobID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expired job survived: %v", err)
	}
	if _, err := f.c.GetJob(ctx, fresh.JobID); err != nil {
		t.Errorf("fresh job pruned: %v", err)
	}
}

func TestBeginClaimAttempt_IgnoresNonSucceededJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	// proof 侧尚未成功：迷路的 claim 消息不得改动 claim 状态
	got, err := f.c.BeginClaimAttempt(ctx, r.JobID, 1)
	if err != nil {
		t.Fatalf("BeginClaimAttempt: %v", err)
	}
	if got.Claim.Status != "" || got.Claim.Attempts != 0 || got.Claim.LastAttemptAt != nil {
		t.Errorf("claim mutated on non-succeeded job: %+v", got.Claim)
	}
	persisted, _ := f.c.GetJob(ctx, r.JobID)
	if persisted.Claim.Status != "" || persisted.Claim.Attempts != 0 {
		t.Errorf("claim persisted on non-succeeded job: %+v", persisted.Claim)
	}
	if persisted.Status != StatusProverRunning {
		t.Errorf("status = %s", persisted.Status)
	}
}

// hookStore 在条件写之前注入回调，用来在读-改-写窗口里制造并发修改
type hookStore struct {
	record.Store
	beforePut func(key string)
}

func (s *hookStore) PutVersioned(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	if s.beforePut != nil {
		s.beforePut(key)
	}
	return s.Store.PutVersioned(ctx, key, value, expected)
}

func TestTerminalStateSurvivesConcurrentCoordinator(t *testing.T) {
	// API 与 Worker 进程各持一个 Coordinator 共享同一存储。API 侧 kick
	// 轮询读到快照后、写回前，Worker 侧落下成功终态：旧快照的写回必须
	// 因版本冲突作废，终态吸收不被破坏。
	ctx := context.Background()
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	shared := record.NewMemoryStore()
	blobs := object.NewMemoryStore()
	proofQ := queue.NewMemoryQueue(queue.Options{Name: queue.ProofQueue})
	claimQ := queue.NewMemoryQueue(queue.Options{Name: queue.ClaimQueue})
	cfg := Settings{
		MaxTapeBytes:          tape.DefaultMaxTapeBytes,
		MaxJobWallTime:        11 * time.Minute,
		PollInterval:          time.Hour,
		PollBudget:            45 * time.Second,
		PollDeadline:          11 * time.Minute,
		MaxRetryDelay:         60 * time.Second,
		MaxQueueRetries:       5,
		MaxRecoveryAttempts:   3,
		MaxClaimRetries:       5,
		MaxCompletedJobs:      200,
		CompletedJobRetention: 24 * time.Hour,
	}

	workerProver := &fakeProver{}
	workerCo := New(shared, blobs, proofQ, claimQ, workerProver, cfg, logger)
	t.Cleanup(workerCo.Close)

	hooked := &hookStore{Store: shared}
	apiProver := &fakeProver{polls: []prover.PollResult{{Kind: prover.PollRunning, Status: "running"}}}
	apiCo := New(hooked, blobs, proofQ, claimQ, apiProver, cfg, logger)
	t.Cleanup(apiCo.Close)

	data, meta := testTape(t)
	r, err := workerCo.CreateJob(ctx, data, meta, "GCLAIMANT")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := workerCo.BeginQueueAttempt(ctx, r.JobID, 1); err != nil {
		t.Fatalf("BeginQueueAttempt: %v", err)
	}
	if err := workerCo.MarkProverAccepted(ctx, r.JobID, "pj-1", "/api/jobs/pj-1", 20, 0); err != nil {
		t.Fatalf("MarkProverAccepted: %v", err)
	}

	// API 侧写回记录前，Worker 侧 alarm 把 job 推到 succeeded
	interleaved := false
	hooked.beforePut = func(key string) {
		if interleaved || key != recordKey(r.JobID) {
			return
		}
		interleaved = true
		workerProver.polls = []prover.PollResult{successPoll(t)}
		workerCo.Alarm(ctx)
	}
	apiCo.KickAlarm(ctx)

	if !interleaved {
		t.Fatal("concurrent terminal transition did not interleave")
	}
	got, err := workerCo.GetJob(ctx, r.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("terminal state reverted: status = %s", got.Status)
	}
	if got.CompletedAt == nil || got.Result == nil {
		t.Errorf("terminal fields lost: %+v", got)
	}
	if active, _ := workerCo.GetActiveJob(ctx); active != nil {
		t.Errorf("slot held after success: %+v", active)
	}
}

func TestKickAlarm_DoesNotReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitAndAccept(t)

	f.p.polls = []prover.PollResult{{Kind: prover.PollRunning, Status: "running"}}
	f.c.KickAlarm(ctx)

	got, _ := f.c.GetJob(ctx, r.JobID)
	if got.Prover.LastPolledAt == nil {
		t.Error("kick did not poll")
	}
	if got.Prover.ProverStatus != "running" {
		t.Errorf("proverStatus = %s", got.Prover.ProverStatus)
	}
}
