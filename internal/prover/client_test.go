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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"proof-gateway/internal/tape"
)

const testImageID = "a3f1c2d4e5b6978811223344556677889900aabbccddeeff0011223344556677"

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		ImageID:     testImageID,
		RulesDigest: tape.ExpectedRulesDigest,
		Ruleset:     "AST3",
	})
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func successBody(journal []byte) StatusResponse {
	return StatusResponse{
		Success: true,
		Status:  "succeeded",
		Result: &ProveResult{
			ElapsedMs: 1234,
			Proof: &ProofPayload{
				Journal:              ByteSlice(journal),
				Receipt:              json.RawMessage(`{"inner":{}}`),
				RequestedReceiptKind: "groth16",
				ProducedReceiptKind:  "groth16",
				Stats:                &ProveStats{Segments: 4, TotalCycles: 1 << 20, UserCycles: 900000},
			},
		},
	}
}

func TestSubmit_Accepted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/api/jobs/prove-tape/raw", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.URL.Query().Get("receipt_kind"); got != "groth16" {
			t.Errorf("receipt_kind = %q", got)
		}
		if got := r.URL.Query().Get("segment_limit_po2"); got != "19" {
			t.Errorf("segment_limit_po2 = %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitResponse{Success: true, JobID: "pj-1", StatusURL: "/api/jobs/pj-1"})
	})
	c := newTestClient(t, mux)

	res := c.Submit(context.Background(), []byte{1, 2, 3}, 19)
	if res.Kind != SubmitAccepted {
		t.Fatalf("kind = %v, reason = %s", res.Kind, res.Reason)
	}
	if res.ProverJobID != "pj-1" || res.SegmentLimitPo2 != 19 {
		t.Errorf("result = %+v", res)
	}
}

func TestSubmit_HealthGateBlocksFatal(t *testing.T) {
	var submits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{ImageID: testImageID, RulesDigest: 0xDEADBEEF})
	})
	mux.HandleFunc("/api/jobs/prove-tape/raw", func(w http.ResponseWriter, _ *http.Request) {
		submits.Add(1)
	})
	c := newTestClient(t, mux)

	res := c.Submit(context.Background(), []byte{1}, 0)
	if res.Kind != SubmitFatal {
		t.Fatalf("kind = %v", res.Kind)
	}
	if !strings.Contains(res.Reason, "rules_digest mismatch") {
		t.Errorf("reason = %s", res.Reason)
	}
	if submits.Load() != 0 {
		t.Errorf("submit reached prover despite failed health gate")
	}
}

func TestSubmit_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   SubmitKind
	}{
		{"busy 429", http.StatusTooManyRequests, "", SubmitRetry},
		{"server error", http.StatusBadGateway, "", SubmitRetry},
		{"route missing", http.StatusNotFound, "", SubmitRetry},
		{"bad request", http.StatusBadRequest, `{"error":"tape rejected"}`, SubmitFatal},
		{"malformed success", http.StatusOK, `{"success":false}`, SubmitRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/health", healthHandler)
			mux.HandleFunc("/api/jobs/prove-tape/raw", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			c := newTestClient(t, mux)
			if res := c.Submit(context.Background(), []byte{1}, 0); res.Kind != tc.want {
				t.Errorf("kind = %v, reason = %s", res.Kind, res.Reason)
			}
		})
	}
}

func TestPollOnce_LostJobClearsAssociation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	res := c.PollOnce(context.Background(), "pj-1")
	if res.Kind != PollRetry || !res.ClearProverJob {
		t.Errorf("result = %+v", res)
	}
}

func TestPollOnce_FailedCodeClassification(t *testing.T) {
	cases := []struct {
		name      string
		errorCode string
		wantKind  PollKind
		wantClear bool
	}{
		{"busy is transient", "PROVER_BUSY", PollRetry, true},
		{"capacity is transient", "capacity", PollRetry, true},
		{"guest fault is fatal", "GUEST_FAULT", PollFatal, false},
		{"no code is fatal", "", PollFatal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(StatusResponse{
					Success: true, Status: "failed",
					Error: "execution aborted", ErrorCode: tc.errorCode,
				})
			})
			c := newTestClient(t, mux)
			res := c.PollOnce(context.Background(), "pj-1")
			if res.Kind != tc.wantKind || res.ClearProverJob != tc.wantClear {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestPollOnce_IncompleteSuccessIsRetry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Success: true, Status: "succeeded"})
	})
	c := newTestClient(t, mux)

	res := c.PollOnce(context.Background(), "pj-1")
	if res.Kind != PollRetry || !res.ClearProverJob {
		t.Errorf("result = %+v", res)
	}
}

func TestPollOnce_SuccessCarriesRawBody(t *testing.T) {
	journal := tape.Journal{
		Seed: 7, FrameCount: 3980, FinalScore: 90,
		FinalRngState: 0xeb0719ce, TapeChecksum: 42,
		RulesDigest: tape.ExpectedRulesDigest,
	}
	packed := journal.Pack()
	body := successBody(packed[:])

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	c := newTestClient(t, mux)

	res := c.PollOnce(context.Background(), "pj-1")
	if res.Kind != PollSuccess {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Raw) == 0 {
		t.Error("raw body missing")
	}

	summary, err := Summarize(res.Response)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Journal != journal {
		t.Errorf("journal = %+v", summary.Journal)
	}
	if summary.Stats.Segments != 4 || summary.ElapsedMs != 1234 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestPollBounded_ZeroBudgetSkipsHTTP(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Success: true, Status: "running"})
	})
	c := newTestClient(t, mux)

	res := c.PollBounded(context.Background(), "pj-1", 0, time.Second)
	if res.Kind != PollRunning {
		t.Errorf("result = %+v", res)
	}
	if polls.Load() != 0 {
		t.Errorf("polls = %d, want 0", polls.Load())
	}
}

func TestPollBounded_StopsOnTerminal(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/pj-1", func(w http.ResponseWriter, _ *http.Request) {
		n := polls.Add(1)
		status := "running"
		if n >= 3 {
			status = "failed"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Success: true, Status: status, Error: "boom"})
	})
	c := newTestClient(t, mux)

	res := c.PollBounded(context.Background(), "pj-1", 5*time.Second, 10*time.Millisecond)
	if res.Kind != PollFatal {
		t.Errorf("result = %+v", res)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
}

func TestIsOOM(t *testing.T) {
	cases := []struct {
		reason string
		want   bool
	}{
		{"guest ran Out Of Memory during segment 3", true},
		{"oom killed", true},
		{"exceeded memory limit", true},
		{"allocation failed in page table", true},
		{"division by zero", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsOOM(tc.reason); got != tc.want {
			t.Errorf("IsOOM(%q) = %v", tc.reason, got)
		}
	}
}

func TestJournalByteSliceEncodings(t *testing.T) {
	packed := tape.Journal{Seed: 1, RulesDigest: tape.ExpectedRulesDigest}.Pack()
	nums := make([]string, len(packed))
	for i, b := range packed {
		nums[i] = fmt.Sprint(b)
	}
	arrayJSON := "[" + strings.Join(nums, ",") + "]"

	cases := []struct {
		name string
		in   string
	}{
		{"number array", arrayJSON},
		{"bytes object", `{"bytes":` + arrayJSON + `}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var bs ByteSlice
			if err := json.Unmarshal([]byte(tc.in), &bs); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(bs) != tape.JournalSize {
				t.Errorf("len = %d", len(bs))
			}
		})
	}
}
