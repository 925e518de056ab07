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

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		reason string
		want   Severity
	}{
		{"rpc request failed: code 503", Transient},
		{"internal error; reference = 8f2c", Transient},
		{"SIMULATION_FAILED: host invocation", Transient},
		{"fetch failed: connection refused", Transient},
		{"request timed out after 30s", Transient},
		{"HostError: Error(Contract, #13)", Fatal},
		{"claimant has no trustline for asset", Fatal},
		{"account not found: GDXX...", Fatal},
		{"something nobody has seen before", Transient},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.reason)); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestExtractSeal(t *testing.T) {
	seal := make([]int, RawSealSize)
	for i := range seal {
		seal[i] = i % 256
	}
	receipt := map[string]interface{}{
		"inner": map[string]interface{}{
			"Groth16": map[string]interface{}{
				"seal":                seal,
				"verifier_parameters": []uint32{0x04030201, 2, 3, 4, 5, 6, 7, 8},
			},
		},
	}
	raw, _ := json.Marshal(receipt)

	out, err := ExtractSeal(raw)
	if err != nil {
		t.Fatalf("ExtractSeal: %v", err)
	}
	if len(out) != SealSize {
		t.Fatalf("len = %d, want %d", len(out), SealSize)
	}
	// selector = verifier_parameters[0] 的小端字节
	if out[0] != 0x01 || out[1] != 0x02 || out[2] != 0x03 || out[3] != 0x04 {
		t.Errorf("selector = %x", out[:4])
	}
	if out[4] != 0 || out[4+255] != 255 {
		t.Errorf("seal body = %x...%x", out[4], out[4+255])
	}
}

func TestExtractSeal_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		receipt string
		errPart string
	}{
		{"not groth16", `{"inner":{"Succinct":{}}}`, "Groth16"},
		{"short seal", `{"inner":{"Groth16":{"seal":[1,2,3],"verifier_parameters":[1,2,3,4,5,6,7,8]}}}`, "256 bytes"},
		{"bad parameters", fmt.Sprintf(`{"inner":{"Groth16":{"seal":[%s],"verifier_parameters":[1,2]}}}`,
			strings.TrimSuffix(strings.Repeat("0,", RawSealSize), ",")), "8 words"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractSeal(json.RawMessage(tc.receipt))
			if err == nil || !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestSubmitClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "relay-key" {
			t.Errorf("x-api-key = %q", got)
		}
		var req ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.ClaimantAddress != "GABC" || req.Seal == "" || req.JournalRaw == "" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "tx_hash": "deadbeef"})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Endpoint: srv.URL, APIKey: "relay-key"})
	tx, err := c.SubmitClaim(context.Background(), ClaimRequest{
		ClaimantAddress: "GABC", Seal: "0011", JournalRaw: "2233",
	})
	if err != nil || tx != "deadbeef" {
		t.Errorf("tx = %q, err = %v", tx, err)
	}
}

func TestSubmitClaim_ErrorPreservesRelayerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false, "error": "HostError: Error(Contract, #4)",
		})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Endpoint: srv.URL})
	_, err := c.SubmitClaim(context.Background(), ClaimRequest{ClaimantAddress: "GABC"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HostError: Error(Contract, #4)") {
		t.Errorf("err = %v", err)
	}
	if Classify(err) != Fatal {
		t.Errorf("classified transient: %v", err)
	}
}
