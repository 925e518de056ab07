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
	"encoding/binary"
	"encoding/json"
	"fmt"

	"proof-gateway/internal/prover"
)

// Seal 尺寸：4 字节 selector + 256 字节原始 Groth16 seal
const (
	RawSealSize = 256
	SealSize    = 4 + RawSealSize
)

type groth16Receipt struct {
	Inner struct {
		Groth16 *struct {
			Seal               prover.ByteSlice `json:"seal"`
			VerifierParameters []uint32         `json:"verifier_parameters"`
		} `json:"Groth16"`
	} `json:"inner"`
}

// ExtractSeal 从 receipt JSON 提取链上 seal：
// verifier_parameters 的 8 个 u32 按小端编码取前 4 字节作 selector，
// 拼接 256 字节原始 seal，共 260 字节。
func ExtractSeal(receipt json.RawMessage) ([]byte, error) {
	var r groth16Receipt
	if err := json.Unmarshal(receipt, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	g := r.Inner.Groth16
	if g == nil {
		return nil, fmt.Errorf("receipt does not contain a Groth16 proof")
	}
	if len(g.Seal) != RawSealSize {
		return nil, fmt.Errorf("groth16 seal must be %d bytes, got %d", RawSealSize, len(g.Seal))
	}
	if len(g.VerifierParameters) != 8 {
		return nil, fmt.Errorf("verifier_parameters must have 8 words, got %d", len(g.VerifierParameters))
	}

	out := make([]byte, 0, SealSize)
	var selector [4]byte
	binary.LittleEndian.PutUint32(selector[:], g.VerifierParameters[0])
	out = append(out, selector[:]...)
	out = append(out, g.Seal...)
	return out, nil
}
