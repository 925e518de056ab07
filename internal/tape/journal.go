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

package tape

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ExpectedRulesDigest 编译期固定的规则摘要（ASCII 四字节标记按小端 u32 读出）。
// prover /health 与 journal 中的 rules_digest 都必须与之相等。
const ExpectedRulesDigest uint32 = 0x41535433

// JournalSize journal 规范编码长度：六个小端 u32
const JournalSize = 24

// Journal prover 提交进证明的 24 字节规范摘要
type Journal struct {
	Seed          uint32 `json:"seed"`
	FrameCount    uint32 `json:"frameCount"`
	FinalScore    uint32 `json:"finalScore"`
	FinalRngState uint32 `json:"finalRngState"`
	TapeChecksum  uint32 `json:"tapeChecksum"`
	RulesDigest   uint32 `json:"rulesDigest"`
}

// Pack 规范编码：seed ‖ frameCount ‖ finalScore ‖ finalRngState ‖ tapeChecksum ‖ rulesDigest
func (j Journal) Pack() [JournalSize]byte {
	var out [JournalSize]byte
	binary.LittleEndian.PutUint32(out[0:4], j.Seed)
	binary.LittleEndian.PutUint32(out[4:8], j.FrameCount)
	binary.LittleEndian.PutUint32(out[8:12], j.FinalScore)
	binary.LittleEndian.PutUint32(out[12:16], j.FinalRngState)
	binary.LittleEndian.PutUint32(out[16:20], j.TapeChecksum)
	binary.LittleEndian.PutUint32(out[20:24], j.RulesDigest)
	return out
}

// Digest 规范编码的 SHA-256，链上结算以此作为 journal digest
func (j Journal) Digest() [32]byte {
	packed := j.Pack()
	return sha256.Sum256(packed[:])
}

// UnpackJournal 解码 24 字节规范编码
func UnpackJournal(data []byte) (Journal, error) {
	if len(data) != JournalSize {
		return Journal{}, fmt.Errorf("journal must be %d bytes, got %d", JournalSize, len(data))
	}
	return Journal{
		Seed:          binary.LittleEndian.Uint32(data[0:4]),
		FrameCount:    binary.LittleEndian.Uint32(data[4:8]),
		FinalScore:    binary.LittleEndian.Uint32(data[8:12]),
		FinalRngState: binary.LittleEndian.Uint32(data[12:16]),
		TapeChecksum:  binary.LittleEndian.Uint32(data[16:20]),
		RulesDigest:   binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}
