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

// Package tape 校验游戏回放 tape 的线格式并提取元数据。
// 线格式（全部小端）：16 字节头（magic ‖ version ‖ seed ‖ frame_count）
// + frame_count 字节逐帧输入 + 12 字节尾（final_score ‖ final_rng_state ‖ checksum）。
// checksum 为头+体的 CRC-32。
package tape

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// Magic tape 头部魔数
	Magic uint32 = 0x5A4B5450
	// Version 当前支持的格式版本
	Version uint32 = 1
	// HeaderSize 头部长度
	HeaderSize = 16
	// FooterSize 尾部长度
	FooterSize = 12
	// DefaultMaxTapeBytes 默认大小上限（2 MiB）
	DefaultMaxTapeBytes = 2 << 20
)

// RejectKind 校验拒绝类型，直接作为 API errorCode 返回
type RejectKind string

const (
	RejectEmpty     RejectKind = "empty_tape"
	RejectTooLarge  RejectKind = "tape_too_large"
	RejectBadMagic  RejectKind = "bad_magic"
	RejectBadVer    RejectKind = "unsupported_version"
	RejectBadLength RejectKind = "length_mismatch"
	RejectBadCRC    RejectKind = "checksum_mismatch"
	RejectZeroScore RejectKind = "zero_score_not_allowed"
)

// ValidationError 校验失败，Kind 用于对外 errorCode
type ValidationError struct {
	Kind   RejectKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func reject(kind RejectKind, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Metadata tape 元数据，来自头尾字段
type Metadata struct {
	Seed          uint32 `json:"seed"`
	FrameCount    uint32 `json:"frameCount"`
	FinalScore    uint32 `json:"finalScore"`
	FinalRngState uint32 `json:"finalRngState"`
	Checksum      uint32 `json:"checksum"`
}

// Validate 按顺序校验：非空、大小、magic/version、长度一致、CRC、零分策略。
// maxBytes <= 0 时使用 DefaultMaxTapeBytes。
func Validate(data []byte, maxBytes int) (*Metadata, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTapeBytes
	}
	if len(data) == 0 {
		return nil, reject(RejectEmpty, "tape is empty")
	}
	if len(data) > maxBytes {
		return nil, reject(RejectTooLarge, "tape is %d bytes, limit %d", len(data), maxBytes)
	}
	if len(data) < HeaderSize+FooterSize {
		return nil, reject(RejectBadLength, "tape is %d bytes, shorter than header+footer", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return nil, reject(RejectBadMagic, "magic 0x%08X", magic)
	}
	if ver := binary.LittleEndian.Uint32(data[4:8]); ver != Version {
		return nil, reject(RejectBadVer, "version %d", ver)
	}

	meta := &Metadata{
		Seed:       binary.LittleEndian.Uint32(data[8:12]),
		FrameCount: binary.LittleEndian.Uint32(data[12:16]),
	}
	want := HeaderSize + int(meta.FrameCount) + FooterSize
	if len(data) != want {
		return nil, reject(RejectBadLength, "declared %d frames need %d bytes, got %d", meta.FrameCount, want, len(data))
	}

	footer := data[len(data)-FooterSize:]
	meta.FinalScore = binary.LittleEndian.Uint32(footer[0:4])
	meta.FinalRngState = binary.LittleEndian.Uint32(footer[4:8])
	meta.Checksum = binary.LittleEndian.Uint32(footer[8:12])

	if sum := crc32.ChecksumIEEE(data[:len(data)-FooterSize]); sum != meta.Checksum {
		return nil, reject(RejectBadCRC, "computed 0x%08X, footer 0x%08X", sum, meta.Checksum)
	}
	if meta.FinalScore == 0 {
		return nil, reject(RejectZeroScore, "zero-score runs are not provable")
	}
	return meta, nil
}

// Build 按元数据与逐帧输入构造合法 tape；checksum 重新计算，忽略 meta.Checksum。
// 供测试与 CLI 使用。
func Build(meta Metadata, inputs []byte) []byte {
	buf := make([]byte, HeaderSize+len(inputs)+FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], meta.Seed)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(inputs)))
	copy(buf[HeaderSize:], inputs)

	footer := buf[len(buf)-FooterSize:]
	binary.LittleEndian.PutUint32(footer[0:4], meta.FinalScore)
	binary.LittleEndian.PutUint32(footer[4:8], meta.FinalRngState)
	sum := crc32.ChecksumIEEE(buf[:len(buf)-FooterSize])
	binary.LittleEndian.PutUint32(footer[8:12], sum)
	return buf
}
