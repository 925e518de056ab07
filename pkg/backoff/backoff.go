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

// Package backoff 提供 proof/claim 两条管线共用的重试延迟计算
package backoff

import "time"

const (
	// Floor 最小重试延迟
	Floor = 2 * time.Second
	// DefaultCap 默认最大重试延迟
	DefaultCap = 60 * time.Second
)

// Delay 计算第 attempt 次重试前的等待时间：clamp(2^(attempt-1) 秒, Floor, cap)
// attempt 从 1 开始计；cap <= 0 时使用 DefaultCap。无抖动，保证可复现。
func Delay(attempt int, cap time.Duration) time.Duration {
	if cap <= 0 {
		cap = DefaultCap
	}
	if attempt < 1 {
		attempt = 1
	}
	// 指数部分先按秒数封顶，避免位移溢出
	secs := int64(1)
	for i := 1; i < attempt && secs < int64(cap/time.Second); i++ {
		secs *= 2
	}
	d := time.Duration(secs) * time.Second
	if d < Floor {
		d = Floor
	}
	if d > cap {
		d = cap
	}
	return d
}
