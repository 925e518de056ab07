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

import "strings"

// Severity relayer 错误分级
type Severity int

const (
	// Transient 瞬时错误，退避后重试
	Transient Severity = iota
	// Fatal 合约级错误，重试无意义
	Fatal
)

// fatalMarkers 合约拒绝与账户配置问题（大小写不敏感）
var fatalMarkers = []string{
	"hosterror: error(contract, #",
	"trustline",
	"account not found",
	"missing account",
}

// transientMarkers 网络与 relayer 内部故障
var transientMarkers = []string{
	"network",
	"fetch",
	"timeout",
	"timed out",
	"connection",
	"rpc request failed",
	"internal error; reference =",
	"simulation_failed",
}

// Classify 按 relayer 错误文案分级。先匹配致命子串，再匹配瞬时子串；
// 未知错误按瞬时处理，由重试上限兜底。
func Classify(err error) Severity {
	if err == nil {
		return Transient
	}
	lower := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(lower, m) {
			return Fatal
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return Transient
		}
	}
	return Transient
}
