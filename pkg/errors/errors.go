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

// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	// ErrBusy 单活跃槽位已被占用，新提交需等待当前 job 终止
	ErrBusy = errors.New("active job slot is taken")
	// ErrTerminal 记录已进入终态（succeeded/failed），不允许再变更
	ErrTerminal = errors.New("job record is terminal")
	// ErrConflict 条件写版本不符；调用方需重读后重试
	ErrConflict = errors.New("record version conflict")
)

// Is 透传 errors.Is，调用方无需同时导入标准库 errors
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传 errors.As
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New 透传 errors.New
func New(text string) error { return errors.New(text) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
