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

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memStatus int

const (
	memPending memStatus = iota
	memClaimed
	memDead
)

type memMessage struct {
	id        string
	jobID     string
	attempts  int
	status    memStatus
	visibleAt time.Time
	claimedAt time.Time
	seq       int64
}

// MemoryQueue 内存队列实现（单进程部署与测试）
type MemoryQueue struct {
	opts Options
	mu   sync.Mutex
	msgs map[string]*memMessage
	seq  int64
	now  func() time.Time
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		msgs: make(map[string]*memMessage),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Send(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := uuid.New().String()
	q.msgs[id] = &memMessage{
		id:        id,
		jobID:     jobID,
		visibleAt: q.now(),
		seq:       q.seq,
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, workerID string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	// 过期认领回收：视为一次失败投递
	for _, m := range q.msgs {
		if m.status == memClaimed && now.Sub(m.claimedAt) > q.opts.VisibilityTimeout {
			m.status = memPending
			m.visibleAt = now
		}
	}
	// 单飞：仍有消息在处理中则不投递
	for _, m := range q.msgs {
		if m.status == memClaimed {
			return nil, nil
		}
	}

	for {
		var next *memMessage
		for _, m := range q.msgs {
			if m.status != memPending || m.visibleAt.After(now) {
				continue
			}
			if next == nil || m.seq < next.seq {
				next = m
			}
		}
		if next == nil {
			return nil, nil
		}
		next.attempts++
		if next.attempts > q.opts.MaxDeliveries {
			next.status = memDead
			continue
		}
		next.status = memClaimed
		next.claimedAt = now
		return &Message{ID: next.id, JobID: next.jobID, Attempts: next.attempts}, nil
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.msgs, msgID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, msgID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[msgID]
	if !ok {
		return fmt.Errorf("queue %s: message %s not found", q.opts.Name, msgID)
	}
	m.status = memPending
	m.visibleAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) ReceiveDead(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next *memMessage
	for _, m := range q.msgs {
		if m.status != memDead {
			continue
		}
		if next == nil || m.seq < next.seq {
			next = m
		}
	}
	if next == nil {
		return nil, nil
	}
	delete(q.msgs, next.id)
	return &Message{ID: next.id, JobID: next.jobID, Attempts: next.attempts}, nil
}

func (q *MemoryQueue) Close() error { return nil }
