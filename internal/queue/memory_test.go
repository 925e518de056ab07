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
	"testing"
	"time"
)

func TestMemoryQueue_SingleFlight(t *testing.T) {
	q := NewMemoryQueue(Options{Name: ProofQueue})
	ctx := context.Background()

	_ = q.Send(ctx, "job-1")
	_ = q.Send(ctx, "job-2")

	m1, err := q.Receive(ctx, "w1")
	if err != nil || m1 == nil {
		t.Fatalf("Receive: %v, %v", m1, err)
	}
	if m1.JobID != "job-1" || m1.Attempts != 1 {
		t.Errorf("m1 = %+v", m1)
	}

	// 未 Ack 前不得投递第二条
	m2, err := q.Receive(ctx, "w1")
	if err != nil || m2 != nil {
		t.Errorf("second Receive while in flight = %+v, %v", m2, err)
	}

	if err := q.Ack(ctx, m1.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	m2, _ = q.Receive(ctx, "w1")
	if m2 == nil || m2.JobID != "job-2" {
		t.Errorf("after Ack = %+v", m2)
	}
}

func TestMemoryQueue_RetryDelaysRedelivery(t *testing.T) {
	q := NewMemoryQueue(Options{Name: ProofQueue})
	base := time.Now()
	now := base
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_ = q.Send(ctx, "job-1")
	m, _ := q.Receive(ctx, "w1")
	if m == nil {
		t.Fatal("expected message")
	}
	if err := q.Retry(ctx, m.ID, 4*time.Second); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if m, _ := q.Receive(ctx, "w1"); m != nil {
		t.Errorf("message visible before delay: %+v", m)
	}
	now = base.Add(5 * time.Second)
	m2, _ := q.Receive(ctx, "w1")
	if m2 == nil || m2.Attempts != 2 {
		t.Errorf("redelivery = %+v", m2)
	}
}

func TestMemoryQueue_DeadLetterAfterMaxDeliveries(t *testing.T) {
	q := NewMemoryQueue(Options{Name: ClaimQueue, MaxDeliveries: 2})
	ctx := context.Background()
	_ = q.Send(ctx, "job-1")

	for i := 0; i < 2; i++ {
		m, _ := q.Receive(ctx, "w1")
		if m == nil {
			t.Fatalf("delivery %d missing", i+1)
		}
		_ = q.Retry(ctx, m.ID, 0)
	}
	// 第三次投递超限，应转入死信
	if m, _ := q.Receive(ctx, "w1"); m != nil {
		t.Errorf("over-limit message delivered: %+v", m)
	}
	dead, err := q.ReceiveDead(ctx)
	if err != nil || dead == nil || dead.JobID != "job-1" {
		t.Errorf("ReceiveDead = %+v, %v", dead, err)
	}
	// 死信只取一次
	if d2, _ := q.ReceiveDead(ctx); d2 != nil {
		t.Errorf("second ReceiveDead = %+v", d2)
	}
}

func TestMemoryQueue_VisibilityTimeoutReclaims(t *testing.T) {
	q := NewMemoryQueue(Options{Name: ProofQueue, VisibilityTimeout: time.Minute})
	base := time.Now()
	now := base
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_ = q.Send(ctx, "job-1")
	m, _ := q.Receive(ctx, "w1")
	if m == nil {
		t.Fatal("expected message")
	}
	// Worker 崩溃，无 Ack；超时后重新可见
	now = base.Add(2 * time.Minute)
	m2, _ := q.Receive(ctx, "w2")
	if m2 == nil || m2.JobID != "job-1" || m2.Attempts != 2 {
		t.Errorf("reclaimed = %+v", m2)
	}
}
