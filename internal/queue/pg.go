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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue PostgreSQL 队列实现，使用 gateway_queue 表；
// 认领用 FOR UPDATE SKIP LOCKED，多 Worker 部署下仍保证单飞。
type PostgresQueue struct {
	pool *pgxpool.Pool
	opts Options
}

var queueSchema = []string{
	`CREATE TABLE IF NOT EXISTS gateway_queue (
    id         uuid PRIMARY KEY,
    queue      text NOT NULL,
    job_id     text NOT NULL,
    status     text NOT NULL DEFAULT 'pending',
    attempts   int  NOT NULL DEFAULT 0,
    visible_at timestamptz NOT NULL DEFAULT now(),
    claimed_at timestamptz,
    worker_id  text,
    created_at timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS gateway_queue_pending_idx ON gateway_queue (queue, status, visible_at)`,
}

// NewPostgresQueue 创建基于 PostgreSQL 的队列并确保建表
func NewPostgresQueue(ctx context.Context, dsn string, opts Options) (*PostgresQueue, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 postgres 失败: %w", err)
	}
	for _, stmt := range queueSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化 gateway_queue 失败: %w", err)
		}
	}
	return &PostgresQueue{pool: pool, opts: opts.withDefaults()}, nil
}

func (q *PostgresQueue) Send(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO gateway_queue (id, queue, job_id, status) VALUES ($1, $2, $3, 'pending')`,
		uuid.New().String(), q.opts.Name, jobID,
	)
	return err
}

func (q *PostgresQueue) Receive(ctx context.Context, workerID string) (*Message, error) {
	// 过期认领回收
	_, err := q.pool.Exec(ctx,
		`UPDATE gateway_queue SET status = 'pending', visible_at = now()
		 WHERE queue = $1 AND status = 'claimed' AND claimed_at < now() - $2::interval`,
		q.opts.Name, fmt.Sprintf("%d seconds", int(q.opts.VisibilityTimeout/time.Second)),
	)
	if err != nil {
		return nil, err
	}
	// 投递超限转死信
	_, err = q.pool.Exec(ctx,
		`UPDATE gateway_queue SET status = 'dead'
		 WHERE queue = $1 AND status = 'pending' AND attempts >= $2`,
		q.opts.Name, q.opts.MaxDeliveries,
	)
	if err != nil {
		return nil, err
	}

	var id, jobID string
	var attempts int
	err = q.pool.QueryRow(ctx,
		`WITH sel AS (
  SELECT id FROM gateway_queue
  WHERE queue = $1 AND status = 'pending' AND visible_at <= now()
    AND NOT EXISTS (SELECT 1 FROM gateway_queue WHERE queue = $1 AND status = 'claimed')
  ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
)
UPDATE gateway_queue SET status = 'claimed', attempts = attempts + 1, claimed_at = now(), worker_id = $2
FROM sel WHERE gateway_queue.id = sel.id
RETURNING gateway_queue.id, gateway_queue.job_id, gateway_queue.attempts`,
		q.opts.Name, workerID,
	).Scan(&id, &jobID, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Message{ID: id, JobID: jobID, Attempts: attempts}, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, msgID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM gateway_queue WHERE id = $1`, msgID)
	return err
}

func (q *PostgresQueue) Retry(ctx context.Context, msgID string, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE gateway_queue SET status = 'pending', visible_at = now() + $2::interval, worker_id = NULL
		 WHERE id = $1`,
		msgID, fmt.Sprintf("%d seconds", int(delay/time.Second)),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue %s: message %s not found", q.opts.Name, msgID)
	}
	return nil
}

func (q *PostgresQueue) ReceiveDead(ctx context.Context) (*Message, error) {
	var id, jobID string
	var attempts int
	err := q.pool.QueryRow(ctx,
		`WITH sel AS (
  SELECT id FROM gateway_queue WHERE queue = $1 AND status = 'dead'
  ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
)
DELETE FROM gateway_queue USING sel WHERE gateway_queue.id = sel.id
RETURNING gateway_queue.id, gateway_queue.job_id, gateway_queue.attempts`,
		q.opts.Name,
	).Scan(&id, &jobID, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Message{ID: id, JobID: jobID, Attempts: attempts}, nil
}

func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}
