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

package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "proof-gateway/pkg/errors"
)

// PostgresStore PostgreSQL 实现，使用 gateway_records 表
type PostgresStore struct {
	pool *pgxpool.Pool
}

var recordSchema = []string{
	`CREATE TABLE IF NOT EXISTS gateway_records (
    key        text PRIMARY KEY,
    value      bytea NOT NULL,
    version    bigint NOT NULL DEFAULT 1,
    updated_at timestamptz NOT NULL DEFAULT now()
)`,
	// 旧表补列
	`ALTER TABLE gateway_records ADD COLUMN IF NOT EXISTS version bigint NOT NULL DEFAULT 1`,
}

// NewPostgresStore 创建基于 PostgreSQL 的记录存储并确保建表
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 postgres 失败: %w", err)
	}
	for _, stmt := range recordSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化 gateway_records 失败: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := s.GetVersioned(ctx, key)
	return v, err
}

func (s *PostgresStore) GetVersioned(ctx context.Context, key string) ([]byte, uint64, error) {
	var value []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT value, version FROM gateway_records WHERE key = $1`, key,
	).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "record %s", key)
		}
		return nil, 0, err
	}
	return value, uint64(version), nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gateway_records (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, version = gateway_records.version + 1, updated_at = now()`,
		key, value,
	)
	return err
}

func (s *PostgresStore) PutVersioned(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	if expected == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO gateway_records (key, value, version, updated_at) VALUES ($1, $2, 1, now())
			 ON CONFLICT (key) DO NOTHING`,
			key, value,
		)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() == 0 {
			return 0, pkgerrors.Wrapf(pkgerrors.ErrConflict, "record %s already exists", key)
		}
		return 1, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE gateway_records SET value = $2, version = version + 1, updated_at = now()
		 WHERE key = $1 AND version = $3`,
		key, value, int64(expected),
	)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, pkgerrors.Wrapf(pkgerrors.ErrConflict, "record %s version != %d", key, expected)
	}
	return expected + 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gateway_records WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, error) {
	q := `SELECT key FROM gateway_records WHERE key LIKE $1 || '%' AND key > $2 ORDER BY key`
	args := []interface{}{prefix, cursor}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
