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

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/pipewise-ai/pipewise/pkg/core"
)

// PostgresStore is the persistent backend: a durable table mirroring
// MemoryRecord, with `tags text[]`, `content jsonb`, and `metadata
// jsonb` columns carrying GIN indices (schema assumed pre-existing;
// this store only issues DML). Registered as the Store the Memory
// Manager uses for save_persistent and archival.
//
// Expected schema:
//
//	CREATE TABLE memory_records (
//	    id          text PRIMARY KEY,
//	    agent_id    text NOT NULL,
//	    workflow_id text NOT NULL,
//	    content     jsonb NOT NULL,
//	    tags        text[] NOT NULL DEFAULT '{}',
//	    metadata    jsonb NOT NULL DEFAULT '{}',
//	    created_at  timestamptz NOT NULL,
//	    updated_at  timestamptz NOT NULL
//	);
//	CREATE INDEX memory_records_tags_gin ON memory_records USING gin (tags);
//	CREATE INDEX memory_records_content_gin ON memory_records USING gin (content);
//	CREATE INDEX memory_records_metadata_gin ON memory_records USING gin (metadata);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (driver "postgres",
// registered by importing github.com/lib/pq).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, r core.MemoryRecord) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_records (id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			updated_at = GREATEST(memory_records.updated_at, EXCLUDED.updated_at)`,
		r.ID, r.AgentID, string(r.WorkflowID), content, pq.Array(r.Tags), metadata, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save memory record %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (core.MemoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at
		FROM memory_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return core.MemoryRecord{}, false, nil
	}
	if err != nil {
		return core.MemoryRecord{}, false, fmt.Errorf("get memory record %s: %w", id, err)
	}
	return r, true, nil
}

func (s *PostgresStore) Query(ctx context.Context, filter core.QueryFilter) ([]core.MemoryRecord, error) {
	query := `SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at FROM memory_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.AgentID != "" {
		query += " AND agent_id = " + arg(filter.AgentID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = " + arg(string(filter.WorkflowID))
	}
	if filter.TenantID != "" {
		query += " AND metadata @> " + arg(metadataTenantFilter(filter.TenantID))
	}
	if len(filter.Tags) > 0 {
		query += " AND tags @> " + arg(pq.Array(filter.Tags))
	}
	if filter.ContentKey != "" {
		query += " AND content ? " + arg(filter.ContentKey)
	}
	if filter.MetadataKey != "" {
		if filter.MetadataValue != nil {
			b, err := json.Marshal(map[string]any{filter.MetadataKey: filter.MetadataValue})
			if err != nil {
				return nil, fmt.Errorf("marshal metadata filter: %w", err)
			}
			query += " AND metadata @> " + arg(string(b))
		} else {
			query += " AND metadata ? " + arg(filter.MetadataKey)
		}
	}
	if !filter.CreatedAfter.IsZero() {
		query += " AND created_at >= " + arg(filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query += " AND created_at <= " + arg(filter.CreatedBefore)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close()

	var out []core.MemoryRecord
	for rows.Next() {
		r, err := scanRowsRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory record %s: %w", id, err)
	}
	return nil
}

// CleanupExpired is a no-op for the persistent store: persistent records
// carry no expires_at column (MemoryRecord's §3 invariant — "absent for
// persistent").
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func metadataTenantFilter(tenant string) string {
	b, _ := json.Marshal(map[string]any{"tenant_id": tenant})
	return string(b)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (core.MemoryRecord, error) {
	return scanGeneric(row)
}

func scanRowsRecord(rows *sql.Rows) (core.MemoryRecord, error) {
	return scanGeneric(rows)
}

func scanGeneric(s scanner) (core.MemoryRecord, error) {
	var r core.MemoryRecord
	var workflowID string
	var content, metadata []byte
	var tags pq.StringArray
	if err := s.Scan(&r.ID, &r.AgentID, &workflowID, &content, &tags, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return core.MemoryRecord{}, err
	}
	r.WorkflowID = core.WorkflowID(workflowID)
	r.Tags = []string(tags)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &r.Content); err != nil {
			return core.MemoryRecord{}, fmt.Errorf("unmarshal content: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return core.MemoryRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
