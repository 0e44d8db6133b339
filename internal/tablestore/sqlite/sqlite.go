// Copyright 2025 Tom Barlow
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

// Package sqlite provides a SQLite tablestore for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bifrosthq/bifrost/internal/tablestore"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ tablestore.Store = (*Store)(nil)
	_ tablestore.Table = (*table)(nil)
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path (":memory:" for tests).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite tablestore.
type Store struct {
	db     *sql.DB
	tables map[string]*table
}

// New creates a SQLite store and migrates the declared tables.
func New(cfg Config, specs ...tablestore.TableSpec) (*Store, error) {
	// Open database connection
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, tables: make(map[string]*table)}

	// Configure SQLite pragmas
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	// Run migrations
	if err := s.migrate(ctx, specs); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	for _, spec := range specs {
		s.tables[spec.Name] = &table{db: db, name: spec.Name}
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate creates the declared tables and their expression indexes.
func (s *Store) migrate(ctx context.Context, specs []tablestore.TableSpec) error {
	var migrations []string
	for _, spec := range specs {
		if !identRe.MatchString(spec.Name) {
			return fmt.Errorf("invalid table name %q", spec.Name)
		}
		migrations = append(migrations, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			document TEXT NOT NULL,
			etag INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (partition_key, row_key)
		)`, spec.Name))

		for _, field := range spec.IndexFields {
			if !identRe.MatchString(field) {
				return fmt.Errorf("invalid index field %q on table %s", field, spec.Name)
			}
			migrations = append(migrations, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (json_extract(document, '$.%s'))`,
				spec.Name, field, spec.Name, field))
		}
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Table returns the named table handle.
func (s *Store) Table(name string) tablestore.Table {
	t, ok := s.tables[name]
	if !ok {
		panic(fmt.Sprintf("tablestore: table %q not declared", name))
	}
	return t
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type table struct {
	db   *sql.DB
	name string
}

// Insert stores a new entity.
func (t *table) Insert(ctx context.Context, partition, rowKey string, doc map[string]any) (*tablestore.Entity, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO %s (partition_key, row_key, document, etag, updated_at) VALUES (?, ?, ?, 1, ?)`,
		t.name)

	_, err = t.db.ExecContext(ctx, query, partition, rowKey, string(docJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, tablestore.ErrEntityExists
		}
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}

	return &tablestore.Entity{
		Partition: partition,
		RowKey:    rowKey,
		Document:  doc,
		ETag:      1,
		UpdatedAt: now,
	}, nil
}

// Get retrieves an entity.
func (t *table) Get(ctx context.Context, partition, rowKey string) (*tablestore.Entity, error) {
	query := fmt.Sprintf(
		`SELECT document, etag, updated_at FROM %s WHERE partition_key = ? AND row_key = ?`,
		t.name)

	var docJSON, updatedAt string
	var etag int64
	err := t.db.QueryRowContext(ctx, query, partition, rowKey).Scan(&docJSON, &etag, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tablestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return scanEntity(partition, rowKey, docJSON, etag, updatedAt)
}

// Update replaces an entity's document with an optional etag check.
func (t *table) Update(ctx context.Context, partition, rowKey string, doc map[string]any, ifMatch int64) (*tablestore.Entity, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(
		`UPDATE %s SET document = ?, etag = etag + 1, updated_at = ?
		 WHERE partition_key = ? AND row_key = ? AND (? = 0 OR etag = ?)`,
		t.name)

	result, err := t.db.ExecContext(ctx, query,
		string(docJSON), now.Format(time.RFC3339Nano), partition, rowKey, ifMatch, ifMatch)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		// Distinguish a lost race from a missing entity.
		if _, err := t.Get(ctx, partition, rowKey); err != nil {
			return nil, err
		}
		return nil, tablestore.ErrConflict
	}

	return t.Get(ctx, partition, rowKey)
}

// Upsert stores an entity unconditionally.
func (t *table) Upsert(ctx context.Context, partition, rowKey string, doc map[string]any) (*tablestore.Entity, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (partition_key, row_key, document, etag, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			document = excluded.document,
			etag = %s.etag + 1,
			updated_at = excluded.updated_at
	`, t.name, t.name)

	_, err = t.db.ExecContext(ctx, query, partition, rowKey, string(docJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	return t.Get(ctx, partition, rowKey)
}

// Delete removes an entity.
func (t *table) Delete(ctx context.Context, partition, rowKey string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE partition_key = ? AND row_key = ?`, t.name)

	result, err := t.db.ExecContext(ctx, query, partition, rowKey)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return tablestore.ErrNotFound
	}
	return nil
}

// Query scans a partition in row key order.
func (t *table) Query(ctx context.Context, partition string, opts tablestore.QueryOptions) (*tablestore.QueryResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = tablestore.DefaultQueryLimit
	}

	query := fmt.Sprintf(
		`SELECT row_key, document, etag, updated_at FROM %s WHERE partition_key = ?`, t.name)
	args := []any{partition}

	if opts.Prefix != "" {
		query += ` AND row_key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix)+"%")
	}

	if opts.ContinuationToken != "" {
		resumeAfter, err := tablestore.DecodeContinuation(opts.ContinuationToken)
		if err != nil {
			return nil, err
		}
		if opts.Reverse {
			query += ` AND row_key < ?`
		} else {
			query += ` AND row_key > ?`
		}
		args = append(args, resumeAfter)
	}

	// Field filters hit the expression indexes declared in the table spec.
	fields := sortedKeys(opts.FieldEquals)
	for _, field := range fields {
		if !identRe.MatchString(field) {
			return nil, fmt.Errorf("invalid field filter %q", field)
		}
		query += fmt.Sprintf(` AND json_extract(document, '$.%s') = ?`, field)
		args = append(args, opts.FieldEquals[field])
	}

	if opts.Reverse {
		query += ` ORDER BY row_key DESC`
	} else {
		query += ` ORDER BY row_key ASC`
	}

	// Fetch one beyond the limit to learn whether more rows remain.
	query += ` LIMIT ?`
	args = append(args, limit+1)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	result := &tablestore.QueryResult{}
	for rows.Next() {
		var rowKey, docJSON, updatedAt string
		var etag int64
		if err := rows.Scan(&rowKey, &docJSON, &etag, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entity, err := scanEntity(partition, rowKey, docJSON, etag, updatedAt)
		if err != nil {
			return nil, err
		}
		result.Entities = append(result.Entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	if len(result.Entities) > limit {
		result.Entities = result.Entities[:limit]
		result.ContinuationToken = tablestore.EncodeContinuation(result.Entities[limit-1].RowKey)
	}

	return result, nil
}

// Helper functions

// scanEntity reconstructs an Entity from scanned columns.
func scanEntity(partition, rowKey, docJSON string, etag int64, updatedAt string) (*tablestore.Entity, error) {
	entity := &tablestore.Entity{
		Partition: partition,
		RowKey:    rowKey,
		ETag:      etag,
	}
	if err := json.Unmarshal([]byte(docJSON), &entity.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	entity.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return entity, nil
}

// escapeLike escapes LIKE wildcards so prefixes containing underscores
// match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// isUniqueViolation reports whether an error is a primary key collision.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sortedKeys returns map keys in deterministic order for stable SQL.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
