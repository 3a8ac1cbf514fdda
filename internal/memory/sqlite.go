package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/furina/internal/embeddings"
)

// DB is a SQLite database holding the memory collections of every
// companion.
type DB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the memory database at dbPath.
func OpenSQLite(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		document TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		embedding BLOB,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(collection, seq);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Collection returns the Store for one named collection.
func (d *DB) Collection(name string, embedder embeddings.Embedder) *SQLiteStore {
	if embedder == nil {
		embedder = embeddings.NewHashing(0)
	}
	return &SQLiteStore{db: d.db, collection: name, embedder: embedder}
}

// SQLiteStore is a Store persisted in SQLite. Similarity is computed
// in process over the collection's stored vectors.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	embedder   embeddings.Embedder
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]string, len(entries))
	for i, e := range entries {
		docs[i] = e.Document
	}
	vectors, err := s.embedder.Embed(ctx, docs)
	if err != nil {
		return storeErr("upsert", fmt.Errorf("embed documents: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (collection, id, document, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			document = excluded.document,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return storeErr("upsert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, e := range entries {
		meta, err := encodeMeta(e.Metadata)
		if err != nil {
			return storeErr("upsert", err)
		}
		if _, err := stmt.ExecContext(ctx, s.collection, e.ID, e.Document, meta, encodeVector(vectors[i]), now, now); err != nil {
			return storeErr("upsert", fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return storeErr("upsert", tx.Commit())
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, text string, k int) ([]Result, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, storeErr("query", fmt.Errorf("embed query: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document, metadata, embedding FROM memories
		WHERE collection = ? ORDER BY seq`, s.collection)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	var (
		entries    []Entry
		candidates [][]float32
	)
	for rows.Next() {
		var (
			e    Entry
			meta string
			blob []byte
		)
		if err := rows.Scan(&e.ID, &e.Document, &meta, &blob); err != nil {
			return nil, storeErr("query", err)
		}
		if e.Metadata, err = decodeMeta(meta); err != nil {
			return nil, storeErr("query", err)
		}
		entries = append(entries, e)
		candidates = append(candidates, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", err)
	}

	return rank(vectors[0], entries, candidates, k), nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, where map[string]string) ([]Entry, error) {
	var (
		clauses = []string{"collection = ?"}
		args    = []any{s.collection}
	)
	for k, v := range where {
		clauses = append(clauses, "json_extract(metadata, ?) = ?")
		args = append(args, jsonPath(k), v)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document, metadata FROM memories WHERE "+strings.Join(clauses, " AND ")+" ORDER BY seq",
		args...)
	if err != nil {
		return nil, storeErr("get", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			meta string
		)
		if err := rows.Scan(&e.ID, &e.Document, &meta); err != nil {
			return nil, storeErr("get", err)
		}
		if e.Metadata, err = decodeMeta(meta); err != nil {
			return nil, storeErr("get", err)
		}
		out = append(out, e)
	}
	return out, storeErr("get", rows.Err())
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.collection)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE collection = ? AND id IN ("+placeholders+")", args...)
	return storeErr("delete", err)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE collection = ?", s.collection).Scan(&n)
	if err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// jsonPath quotes a metadata key as a JSON path member so keys with
// dots or brackets match literally.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
