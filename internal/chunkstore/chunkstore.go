// Package chunkstore splits oversized text/JSON payloads into size-bounded,
// optionally-compressed chunks and transparently reassembles them, behind an
// opaque reference token. It is the engine's large-content store (C3).
package chunkstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/jsonstage/jsonstage/internal/log"
	"github.com/jsonstage/jsonstage/internal/util"
)

const (
	// ChunkThreshold is the size above which a value is a chunking candidate.
	ChunkThreshold = 32 * 1024
	// ChunkSize is the size of each stored slice.
	ChunkSize = 16 * 1024
	// CompressMin is the size above which compression is attempted.
	CompressMin = 8 * 1024

	// TokenPrefix marks a stored cell as a chunk reference.
	TokenPrefix = "__CHUNKED__:"
	idPrefix    = "chunk_"

	gzipBase64Encoding = "gzip+base64"
)

// ContentType tags what kind of text was chunked, for introspection only.
type ContentType string

const (
	ContentJSON ContentType = "json"
	ContentText ContentType = "text"
)

// Priority is a schema-descriptor field rule's chunking priority (§4.3).
type Priority string

const (
	PriorityNever     Priority = "never"
	PriorityAlways    Priority = "always"
	PrioritySizeBased Priority = "size-based"
)

// FieldRule overrides the default chunking threshold for one field.
type FieldRule struct {
	Priority  Priority
	Threshold int // zero means "use the default threshold"
}

// Store owns the content_chunks/chunk_metadata tables inside a staging
// compartment's *sql.DB.
type Store struct {
	db          *sql.DB
	compress    bool
	threshold   int
	chunkSize   int
	compressMin int
	logger      log.Logger
}

// New returns a Store bound to db using the package default thresholds.
// compress enables gzip for payloads larger than CompressMin.
func New(db *sql.DB, compress bool, logger log.Logger) *Store {
	return NewWithThresholds(db, compress, ChunkThreshold, ChunkSize, CompressMin, logger)
}

// NewWithThresholds is New with the three size constants overridable, for a
// Config that tunes them away from the spec's stated defaults. A zero value
// for any of threshold/chunkSize/compressMin falls back to the package
// default.
func NewWithThresholds(db *sql.DB, compress bool, threshold, chunkSize, compressMin int, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if threshold <= 0 {
		threshold = ChunkThreshold
	}
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	if compressMin <= 0 {
		compressMin = CompressMin
	}
	return &Store{db: db, compress: compress, threshold: threshold, chunkSize: chunkSize, compressMin: compressMin, logger: logger}
}

// EnsureSchema creates the two system tables and their indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS content_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_data BLOB,
			chunk_size INTEGER NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(content_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_metadata (
			content_id TEXT PRIMARY KEY,
			total_chunks INTEGER NOT NULL,
			original_size INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			encoding TEXT,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_chunks_lookup ON content_chunks(content_id, chunk_index)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_metadata_size ON chunk_metadata(original_size)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return util.NewStagingError("unable to create chunk store schema", err)
		}
	}
	return nil
}

// MaybeChunk stores content if it's over threshold (default or field-rule
// overridden) and returns the replacement value plus whether chunking
// happened. Callers that keep the returned value literally as-is when
// wasChunked is false pay no chunk-store cost at all (R2).
func (s *Store) MaybeChunk(ctx context.Context, content string, ct ContentType, rule *FieldRule) (value string, wasChunked bool, err error) {
	threshold := s.threshold
	if rule != nil {
		if rule.Priority == PriorityNever {
			return content, false, nil
		}
		if rule.Threshold > 0 {
			threshold = rule.Threshold
		}
	}
	if len(content) <= threshold {
		return content, false, nil
	}
	token, err := s.store(ctx, content, ct)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *Store) store(ctx context.Context, content string, ct ContentType) (string, error) {
	contentID := idPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
	originalSize := len(content)

	payload := []byte(content)
	compressed := false
	var encoding sql.NullString
	if s.compress && originalSize > s.compressMin {
		if gz, ok := gzipCompress(payload); ok && len(gz) < len(payload) {
			payload = gz
			compressed = true
			encoding = sql.NullString{String: gzipBase64Encoding, Valid: true}
		}
	}
	if compressed {
		payload = []byte(base64.StdEncoding.EncodeToString(payload))
	}

	total := (len(payload) + s.chunkSize - 1) / s.chunkSize
	if total == 0 {
		total = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", util.NewStagingError("unable to begin chunk write", err)
	}
	defer tx.Rollback()

	for i := 0; i < total; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_chunks(content_id, chunk_index, chunk_data, chunk_size) VALUES (?, ?, ?, ?)`,
			contentID, i, chunk, len(chunk)); err != nil {
			return "", util.NewStagingError("unable to write chunk record", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunk_metadata(content_id, total_chunks, original_size, content_type, compressed, encoding) VALUES (?, ?, ?, ?, ?, ?)`,
		contentID, total, originalSize, string(ct), boolToInt(compressed), encoding); err != nil {
		return "", util.NewStagingError("unable to write chunk metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return "", util.NewStagingError("unable to commit chunk write", err)
	}

	s.logger.DebugContext(ctx, "chunked oversized field", "content_id", contentID, "chunks", total, "original_size", originalSize, "compressed", compressed)
	return TokenPrefix + contentID, nil
}

// IsToken reports whether v looks like a chunk reference token.
func IsToken(v string) bool {
	return strings.HasPrefix(v, TokenPrefix)
}

// errNotFound marks a chunk error as "no metadata for this content id",
// distinct from a corrupt chunk set (mismatched chunk count, bad
// compression envelope). IsNotFound unwraps to it.
var errNotFound = errors.New("chunk metadata not found")

// IsNotFound reports whether err (as returned by Get) means no chunk
// metadata exists for the token, as opposed to a corrupt chunk set.
// Callers that need to tell MissingChunkContent apart from CorruptChunkSet
// (§7) use this rather than string-matching the error text.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// Get reconstitutes the original string behind a chunk reference token.
// It returns util.CategoryChunk errors for both missing metadata and a
// corrupt chunk set, per §7; use IsNotFound to tell them apart.
func (s *Store) Get(ctx context.Context, token string) (string, error) {
	contentID, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return "", util.NewChunkError("not a chunk reference token", nil)
	}

	var total, originalSize, compressedInt int
	var contentType string
	var encoding sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT total_chunks, original_size, content_type, compressed, encoding FROM chunk_metadata WHERE content_id = ?`,
		contentID).Scan(&total, &originalSize, &contentType, &compressedInt, &encoding)
	if errors.Is(err, sql.ErrNoRows) {
		return "", util.NewChunkError(fmt.Sprintf("no metadata for content id %q", contentID), errNotFound)
	}
	if err != nil {
		return "", util.NewExecutionError("unable to read chunk metadata", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_data FROM content_chunks WHERE content_id = ? ORDER BY chunk_index ASC`, contentID)
	if err != nil {
		return "", util.NewExecutionError("unable to read chunk records", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	count := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return "", util.NewExecutionError("unable to scan chunk record", err)
		}
		buf.Write(data)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", util.NewExecutionError("error iterating chunk records", err)
	}
	if count != total {
		return "", util.NewChunkError(fmt.Sprintf("expected %d chunks for %q, found %d", total, contentID, count), nil)
	}

	payload := buf.Bytes()
	if compressedInt != 0 {
		decoded, err := base64.StdEncoding.DecodeString(buf.String())
		if err != nil {
			return "", util.NewChunkError("corrupt base64 chunk payload", err)
		}
		raw, err := gzipDecompress(decoded)
		if err != nil {
			return "", util.NewChunkError("corrupt gzip chunk payload", err)
		}
		payload = raw
	}
	return string(payload), nil
}

// Stats summarises the chunk store for chunking_stats() (§6).
type Stats struct {
	Metadata         MetadataStats `json:"metadata"`
	Chunks           ChunkStats    `json:"chunks"`
	CompressionRatio float64       `json:"compression_ratio"`
}

type MetadataStats struct {
	TotalChunkedItems int     `json:"total_chunked_items"`
	TotalOriginalSize int64   `json:"total_original_size"`
	AvgOriginalSize   float64 `json:"avg_original_size"`
	TotalChunks       int64   `json:"total_chunks"`
	CompressedItems   int     `json:"compressed_items"`
}

type ChunkStats struct {
	TotalChunkRecords int64   `json:"total_chunk_records"`
	TotalStoredSize   int64   `json:"total_stored_size"`
	AvgChunkSize      float64 `json:"avg_chunk_size"`
}

// Stats computes chunking_stats(). Every field defaults to zero on an empty
// store rather than erroring.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var out Stats

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(original_size),0), COALESCE(SUM(total_chunks),0), COALESCE(SUM(compressed),0) FROM chunk_metadata`)
	var items int
	var totalOriginal, totalChunks int64
	var compressedItems int
	if err := row.Scan(&items, &totalOriginal, &totalChunks, &compressedItems); err != nil {
		return out, util.NewExecutionError("unable to summarise chunk metadata", err)
	}
	out.Metadata = MetadataStats{
		TotalChunkedItems: items,
		TotalOriginalSize: totalOriginal,
		TotalChunks:       totalChunks,
		CompressedItems:   compressedItems,
	}
	if items > 0 {
		out.Metadata.AvgOriginalSize = float64(totalOriginal) / float64(items)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(chunk_size),0) FROM content_chunks`)
	var chunkRecords, storedSize int64
	if err := row.Scan(&chunkRecords, &storedSize); err != nil {
		return out, util.NewExecutionError("unable to summarise chunk records", err)
	}
	out.Chunks = ChunkStats{TotalChunkRecords: chunkRecords, TotalStoredSize: storedSize}
	if chunkRecords > 0 {
		out.Chunks.AvgChunkSize = float64(storedSize) / float64(chunkRecords)
	}
	if totalOriginal > 0 {
		out.CompressionRatio = float64(storedSize) / float64(totalOriginal)
	}

	return out, nil
}

func gzipCompress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, false
	}
	if err := gw.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func gzipDecompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
