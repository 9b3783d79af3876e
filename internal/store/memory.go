package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory record lifecycle statuses.
const (
	MemoryActive     = "active"
	MemorySuperseded = "superseded"
)

// MemoryRecord is a durable fact extracted from conversations.
type MemoryRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"` // fact, preference, ...
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Scope      string    `json:"scope"` // "global" or a conversation/sender scope
	Source     string    `json:"source"`
	Slot       string    `json:"slot,omitempty"` // conflict key for superseding (e.g. "user.name")
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MemoryMatch pairs a record with its search score.
type MemoryMatch struct {
	MemoryRecord
	Score float64 `json:"score"`
}

// InsertMemory stores a new active record. If the record names a slot and an
// active record already occupies it, the older record is marked superseded in
// the same transaction.
func (s *Store) InsertMemory(rec *MemoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = MemoryActive
	}
	if rec.Scope == "" {
		rec.Scope = "global"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec.Slot != "" {
		if _, err := tx.Exec(
			`UPDATE memories SET status = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE slot = ? AND status = ?`,
			MemorySuperseded, rec.Slot, MemoryActive); err != nil {
			return fmt.Errorf("supersede slot %q: %w", rec.Slot, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO memories (id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Title, rec.Content, rec.Scope, rec.Source, rec.Slot,
		rec.Confidence, rec.Status, encodeVector(rec.Embedding), rec.CreatedAt); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return tx.Commit()
}

// SupersedeMemory marks old as superseded and inserts replacement atomically.
func (s *Store) SupersedeMemory(oldID string, replacement *MemoryRecord) error {
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if replacement.Status == "" {
		replacement.Status = MemoryActive
	}
	if replacement.Scope == "" {
		replacement.Scope = "global"
	}
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE memories SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		MemorySuperseded, oldID, MemoryActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("supersede %s: %w", oldID, ErrNotFound)
	}

	if _, err := tx.Exec(
		`INSERT INTO memories (id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		replacement.ID, replacement.Kind, replacement.Title, replacement.Content,
		replacement.Scope, replacement.Source, replacement.Slot, replacement.Confidence,
		replacement.Status, encodeVector(replacement.Embedding), replacement.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMemory loads one record.
func (s *Store) GetMemory(id string) (*MemoryRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at
		 FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// ActiveMemories returns every active record, newest first.
func (s *Store) ActiveMemories() ([]MemoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at
		 FROM memories WHERE status = ? ORDER BY created_at DESC`, MemoryActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SearchMemoryText matches active records whose content or title contains
// every term of the query, case-insensitively. Superseded records never
// surface.
func (s *Store) SearchMemoryText(query string, limit int) ([]MemoryMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(terms))
	args := []any{MemoryActive}
	for _, t := range terms {
		clauses = append(clauses, `(instr(lower(content), ?) > 0 OR instr(lower(title), ?) > 0)`)
		args = append(args, t, t)
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at
		 FROM memories WHERE status = ? AND %s ORDER BY created_at DESC LIMIT ?`,
		strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryMatch, 0, len(recs))
	for _, r := range recs {
		out = append(out, MemoryMatch{MemoryRecord: r, Score: r.Confidence})
	}
	return out, nil
}

// SearchMemoryVector ranks active records by cosine similarity against the
// query embedding. Records without embeddings are skipped.
func (s *Store) SearchMemoryVector(query []float32, limit int) ([]MemoryMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT id, kind, title, content, scope, source, slot, confidence, status, embedding, created_at
		 FROM memories WHERE status = ? AND embedding IS NOT NULL`, MemoryActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}

	matches := make([]MemoryMatch, 0, len(recs))
	for _, r := range recs {
		score, ok := cosineSimilarity(query, r.Embedding)
		if !ok {
			continue
		}
		matches = append(matches, MemoryMatch{MemoryRecord: r, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ClearEmbeddings drops every stored embedding. Called when the embedding
// provider's dimensions change; records are re-embedded lazily afterwards.
func (s *Store) ClearEmbeddings() error {
	_, err := s.db.Exec(`UPDATE memories SET embedding = NULL`)
	return err
}

// SetMemoryEmbedding backfills an embedding onto an existing record.
func (s *Store) SetMemoryEmbedding(id string, embedding []float32) error {
	res, err := s.db.Exec(`UPDATE memories SET embedding = ? WHERE id = ?`, encodeVector(embedding), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*MemoryRecord, error) {
	var r MemoryRecord
	var embedding []byte
	if err := row.Scan(&r.ID, &r.Kind, &r.Title, &r.Content, &r.Scope, &r.Source,
		&r.Slot, &r.Confidence, &r.Status, &embedding, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Embedding = decodeVector(embedding)
	return &r, nil
}

func collectMemories(rows *sql.Rows) ([]MemoryRecord, error) {
	var out []MemoryRecord
	for rows.Next() {
		r, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
