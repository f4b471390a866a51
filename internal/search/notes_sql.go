package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/store"
)

// SQLNotes implements Searcher directly over the revision pages table. It is
// the fallback when Meilisearch is not configured or unhealthy.
type SQLNotes struct {
	db *store.DB
}

func NewSQLNotes(db *store.DB) *SQLNotes {
	return &SQLNotes{db: db}
}

// Healthy always returns true; if the database is down, the whole app is down.
func (s *SQLNotes) Healthy() bool {
	return true
}

type pageRow struct {
	proofID   string
	versionID string
	sequence  int
	page      int
	list      []annotation.Annotation
}

// Search narrows candidate pages with a case-insensitive LIKE over the stored
// JSON, then matches note texts exactly. Results are ordered by proof, newest
// revision first, then page.
func (s *SQLNotes) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	rows, err := s.loadPages(ctx, q.ProofID, likePattern(needle))
	if err != nil {
		return nil, 0, err
	}

	var matched []Result
	for _, row := range rows {
		if r, ok := matchPage(row, needle); ok {
			matched = append(matched, r)
		}
	}

	total := len(matched)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// LoadAllRecords returns every searchable revision page for full reindexing.
func (s *SQLNotes) LoadAllRecords(ctx context.Context) ([]NoteRecord, error) {
	rows, err := s.loadPages(ctx, "", "")
	if err != nil {
		return nil, err
	}
	records := make([]NoteRecord, 0, len(rows))
	for _, row := range rows {
		if rec, ok := NewNoteRecord(row.proofID, row.versionID, row.sequence, row.page, row.list); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *SQLNotes) loadPages(ctx context.Context, proofID, pattern string) ([]pageRow, error) {
	var (
		where []string
		args  []any
	)
	if pattern != "" {
		args = append(args, pattern)
		where = append(where, fmt.Sprintf("LOWER(a.data_json) LIKE $%d ESCAPE '\\'", len(args)))
	}
	if proofID != "" {
		args = append(args, proofID)
		where = append(where, fmt.Sprintf("v.proof_id = $%d", len(args)))
	}
	query := `SELECT v.proof_id, v.id, v.sequence_number, a.page, a.data_json
		FROM version_annotations a
		JOIN proof_versions v ON v.id = a.version_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY v.proof_id, v.sequence_number DESC, a.page"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query note pages: %w", err)
	}
	defer rows.Close()

	var out []pageRow
	for rows.Next() {
		var (
			row pageRow
			raw string
		)
		if err := rows.Scan(&row.proofID, &row.versionID, &row.sequence, &row.page, &raw); err != nil {
			return nil, fmt.Errorf("scan note page: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &row.list); err != nil {
			return nil, fmt.Errorf("decode note page %s/%d: %w", row.versionID, row.page, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note pages: %w", err)
	}
	return out, nil
}

// likePattern returns the LIKE prefilter for needle, or "" when no prefilter
// applies: the JSON encoding may differ from the text, or the database may not
// fold the case of non-ASCII letters.
func likePattern(needle string) string {
	if strings.ContainsAny(needle, "<>&\"\\") {
		return ""
	}
	for _, r := range needle {
		if r < 0x20 || r >= 0x80 {
			return ""
		}
	}
	escaped := strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(needle)
	return "%" + escaped + "%"
}

func matchPage(row pageRow, needle string) (Result, bool) {
	r := Result{
		ProofID:       row.proofID,
		VersionID:     row.versionID,
		Sequence:      row.sequence,
		Page:          row.page,
		AnnotationIDs: []string{},
	}
	for _, a := range row.list {
		if !strings.Contains(strings.ToLower(a.Text), needle) {
			continue
		}
		r.AnnotationIDs = append(r.AnnotationIDs, a.ID)
		if r.Snippet == "" {
			r.Snippet = highlight(a.Text, needle)
		}
	}
	return r, len(r.AnnotationIDs) > 0
}

// highlight wraps the first case-insensitive occurrence of needle in <mark>
// tags, the same markers the Meilisearch path uses.
func highlight(text, needle string) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, needle)
	if i < 0 || len(lower) != len(text) {
		return text
	}
	j := i + len(needle)
	return text[:i] + "<mark>" + text[i:j] + "</mark>" + text[j:]
}
