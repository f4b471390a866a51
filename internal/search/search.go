package search

import (
	"context"
	"fmt"
	"strings"

	"proofmark/api/internal/annotation"
)

// Result is a page of a revision whose notes matched the query.
type Result struct {
	ProofID       string   `json:"proofId"`
	VersionID     string   `json:"versionId"`
	Sequence      int      `json:"sequenceNumber"`
	Page          int      `json:"page"`
	Snippet       string   `json:"snippet"`
	AnnotationIDs []string `json:"annotationIds"`
}

// Query describes a search request.
type Query struct {
	Text    string
	ProofID string // empty = all proofs
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a note search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the indexed form of one page of one revision.
type NoteRecord struct {
	ID            string   `json:"id"`
	ProofID       string   `json:"proofId"`
	VersionID     string   `json:"versionId"`
	Sequence      int      `json:"sequenceNumber"`
	Page          int      `json:"page"`
	Text          string   `json:"text"`
	AnnotationIDs []string `json:"annotationIds"`
}

// RecordID is the index key of a revision page. Meilisearch ids only allow
// alphanumerics, dashes and underscores.
func RecordID(versionID string, page int) string {
	return fmt.Sprintf("%s-%d", versionID, page)
}

// NewNoteRecord builds the index record of a page. Annotations without text
// are skipped; ok is false when nothing on the page is searchable.
func NewNoteRecord(proofID, versionID string, sequence, page int, list []annotation.Annotation) (NoteRecord, bool) {
	rec := NoteRecord{
		ID:            RecordID(versionID, page),
		ProofID:       proofID,
		VersionID:     versionID,
		Sequence:      sequence,
		Page:          page,
		AnnotationIDs: []string{},
	}
	var lines []string
	for _, a := range list {
		text := strings.TrimSpace(a.Text)
		if text == "" {
			continue
		}
		lines = append(lines, text)
		rec.AnnotationIDs = append(rec.AnnotationIDs, a.ID)
	}
	rec.Text = strings.Join(lines, "\n")
	return rec, len(lines) > 0
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
