package search

import (
	"context"
	"log"

	"proofmark/api/internal/notify"
)

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili *Meili
	notes *SQLNotes
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, notes *SQLNotes) *Service {
	return &Service{meili: meili, notes: notes}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexing() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to sql: %v", err)
	}
	if s.notes == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.notes.Search(ctx, q)
	if err != nil {
		log.Printf("search: sql notes error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Notify keeps the index in step with saved pages. Only annotation changes
// are indexed; a page left without notes is removed from the index.
func (s *Service) Notify(_ context.Context, ev notify.Event) error {
	if ev.Type != notify.EventAnnotationsChanged || !s.indexing() {
		return nil
	}
	sequence := 0
	if ev.Version != nil {
		sequence = ev.Version.SequenceNumber
	}
	rec, ok := NewNoteRecord(ev.ProofID, ev.VersionID, sequence, ev.Page, ev.Annotations)
	if !ok {
		return s.meili.DeleteNotes(rec.ID)
	}
	return s.meili.IndexNotes([]NoteRecord{rec})
}

// ReindexAll reads every revision page from the database and pushes it to
// Meilisearch. Called at boot when the index is reachable.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexing() || s.notes == nil {
		return
	}
	records, err := s.notes.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNotes(records); err != nil {
		log.Printf("search: reindex notes: %v", err)
		return
	}
	log.Printf("search: reindexed %d pages", len(records))
}
