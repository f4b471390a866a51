package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"proofmark/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetProof(ctx context.Context, proofID string) (store.Proof, error)
	LatestVersion(ctx context.Context, proofID string) (*store.ProofVersion, error)
	VersionBySequence(ctx context.Context, proofID string, sequence int) (store.ProofVersion, error)
	ListVersionPages(ctx context.Context, versionID string) ([]store.PageSet, error)
}

// PDFRenderer turns report HTML into a PDF document.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides review report export
type Service struct {
	store DataStore
	pdf   PDFRenderer
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{store: store, pdf: renderPDF, now: time.Now}
}

// Export generates a report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	proof, err := s.store.GetProof(ctx, req.ProofID)
	if err != nil {
		return nil, fmt.Errorf("get proof: %w", err)
	}

	version, err := s.resolveVersion(ctx, req)
	if err != nil {
		return nil, err
	}

	pages, err := s.store.ListVersionPages(ctx, version.ID)
	if err != nil {
		return nil, fmt.Errorf("list version pages: %w", err)
	}

	data := BuildReport(proof, version, pages, s.now())
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := reportFileName(data.Title, version.SequenceNumber)
	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		pdf, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func (s *Service) resolveVersion(ctx context.Context, req Request) (store.ProofVersion, error) {
	if req.Sequence > 0 {
		v, err := s.store.VersionBySequence(ctx, req.ProofID, req.Sequence)
		if err != nil {
			return store.ProofVersion{}, fmt.Errorf("get revision %d: %w", req.Sequence, err)
		}
		return v, nil
	}
	latest, err := s.store.LatestVersion(ctx, req.ProofID)
	if err != nil {
		return store.ProofVersion{}, fmt.Errorf("get latest revision: %w", err)
	}
	if latest == nil {
		return store.ProofVersion{}, fmt.Errorf("%w: proof %s has no revision", ErrContentUnavailable, req.ProofID)
	}
	return *latest, nil
}

// BuildReport assembles the template data for a revision. Empty pages are
// left out and notes keep their stored order.
func BuildReport(proof store.Proof, version store.ProofVersion, pages []store.PageSet, now time.Time) ReportData {
	data := ReportData{
		Title:       reportTitle(proof, version),
		ProofID:     proof.ID,
		Sequence:    version.SequenceNumber,
		FileRef:     version.FileURL,
		CreatedAt:   version.CreatedAt,
		Locked:      proof.Locked,
		ApprovedAt:  proof.ApprovedAt,
		GeneratedAt: now.UTC(),
		Meta:        metaRows(version.Meta),
	}

	sorted := append([]store.PageSet(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Page < sorted[j].Page })
	for _, ps := range sorted {
		if len(ps.Annotations) == 0 {
			continue
		}
		page := ReportPage{Page: ps.Page}
		for i, a := range ps.Annotations {
			page.Notes = append(page.Notes, ReportNote{
				Index: i + 1,
				Kind:  string(a.Type),
				X:     a.X,
				Y:     a.Y,
				W:     a.W,
				H:     a.H,
				Text:  a.Text,
			})
		}
		data.NoteCount += len(page.Notes)
		data.Pages = append(data.Pages, page)
	}
	return data
}

func reportTitle(proof store.Proof, version store.ProofVersion) string {
	for _, meta := range []store.Meta{version.Meta, proof.Meta} {
		if name, ok := meta["fileName"].(string); ok && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return "Proof " + proof.ID
}

func metaRows(meta store.Meta) []MetaRow {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]MetaRow, 0, len(keys))
	for _, k := range keys {
		if meta[k] == nil {
			continue
		}
		rows = append(rows, MetaRow{Key: k, Value: fmt.Sprint(meta[k])})
	}
	return rows
}
