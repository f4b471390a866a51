// Package versioning sequences immutable proof revisions, stores annotation
// pages per revision and backfills pre-versioning data into revision 1.
package versioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proofmark/api/internal/store"
	"proofmark/api/internal/util"
)

var (
	ErrFileRefRequired = errors.New("file reference is required")
	ErrNoVersion       = errors.New("proof has no version")
	ErrVersionConflict = errors.New("revision sequence number already taken")
)

// LedgerStore is the persistence the ledger needs.
type LedgerStore interface {
	GetProof(ctx context.Context, proofID string) (store.Proof, error)
	InsertProofWithVersion(ctx context.Context, p store.Proof, v store.ProofVersion) error
	UpdateProofRevision(ctx context.Context, proofID, fileURL string, meta store.Meta) error
	InsertVersion(ctx context.Context, v store.ProofVersion) error
	InsertVersionWithPages(ctx context.Context, v store.ProofVersion, pages []store.PageSet) error
	LatestVersion(ctx context.Context, proofID string) (*store.ProofVersion, error)
	VersionBySequence(ctx context.Context, proofID string, sequence int) (store.ProofVersion, error)
	ListLegacyPages(ctx context.Context, proofID string) ([]store.PageSet, error)
}

// Ledger owns revision sequencing.
type Ledger struct {
	store      LedgerStore
	now        func() time.Time
	newID      func() string
	newProofID func() string
}

func NewLedger(s LedgerStore) *Ledger {
	return &Ledger{
		store:      s,
		now:        time.Now,
		newID:      func() string { return util.NewID("ver") },
		newProofID: func() string { return util.NewID("prf") },
	}
}

// CreateProof registers a new proof together with its revision 1.
func (l *Ledger) CreateProof(ctx context.Context, fileRef string, meta store.Meta) (store.Proof, store.ProofVersion, error) {
	if fileRef == "" {
		return store.Proof{}, store.ProofVersion{}, ErrFileRefRequired
	}
	now := l.now().UTC()
	proof := store.Proof{
		ID:        l.newProofID(),
		FileURL:   fileRef,
		Meta:      meta.Clone(),
		CreatedAt: now,
	}
	versionMeta := meta.Clone()
	if _, ok := versionMeta["version"]; !ok {
		versionMeta["version"] = 1
	}
	version := store.ProofVersion{
		ID:             l.newID(),
		ProofID:        proof.ID,
		SequenceNumber: 1,
		FileURL:        fileRef,
		Meta:           versionMeta,
		CreatedAt:      now,
	}
	if err := l.store.InsertProofWithVersion(ctx, proof, version); err != nil {
		return store.Proof{}, store.ProofVersion{}, err
	}
	return proof, version, nil
}

// CreateInitialVersion makes sure proof has a revision 1, copying any
// pre-versioning annotation pages into it. created is false when revision 1
// already existed.
func (l *Ledger) CreateInitialVersion(ctx context.Context, proof store.Proof) (store.ProofVersion, bool, error) {
	existing, err := l.store.VersionBySequence(ctx, proof.ID, 1)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.ProofVersion{}, false, fmt.Errorf("check initial version: %w", err)
	}

	legacy, err := l.store.ListLegacyPages(ctx, proof.ID)
	if err != nil {
		return store.ProofVersion{}, false, err
	}

	meta := proof.Meta.Clone()
	if _, ok := meta["version"]; !ok {
		meta["version"] = 1
	}
	now := l.now().UTC()
	version := store.ProofVersion{
		ID:             l.newID(),
		ProofID:        proof.ID,
		SequenceNumber: 1,
		FileURL:        proof.FileURL,
		Meta:           meta,
		CreatedAt:      now,
	}
	pages := make([]store.PageSet, 0, len(legacy))
	for _, page := range legacy {
		if len(page.Annotations) == 0 {
			continue
		}
		pages = append(pages, store.PageSet{Page: page.Page, Annotations: page.Annotations, UpdatedAt: now})
	}

	if err := l.store.InsertVersionWithPages(ctx, version, pages); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a race with another backfill; its revision 1 stands.
			existing, getErr := l.store.VersionBySequence(ctx, proof.ID, 1)
			if getErr != nil {
				return store.ProofVersion{}, false, fmt.Errorf("reload initial version: %w", getErr)
			}
			return existing, false, nil
		}
		return store.ProofVersion{}, false, err
	}
	return version, true, nil
}

// CreateNewVersion appends a revision pointing at fileRef. The patch is
// merged over the latest metadata, and the proof's approval is cleared. The
// proof must already have a revision 1.
func (l *Ledger) CreateNewVersion(ctx context.Context, proofID, fileRef string, patch store.Meta) (store.ProofVersion, error) {
	if fileRef == "" {
		return store.ProofVersion{}, ErrFileRefRequired
	}
	proof, err := l.store.GetProof(ctx, proofID)
	if err != nil {
		return store.ProofVersion{}, err
	}
	latest, err := l.store.LatestVersion(ctx, proofID)
	if err != nil {
		return store.ProofVersion{}, err
	}

	if latest == nil {
		return store.ProofVersion{}, ErrNoVersion
	}

	next := latest.SequenceNumber + 1
	meta := latest.Meta.Clone()
	for k, v := range proof.Meta {
		meta[k] = v
	}
	for k, v := range patch {
		meta[k] = v
	}
	if _, ok := patch["version"]; !ok {
		meta["version"] = next
	}

	version := store.ProofVersion{
		ID:             l.newID(),
		ProofID:        proofID,
		SequenceNumber: next,
		FileURL:        fileRef,
		Meta:           meta,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.InsertVersion(ctx, version); err != nil {
		if store.IsUniqueViolation(err) {
			return store.ProofVersion{}, fmt.Errorf("%w: %s #%d", ErrVersionConflict, proofID, next)
		}
		return store.ProofVersion{}, err
	}
	if err := l.store.UpdateProofRevision(ctx, proofID, fileRef, meta); err != nil {
		return store.ProofVersion{}, err
	}
	return version, nil
}

// ResolveLatestVersionID returns the id of the highest revision, or
// ErrNoVersion when the proof has not been versioned yet.
func (l *Ledger) ResolveLatestVersionID(ctx context.Context, proofID string) (string, error) {
	latest, err := l.store.LatestVersion(ctx, proofID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", ErrNoVersion
	}
	return latest.ID, nil
}
