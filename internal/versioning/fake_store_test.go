package versioning

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/store"
)

var errUnique = errors.New("UNIQUE constraint failed: proof_versions.proof_id, proof_versions.sequence_number")

type memStore struct {
	mu       sync.Mutex
	proofs   map[string]store.Proof
	versions map[string][]store.ProofVersion
	pages    map[string]map[int][]annotation.Annotation
	legacy   map[string][]store.PageSet

	insertVersionFn func(context.Context, store.ProofVersion) error
	updateCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		proofs:   map[string]store.Proof{},
		versions: map[string][]store.ProofVersion{},
		pages:    map[string]map[int][]annotation.Annotation{},
		legacy:   map[string][]store.PageSet{},
	}
}

func (m *memStore) GetProof(_ context.Context, id string) (store.Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[id]
	if !ok {
		return store.Proof{}, sql.ErrNoRows
	}
	p.Meta = p.Meta.Clone()
	return p, nil
}

func (m *memStore) ListProofIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.proofs))
	for id := range m.proofs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) UpdateProofRevision(_ context.Context, id, fileURL string, meta store.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[id]
	if !ok {
		return sql.ErrNoRows
	}
	m.updateCalls++
	p.FileURL = fileURL
	p.Meta = meta.Clone()
	p.Locked = false
	p.ApprovedAt = nil
	m.proofs[id] = p
	return nil
}

func (m *memStore) insertLocked(v store.ProofVersion) error {
	if _, ok := m.proofs[v.ProofID]; !ok {
		return errors.New("FOREIGN KEY constraint failed")
	}
	for _, existing := range m.versions[v.ProofID] {
		if existing.SequenceNumber == v.SequenceNumber {
			return errUnique
		}
	}
	v.Meta = v.Meta.Clone()
	m.versions[v.ProofID] = append(m.versions[v.ProofID], v)
	return nil
}

func (m *memStore) InsertProofWithVersion(_ context.Context, p store.Proof, v store.ProofVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proofs[p.ID]; ok {
		return errors.New("UNIQUE constraint failed: proofs.id")
	}
	p.Meta = p.Meta.Clone()
	m.proofs[p.ID] = p
	if err := m.insertLocked(v); err != nil {
		delete(m.proofs, p.ID)
		return err
	}
	return nil
}

func (m *memStore) InsertVersion(ctx context.Context, v store.ProofVersion) error {
	if m.insertVersionFn != nil {
		if err := m.insertVersionFn(ctx, v); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(v)
}

func (m *memStore) InsertVersionWithPages(_ context.Context, v store.ProofVersion, pages []store.PageSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertLocked(v); err != nil {
		return err
	}
	for _, page := range pages {
		if m.pages[v.ID] == nil {
			m.pages[v.ID] = map[int][]annotation.Annotation{}
		}
		m.pages[v.ID][page.Page] = annotation.Clone(page.Annotations)
	}
	return nil
}

func (m *memStore) LatestVersion(_ context.Context, proofID string) (*store.ProofVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.ProofVersion
	for i := range m.versions[proofID] {
		v := m.versions[proofID][i]
		if latest == nil || v.SequenceNumber > latest.SequenceNumber {
			latest = &v
		}
	}
	return latest, nil
}

func (m *memStore) VersionBySequence(_ context.Context, proofID string, seq int) (store.ProofVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[proofID] {
		if v.SequenceNumber == seq {
			return v, nil
		}
	}
	return store.ProofVersion{}, sql.ErrNoRows
}

func (m *memStore) ListLegacyPages(_ context.Context, proofID string) ([]store.PageSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.PageSet(nil), m.legacy[proofID]...), nil
}

func (m *memStore) GetVersionPage(_ context.Context, versionID string, page int) ([]annotation.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.pages[versionID][page]
	if !ok {
		return []annotation.Annotation{}, nil
	}
	return annotation.Clone(list), nil
}

func (m *memStore) PutVersionPage(_ context.Context, versionID string, page int, list []annotation.Annotation, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[versionID] == nil {
		m.pages[versionID] = map[int][]annotation.Annotation{}
	}
	m.pages[versionID][page] = annotation.Clone(list)
	return nil
}

func (m *memStore) ListVersionPages(_ context.Context, versionID string) ([]store.PageSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PageSet
	for page, list := range m.pages[versionID] {
		out = append(out, store.PageSet{Page: page, Annotations: annotation.Clone(list)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out, nil
}
