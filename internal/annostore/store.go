// Package annostore is the client-side annotation cache. It holds the
// per-page lists of the active revision, mirrors them into a key-value port
// in the background and forwards every mutation to the server as a
// whole-page replace.
package annostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/interact"
	"proofmark/api/internal/kv"
)

// ErrSnapshotMismatch is returned when an imported snapshot belongs to a
// different file.
var ErrSnapshotMismatch = errors.New("snapshot belongs to a different file")

// ErrNotFound is returned when an update targets an unknown annotation.
var ErrNotFound = errors.New("annotation not found")

const persistTimeout = 15 * time.Second

// Persister replaces one page's annotation list on the server.
type Persister interface {
	PutPage(ctx context.Context, page int, list []annotation.Annotation) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, page int, list []annotation.Annotation) error

func (f PersisterFunc) PutPage(ctx context.Context, page int, list []annotation.Annotation) error {
	return f(ctx, page, list)
}

// Snapshot is the exported dataset of one file. Page keys are decimal page
// numbers.
type Snapshot struct {
	FileID string                             `json:"fileId"`
	Pages  map[string][]annotation.Annotation `json:"pages"`
}

// Key is the key-value key a file's snapshot is mirrored under.
func Key(fileID string) string {
	return "bat-annotations::" + fileID
}

// Store is safe for concurrent use.
type Store struct {
	fileID  string
	kv      kv.Store
	persist Persister

	mu    sync.Mutex
	pages map[int][]annotation.Annotation

	inflight sync.WaitGroup

	// One writer drains mirror snapshots; only the newest pending one is kept.
	mirrorMu   sync.Mutex
	mirrorNext []byte
	mirroring  bool
}

// Open restores the mirrored snapshot for fileID, if any. kv and persister
// may be nil.
func Open(ctx context.Context, fileID string, store kv.Store, persister Persister) (*Store, error) {
	s := &Store{
		fileID:  fileID,
		kv:      store,
		persist: persister,
		pages:   map[int][]annotation.Annotation{},
	}
	if store == nil {
		return s, nil
	}
	raw, ok, err := store.Get(ctx, Key(fileID))
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return s, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("annostore: discarding unreadable snapshot for %s: %v", fileID, err)
		return s, nil
	}
	if snap.FileID != fileID {
		log.Printf("annostore: discarding snapshot of %q stored under %s", snap.FileID, fileID)
		return s, nil
	}
	pages, err := decodePages(snap.Pages)
	if err != nil {
		log.Printf("annostore: discarding snapshot for %s: %v", fileID, err)
		return s, nil
	}
	s.pages = pages
	return s, nil
}

func (s *Store) FileID() string { return s.fileID }

// Page returns a copy of a page's list in creation order.
func (s *Store) Page(page int) []annotation.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return annotation.Clone(s.pages[page])
}

// Get implements interact.Lookup.
func (s *Store) Get(page int, id string) (annotation.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.pages[page] {
		if a.ID == id {
			return a, true
		}
	}
	return annotation.Annotation{}, false
}

// Pages lists page numbers holding at least one annotation.
func (s *Store) Pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.pages))
	for page, list := range s.pages {
		if len(list) > 0 {
			out = append(out, page)
		}
	}
	sort.Ints(out)
	return out
}

func (s *Store) Add(page int, a annotation.Annotation) error {
	if err := annotation.Validate(a); err != nil {
		return err
	}
	s.mu.Lock()
	for _, existing := range s.pages[page] {
		if existing.ID == a.ID {
			s.mu.Unlock()
			return fmt.Errorf("%w: duplicate id %s", annotation.ErrInvalid, a.ID)
		}
	}
	s.pages[page] = append(annotation.Clone(s.pages[page]), a)
	s.commitLocked(page)
	return nil
}

func (s *Store) Update(page int, id string, patch annotation.Patch) error {
	s.mu.Lock()
	list := annotation.Clone(s.pages[page])
	idx := -1
	for i := range list {
		if list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on page %d", ErrNotFound, id, page)
	}
	updated := annotation.Apply(list[idx], patch)
	if err := annotation.Validate(updated); err != nil {
		s.mu.Unlock()
		return err
	}
	list[idx] = updated
	s.pages[page] = list
	s.commitLocked(page)
	return nil
}

// Remove drops an annotation. Removing an unknown id is a no-op.
func (s *Store) Remove(page int, id string) {
	s.mu.Lock()
	current := s.pages[page]
	list := make([]annotation.Annotation, 0, len(current))
	for _, a := range current {
		if a.ID != id {
			list = append(list, a)
		}
	}
	if len(list) == len(current) {
		s.mu.Unlock()
		return
	}
	s.pages[page] = list
	s.commitLocked(page)
}

// Clear empties every page and replaces each previously populated page with
// an empty list on the server.
func (s *Store) Clear() {
	s.mu.Lock()
	var touched []int
	for page, list := range s.pages {
		if len(list) > 0 {
			touched = append(touched, page)
		}
	}
	sort.Ints(touched)
	s.pages = map[int][]annotation.Annotation{}
	s.commitLocked(touched...)
}

// Apply executes a committed interaction intent.
func (s *Store) Apply(intent interact.Intent) error {
	switch intent.Kind {
	case interact.IntentCreate:
		return s.Add(intent.Page, intent.Annotation)
	case interact.IntentUpdate:
		return s.Update(intent.Page, intent.ID, intent.Patch)
	case interact.IntentRemove:
		s.Remove(intent.Page, intent.ID)
		return nil
	default:
		return fmt.Errorf("unknown intent %d", intent.Kind)
	}
}

// Seed loads server data for a page without writing it back. Pages that
// already hold local annotations are left untouched; Seed reports whether
// the list was taken.
func (s *Store) Seed(page int, list []annotation.Annotation) (bool, error) {
	if len(list) == 0 {
		return false, nil
	}
	if err := annotation.ValidateList(list); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pages[page]) > 0 {
		return false, nil
	}
	s.pages[page] = annotation.Clone(list)
	s.mirrorLocked()
	return true, nil
}

// Export returns the full dataset of the file.
func (s *Store) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Import replaces the dataset with snap. Every page present in either the
// old or the new dataset is written to the server.
func (s *Store) Import(snap Snapshot) error {
	if snap.FileID != s.fileID {
		return fmt.Errorf("%w: got %q, want %q", ErrSnapshotMismatch, snap.FileID, s.fileID)
	}
	pages, err := decodePages(snap.Pages)
	if err != nil {
		return err
	}
	s.mu.Lock()
	touched := map[int]struct{}{}
	for page, list := range s.pages {
		if len(list) > 0 {
			touched[page] = struct{}{}
		}
	}
	for page := range pages {
		touched[page] = struct{}{}
	}
	order := make([]int, 0, len(touched))
	for page := range touched {
		order = append(order, page)
	}
	sort.Ints(order)
	s.pages = pages
	s.commitLocked(order...)
	return nil
}

// Wait blocks until every in-flight save and mirror write has finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// commitLocked mirrors the dataset and starts one asynchronous whole-page
// save per page. It releases s.mu.
func (s *Store) commitLocked(pages ...int) {
	s.mirrorLocked()
	saves := make(map[int][]annotation.Annotation, len(pages))
	for _, page := range pages {
		saves[page] = annotation.Clone(s.pages[page])
	}
	s.mu.Unlock()

	if s.persist == nil {
		return
	}
	for _, page := range pages {
		s.save(page, saves[page])
	}
}

func (s *Store) save(page int, list []annotation.Annotation) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.persist.PutPage(ctx, page, list); err != nil {
			log.Printf("annostore: save page %d of %s failed: %v", page, s.fileID, err)
		}
	}()
}

func (s *Store) mirrorLocked() {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		log.Printf("annostore: encode snapshot for %s: %v", s.fileID, err)
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	s.mirrorNext = raw
	if s.mirroring {
		return
	}
	s.mirroring = true
	s.inflight.Add(1)
	go s.drainMirror()
}

func (s *Store) drainMirror() {
	defer s.inflight.Done()
	for {
		s.mirrorMu.Lock()
		raw := s.mirrorNext
		s.mirrorNext = nil
		if raw == nil {
			s.mirroring = false
			s.mirrorMu.Unlock()
			return
		}
		s.mirrorMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.kv.Set(ctx, Key(s.fileID), raw); err != nil {
			log.Printf("annostore: mirror snapshot for %s: %v", s.fileID, err)
		}
		cancel()
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{FileID: s.fileID, Pages: make(map[string][]annotation.Annotation, len(s.pages))}
	for page, list := range s.pages {
		if len(list) == 0 {
			continue
		}
		snap.Pages[strconv.Itoa(page)] = annotation.Clone(list)
	}
	return snap
}

func decodePages(raw map[string][]annotation.Annotation) (map[int][]annotation.Annotation, error) {
	pages := make(map[int][]annotation.Annotation, len(raw))
	for key, list := range raw {
		page, err := strconv.Atoi(key)
		if err != nil || page < 1 {
			return nil, fmt.Errorf("%w: bad page key %q", annotation.ErrInvalid, key)
		}
		if err := annotation.ValidateList(list); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		pages[page] = annotation.Clone(list)
	}
	return pages, nil
}
