package versioning

import (
	"context"
	"fmt"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/store"
)

// PageStore is the persistence of annotation pages.
type PageStore interface {
	GetVersionPage(ctx context.Context, versionID string, page int) ([]annotation.Annotation, error)
	PutVersionPage(ctx context.Context, versionID string, page int, list []annotation.Annotation, updatedAt time.Time) error
	ListVersionPages(ctx context.Context, versionID string) ([]store.PageSet, error)
}

// Repository stores whole annotation lists keyed by (revision, page).
// Concurrent writers to the same page are resolved by the last write.
type Repository struct {
	store PageStore
	now   func() time.Time
}

func NewRepository(s PageStore) *Repository {
	return &Repository{store: s, now: time.Now}
}

// GetPage returns the page's list in stored order, empty when absent.
func (r *Repository) GetPage(ctx context.Context, versionID string, page int) ([]annotation.Annotation, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page %d", annotation.ErrInvalid, page)
	}
	return r.store.GetVersionPage(ctx, versionID, page)
}

// PutPage replaces the page's list.
func (r *Repository) PutPage(ctx context.Context, versionID string, page int, list []annotation.Annotation) error {
	if page < 1 {
		return fmt.Errorf("%w: page %d", annotation.ErrInvalid, page)
	}
	if err := annotation.ValidateList(list); err != nil {
		return err
	}
	return r.store.PutVersionPage(ctx, versionID, page, list, r.now().UTC())
}

func (r *Repository) Pages(ctx context.Context, versionID string) ([]store.PageSet, error) {
	return r.store.ListVersionPages(ctx, versionID)
}
