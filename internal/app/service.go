package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/auth"
	"proofmark/api/internal/config"
	"proofmark/api/internal/export"
	"proofmark/api/internal/filestore"
	"proofmark/api/internal/notify"
	"proofmark/api/internal/rbac"
	"proofmark/api/internal/search"
	"proofmark/api/internal/store"
	"proofmark/api/internal/util"
	"proofmark/api/internal/versioning"
)

// Viewer is the caller of a request. Clients are bound to the proof their
// share token was issued for.
type Viewer struct {
	Role    rbac.Role
	ProofID string
}

func adminViewer() Viewer { return Viewer{Role: rbac.RoleAdmin} }

type dataStore interface {
	versioning.LedgerStore
	versioning.PageStore
	versioning.ProofLister
	UpdateProofMeta(ctx context.Context, proofID string, meta store.Meta) error
	SetProofApproval(ctx context.Context, proofID string, approvedAt *time.Time) error
	ListVersions(ctx context.Context, proofID string) ([]store.ProofVersion, error)
	Ping(ctx context.Context) error
}

// Deps are the optional collaborators of the service.
type Deps struct {
	Files    filestore.Store
	Search   *search.Service
	Notifier *notify.Fanout
}

type Service struct {
	cfg      config.Config
	store    dataStore
	ledger   *versioning.Ledger
	repo     *versioning.Repository
	migrator *versioning.Migrator
	exporter *export.Service
	files    filestore.Store
	search   *search.Service
	notifier *notify.Fanout
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, deps Deps) *Service {
	ledger := versioning.NewLedger(dataStore)
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		ledger:   ledger,
		repo:     versioning.NewRepository(dataStore),
		migrator: versioning.NewMigrator(ledger, dataStore, dataStore),
		exporter: export.NewService(dataStore),
		files:    deps.Files,
		search:   deps.Search,
		notifier: deps.Notifier,
		now:      time.Now,
	}
}

// Bootstrap versions every pre-versioning proof. Callers treat a failure as
// fatal: serving would mix versioned and unversioned reads.
func (s *Service) Bootstrap(ctx context.Context) error {
	created, err := s.migrator.BackfillAll(ctx)
	if err != nil {
		return err
	}
	if created > 0 {
		log.Printf("backfill: %d proofs moved to revision 1", created)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UploadRoot is the directory served under /uploads, or "" when uploads go
// to object storage.
func (s *Service) UploadRoot() string {
	if dir, ok := s.files.(*filestore.Dir); ok {
		return dir.Root()
	}
	return ""
}

func (s *Service) UploadMaxBytes() int64 {
	if s.cfg.UploadMaxBytes <= 0 {
		return 50 << 20
	}
	return s.cfg.UploadMaxBytes
}

// ViewerFromToken resolves the caller. No token is the operator surface.
func (s *Service) ViewerFromToken(token string) (Viewer, error) {
	if token == "" {
		return adminViewer(), nil
	}
	claims, err := auth.ParseShareToken([]byte(s.cfg.ShareSecret), token)
	if err != nil {
		return Viewer{}, err
	}
	return Viewer{Role: rbac.Normalize(claims.Role), ProofID: claims.ProofID}, nil
}

func authorize(viewer Viewer, proofID string, action rbac.Action) error {
	if viewer.Role == rbac.RoleClient && viewer.ProofID != proofID {
		return errForbidden
	}
	if !rbac.Can(viewer.Role, action) {
		return errForbidden
	}
	return nil
}

func (s *Service) shareLink(proofID string) (map[string]any, error) {
	ttl := s.cfg.ShareTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	expiresAt := s.now().Add(ttl).UTC()
	token, err := auth.IssueShareToken([]byte(s.cfg.ShareSecret), auth.ShareClaims{
		ProofID: proofID,
		Role:    string(rbac.RoleClient),
		JTI:     util.RandomHex(8),
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	clientURL := fmt.Sprintf("%s/?mode=client&id=%s&token=%s",
		s.cfg.PublicBaseURL, url.QueryEscape(proofID), url.QueryEscape(token))
	return map[string]any{
		"clientUrl": clientURL,
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) Upload(ctx context.Context, viewer Viewer, name string, data []byte, contentType string) (map[string]any, error) {
	if !rbac.Can(viewer.Role, rbac.ActionRevise) {
		return nil, errForbidden
	}
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UPLOADS_DISABLED", "File uploads are not configured", nil)
	}
	ref, err := s.files.Put(ctx, name, data, contentType)
	if err != nil {
		return nil, err
	}
	log.Printf("upload: %s (%d bytes) -> %s", name, len(data), ref)
	return map[string]any{"url": ref, "fileName": name, "size": len(data)}, nil
}

func (s *Service) CreateProof(ctx context.Context, viewer Viewer, fileURL string, meta store.Meta) (map[string]any, error) {
	if !rbac.Can(viewer.Role, rbac.ActionRevise) {
		return nil, errForbidden
	}
	proof, version, err := s.ledger.CreateProof(ctx, fileURL, meta)
	if err != nil {
		return nil, err
	}
	link, err := s.shareLink(proof.ID)
	if err != nil {
		return nil, err
	}
	record := version.Record()
	s.notifier.Publish(notify.Event{
		Type:      notify.EventVersionCreated,
		ProofID:   proof.ID,
		VersionID: version.ID,
		Version:   &record,
	})
	return map[string]any{
		"id":        proof.ID,
		"clientUrl": link["clientUrl"],
		"token":     link["token"],
		"version":   record,
	}, nil
}

func (s *Service) ShareLink(ctx context.Context, viewer Viewer, proofID string) (map[string]any, error) {
	if !rbac.Can(viewer.Role, rbac.ActionRevise) {
		return nil, errForbidden
	}
	if _, err := s.store.GetProof(ctx, proofID); err != nil {
		return nil, err
	}
	return s.shareLink(proofID)
}

func (s *Service) GetProof(ctx context.Context, viewer Viewer, proofID string) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionView); err != nil {
		return nil, err
	}
	version, err := s.migrator.EnsureVersioned(ctx, proofID)
	if err != nil {
		return nil, err
	}
	proof, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	return proofPayload(proof, version, viewer), nil
}

func proofPayload(proof store.Proof, version store.ProofVersion, viewer Viewer) map[string]any {
	meta := proof.Meta
	if meta == nil {
		meta = store.Meta{}
	}
	var approvedAt any
	if proof.ApprovedAt != nil {
		approvedAt = proof.ApprovedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":         proof.ID,
		"fileUrl":    proof.FileURL,
		"meta":       meta,
		"locked":     proof.Locked,
		"approvedAt": approvedAt,
		"version":    version.Record(),
		"role":       viewer.Role,
		"readOnly":   rbac.ReadOnly(viewer.Role, proof.Locked),
	}
}

func (s *Service) UpdateMeta(ctx context.Context, viewer Viewer, proofID string, meta store.Meta) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionEditMeta); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = store.Meta{}
	}
	if err := s.store.UpdateProofMeta(ctx, proofID, meta); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) Approve(ctx context.Context, viewer Viewer, proofID string) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionApprove); err != nil {
		return nil, err
	}
	version, err := s.migrator.EnsureVersioned(ctx, proofID)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()
	if err := s.store.SetProofApproval(ctx, proofID, &at); err != nil {
		return nil, err
	}
	log.Printf("approval: proof %s approved at revision %d", proofID, version.SequenceNumber)
	record := version.Record()
	s.notifier.Publish(notify.Event{
		Type:      notify.EventProofApproved,
		ProofID:   proofID,
		VersionID: version.ID,
		Version:   &record,
		At:        at,
	})
	return map[string]any{"ok": true, "approvedAt": at.Format(time.RFC3339Nano)}, nil
}

func (s *Service) Unlock(ctx context.Context, viewer Viewer, proofID string) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionUnlock); err != nil {
		return nil, err
	}
	if err := s.store.SetProofApproval(ctx, proofID, nil); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) ListVersions(ctx context.Context, viewer Viewer, proofID string) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionView); err != nil {
		return nil, err
	}
	if _, err := s.migrator.EnsureVersioned(ctx, proofID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, proofID)
	if err != nil {
		return nil, err
	}
	records := make([]store.VersionRecord, 0, len(versions))
	for _, v := range versions {
		records = append(records, v.Record())
	}
	return map[string]any{"versions": records}, nil
}

func (s *Service) CreateVersion(ctx context.Context, viewer Viewer, proofID, fileURL string, patch store.Meta) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionRevise); err != nil {
		return nil, err
	}
	if _, err := s.migrator.EnsureVersioned(ctx, proofID); err != nil {
		return nil, err
	}
	version, err := s.ledger.CreateNewVersion(ctx, proofID, fileURL, patch)
	if err != nil {
		return nil, err
	}
	record := version.Record()
	s.notifier.Publish(notify.Event{
		Type:      notify.EventVersionCreated,
		ProofID:   proofID,
		VersionID: version.ID,
		Version:   &record,
	})
	return map[string]any{"version": record}, nil
}

func (s *Service) GetAnnotations(ctx context.Context, viewer Viewer, proofID string, page int) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionView); err != nil {
		return nil, err
	}
	version, err := s.migrator.EnsureVersioned(ctx, proofID)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyPage(page), nil
	}
	if err != nil {
		return nil, err
	}
	list, err := s.repo.GetPage(ctx, version.ID, page)
	if err != nil {
		return nil, err
	}
	return map[string]any{"page": page, "annos": list, "versionId": version.ID}, nil
}

// emptyPage answers reads of a proof or revision that does not exist.
// Clients treat it the same as a page nobody has annotated.
func emptyPage(page int) map[string]any {
	return map[string]any{"page": page, "annos": []annotation.Annotation{}}
}

func (s *Service) PutAnnotations(ctx context.Context, viewer Viewer, proofID string, page int, list []annotation.Annotation) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionAnnotate); err != nil {
		return nil, err
	}
	proof, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if rbac.ReadOnly(viewer.Role, proof.Locked) {
		return nil, errProofLocked
	}
	version, err := s.migrator.EnsureVersioned(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []annotation.Annotation{}
	}
	if err := s.repo.PutPage(ctx, version.ID, page, list); err != nil {
		return nil, err
	}
	record := version.Record()
	s.notifier.Publish(notify.Event{
		Type:        notify.EventAnnotationsChanged,
		ProofID:     proofID,
		VersionID:   version.ID,
		Version:     &record,
		Page:        page,
		Annotations: annotation.Clone(list),
	})
	return map[string]any{"ok": true, "versionId": version.ID}, nil
}

func (s *Service) GetVersionAnnotations(ctx context.Context, viewer Viewer, proofID string, sequence, page int) (map[string]any, error) {
	if err := authorize(viewer, proofID, rbac.ActionView); err != nil {
		return nil, err
	}
	version, err := s.revision(ctx, proofID, sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyPage(page), nil
	}
	if err != nil {
		return nil, err
	}
	list, err := s.repo.GetPage(ctx, version.ID, page)
	if err != nil {
		return nil, err
	}
	return map[string]any{"page": page, "annos": list, "versionId": version.ID, "sequenceNumber": sequence}, nil
}

func (s *Service) revision(ctx context.Context, proofID string, sequence int) (store.ProofVersion, error) {
	if _, err := s.migrator.EnsureVersioned(ctx, proofID); err != nil {
		return store.ProofVersion{}, err
	}
	return s.store.VersionBySequence(ctx, proofID, sequence)
}

func (s *Service) Export(ctx context.Context, viewer Viewer, req export.Request) (*export.Result, error) {
	if err := authorize(viewer, req.ProofID, rbac.ActionView); err != nil {
		return nil, err
	}
	if _, err := s.migrator.EnsureVersioned(ctx, req.ProofID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, req)
}

// Search scopes client searches to their own proof.
func (s *Service) Search(ctx context.Context, viewer Viewer, q search.Query) search.Response {
	if viewer.Role == rbac.RoleClient {
		q.ProofID = viewer.ProofID
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
