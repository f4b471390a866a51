package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/config"
	"proofmark/api/internal/filestore"
	"proofmark/api/internal/search"
	"proofmark/api/internal/store"
)

const migrationsDir = "../../db/migrations"

func newSQLStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSQLStore(db)
}

type testEnv struct {
	handler http.Handler
	store   *store.SQLStore
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sqlStore := newSQLStore(t)
	files, err := filestore.NewDir(t.TempDir(), "http://api.test/uploads")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cfg := config.Config{
		PublicBaseURL:  "http://web.test",
		ShareSecret:    "test-secret",
		ShareTTL:       time.Hour,
		UploadMaxBytes: 1 << 20,
	}
	svc := New(cfg, sqlStore, Deps{
		Files:  files,
		Search: search.NewService(nil, search.NewSQLNotes(sqlStore.DB())),
	})
	return &testEnv{
		handler: NewHTTPServer(svc, "*").Handler(),
		store:   sqlStore,
		service: svc,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, payload
}

func (e *testEnv) createProof(t *testing.T, fileName string) (id, token string) {
	t.Helper()
	rr, payload := e.do(t, http.MethodPost, "/api/proofs", "", map[string]any{
		"fileUrl": "/uploads/" + fileName,
		"meta":    map[string]any{"fileName": fileName},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create proof: status %d body %s", rr.Code, rr.Body.String())
	}
	return payload["id"].(string), payload["token"].(string)
}

func pin(id, text string) map[string]any {
	return map[string]any{"id": id, "type": "pin", "x": 0.25, "y": 0.5, "text": text, "createdAt": 1}
}

func TestCreateProofStartsAtRevisionOne(t *testing.T) {
	env := newTestEnv(t)
	rr, payload := env.do(t, http.MethodPost, "/api/proofs", "", map[string]any{
		"fileUrl": "/uploads/flyer.pdf",
		"meta":    map[string]any{"fileName": "flyer.pdf"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}
	version := payload["version"].(map[string]any)
	if version["sequenceNumber"] != float64(1) || version["fileRef"] != "/uploads/flyer.pdf" {
		t.Fatalf("unexpected version %v", version)
	}
	clientURL, _ := payload["clientUrl"].(string)
	if !strings.HasPrefix(clientURL, "http://web.test/?mode=client&id="+payload["id"].(string)) {
		t.Fatalf("unexpected client url %q", clientURL)
	}

	rr, _ = env.do(t, http.MethodPost, "/api/proofs", "", map[string]any{"fileUrl": "  "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing fileUrl, got %d", rr.Code)
	}
}

func TestAnnotationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createProof(t, "menu.pdf")

	rr, _ := env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/2", token, map[string]any{
		"annos": []any{pin("a1", "Fix the price"), pin("a2", "")},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put annos: status %d body %s", rr.Code, rr.Body.String())
	}

	rr, payload := env.do(t, http.MethodGet, "/api/proofs/"+id+"/annos/2", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get annos: status %d", rr.Code)
	}
	annos := payload["annos"].([]any)
	if len(annos) != 2 || annos[0].(map[string]any)["text"] != "Fix the price" {
		t.Fatalf("unexpected annos %v", annos)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id+"/annos/3", token, nil)
	if annos := payload["annos"].([]any); len(annos) != 0 {
		t.Fatalf("untouched page should be empty, got %v", annos)
	}
}

func TestAnnotationValidation(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createProof(t, "card.pdf")

	offPage := pin("a1", "x")
	offPage["x"] = 1.5
	rr, payload := env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", "", map[string]any{"annos": []any{offPage}})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %v", rr.Code, payload)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+id+"/annos/0", "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for page 0, got %d", rr.Code)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/proofs/missing/annos/3", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown proof, got %d", rr.Code)
	}
	if annos, ok := payload["annos"].([]any); !ok || len(annos) != 0 || payload["page"] != float64(3) {
		t.Fatalf("expected an empty page for unknown proof, got %v", payload)
	}

	rr, _ = env.do(t, http.MethodPut, "/api/proofs/missing/annos/1", "", map[string]any{"annos": []any{}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when saving to unknown proof, got %d", rr.Code)
	}
}

func TestClientTokenIsScopedToItsProof(t *testing.T) {
	env := newTestEnv(t)
	first, token := env.createProof(t, "a.pdf")
	second, _ := env.createProof(t, "b.pdf")

	rr, payload := env.do(t, http.MethodGet, "/api/proofs/"+first, token, nil)
	if rr.Code != http.StatusOK || payload["role"] != "client" || payload["readOnly"] != false {
		t.Fatalf("client read own proof: %d %v", rr.Code, payload)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+second, token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on another proof, got %d", rr.Code)
	}

	for _, path := range []string{"/api/proofs/" + first + "/versions", "/api/proofs/" + first + "/share", "/api/proofs/" + first + "/unlock"} {
		rr, _ = env.do(t, http.MethodPost, path, token, map[string]any{"fileUrl": "/uploads/c.pdf"})
		if rr.Code != http.StatusForbidden {
			t.Fatalf("POST %s as client: expected 403, got %d", path, rr.Code)
		}
	}

	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+first, "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/proofs/"+first+"?token="+token, nil)
	query := httptest.NewRecorder()
	env.handler.ServeHTTP(query, req)
	if query.Code != http.StatusOK {
		t.Fatalf("token in query string: expected 200, got %d", query.Code)
	}
}

func TestApprovalLocksClientWrites(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createProof(t, "poster.pdf")

	rr, payload := env.do(t, http.MethodPost, "/api/proofs/"+id+"/approve", token, nil)
	if rr.Code != http.StatusOK || payload["approvedAt"] == nil {
		t.Fatalf("approve: %d %v", rr.Code, payload)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id, token, nil)
	if payload["locked"] != true || payload["readOnly"] != true {
		t.Fatalf("expected locked read-only proof, got %v", payload)
	}

	body := map[string]any{"annos": []any{pin("a1", "late change")}}
	rr, payload = env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", token, body)
	if rr.Code != http.StatusConflict || payload["code"] != "PROOF_LOCKED" {
		t.Fatalf("expected PROOF_LOCKED, got %d %v", rr.Code, payload)
	}

	rr, _ = env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", "", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin write on locked proof: expected 200, got %d", rr.Code)
	}

	rr, _ = env.do(t, http.MethodPost, "/api/proofs/"+id+"/unlock", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unlock: %d", rr.Code)
	}
	rr, _ = env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("client write after unlock: expected 200, got %d", rr.Code)
	}
}

func TestNewRevisionFreezesPreviousNotes(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createProof(t, "brochure.pdf")

	env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", token, map[string]any{"annos": []any{pin("a1", "first round")}})
	env.do(t, http.MethodPost, "/api/proofs/"+id+"/approve", token, nil)

	rr, payload := env.do(t, http.MethodPost, "/api/proofs/"+id+"/versions", "", map[string]any{
		"fileUrl": "/uploads/brochure-v2.pdf",
		"meta":    map[string]any{"note": "second round"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create version: %d %s", rr.Code, rr.Body.String())
	}
	if seq := payload["version"].(map[string]any)["sequenceNumber"]; seq != float64(2) {
		t.Fatalf("expected revision 2, got %v", seq)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id, token, nil)
	if payload["locked"] != false || payload["fileUrl"] != "/uploads/brochure-v2.pdf" {
		t.Fatalf("new revision should reset approval and file: %v", payload)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id+"/annos/1", token, nil)
	if annos := payload["annos"].([]any); len(annos) != 0 {
		t.Fatalf("revision 2 should start empty, got %v", annos)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id+"/versions/1/annos/1", token, nil)
	if annos := payload["annos"].([]any); len(annos) != 1 {
		t.Fatalf("revision 1 notes should be kept, got %v", annos)
	}

	_, payload = env.do(t, http.MethodGet, "/api/proofs/"+id+"/versions", token, nil)
	versions := payload["versions"].([]any)
	if len(versions) != 2 || versions[0].(map[string]any)["sequenceNumber"] != float64(1) {
		t.Fatalf("unexpected version list %v", versions)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/proofs/"+id+"/versions/9/annos/1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown revision, got %d", rr.Code)
	}
	if annos, ok := payload["annos"].([]any); !ok || len(annos) != 0 || payload["versionId"] != nil {
		t.Fatalf("expected an empty page for unknown revision, got %v", payload)
	}
}

func TestLegacyProofIsVersionedOnRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.InsertProof(ctx, store.Proof{
		ID:        "legacy",
		FileURL:   "/uploads/old.pdf",
		Meta:      store.Meta{"fileName": "old.pdf"},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertProof: %v", err)
	}
	legacyNotes := []annotation.Annotation{{ID: "old1", Type: annotation.TypePin, X: 0.5, Y: 0.5, Text: "from before revisions"}}
	if err := env.store.PutLegacyPage(ctx, "legacy", 1, legacyNotes); err != nil {
		t.Fatalf("PutLegacyPage: %v", err)
	}

	rr, payload := env.do(t, http.MethodGet, "/api/proofs/legacy", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get legacy proof: %d %s", rr.Code, rr.Body.String())
	}
	if seq := payload["version"].(map[string]any)["sequenceNumber"]; seq != float64(1) {
		t.Fatalf("legacy proof should be at revision 1, got %v", seq)
	}
	_, payload = env.do(t, http.MethodGet, "/api/proofs/legacy/annos/1", "", nil)
	if annos := payload["annos"].([]any); len(annos) != 1 {
		t.Fatalf("legacy notes should move to revision 1, got %v", annos)
	}
}

func TestUpdateMetaAndShareLink(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createProof(t, "label.pdf")

	rr, _ := env.do(t, http.MethodPut, "/api/proofs/"+id+"/meta", "", map[string]any{"client": "Acme"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update meta: %d", rr.Code)
	}
	_, payload := env.do(t, http.MethodGet, "/api/proofs/"+id, "", nil)
	if meta := payload["meta"].(map[string]any); meta["client"] != "Acme" {
		t.Fatalf("meta not replaced: %v", meta)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/proofs/"+id+"/share", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("share: %d", rr.Code)
	}
	token := payload["token"].(string)
	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+id, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("fresh share token rejected: %d", rr.Code)
	}
}

func TestExportHTML(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createProof(t, "Spring Menu.pdf")
	env.do(t, http.MethodPut, "/api/proofs/"+id+"/annos/1", token, map[string]any{"annos": []any{pin("a1", "Swap the <photo>")}})

	rr, _ := env.do(t, http.MethodGet, "/api/proofs/"+id+"/export?format=html&download=1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, "-r1.html") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Swap the &lt;photo&gt;") {
		t.Fatalf("note text missing or unescaped in export")
	}

	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+id+"/export?format=docx", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown format, got %d", rr.Code)
	}
	rr, _ = env.do(t, http.MethodGet, "/api/proofs/"+id+"/export?version=4", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown revision, got %d", rr.Code)
	}
}

func TestSearchFallsBackToSQL(t *testing.T) {
	env := newTestEnv(t)
	first, token := env.createProof(t, "a.pdf")
	second, _ := env.createProof(t, "b.pdf")
	env.do(t, http.MethodPut, "/api/proofs/"+first+"/annos/1", "", map[string]any{"annos": []any{pin("a1", "Kerning is off")}})
	env.do(t, http.MethodPut, "/api/proofs/"+second+"/annos/3", "", map[string]any{"annos": []any{pin("b1", "kerning again")}})

	_, payload := env.do(t, http.MethodGet, "/api/search?q=kerning", "", nil)
	if payload["total"] != float64(2) {
		t.Fatalf("admin search: expected 2 results, got %v", payload)
	}

	_, payload = env.do(t, http.MethodGet, "/api/search?q=kerning&proofId="+second, token, nil)
	results := payload["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["proofId"] != first {
		t.Fatalf("client search must stay on its proof, got %v", results)
	}
}

func TestUploadStoresAndServesFile(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "Proof 1.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 test"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	fileURL := payload["url"].(string)
	if !strings.HasPrefix(fileURL, "http://api.test/uploads/proofs/") || !strings.HasSuffix(fileURL, "/Proof_1.pdf") {
		t.Fatalf("unexpected url %q", fileURL)
	}

	req = httptest.NewRequest(http.MethodGet, strings.TrimPrefix(fileURL, "http://api.test"), nil)
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "%PDF-1.4 test" {
		t.Fatalf("serve upload: %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct == "application/json" {
		t.Fatalf("uploads must not be served as json")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without multipart body, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr, payload := env.do(t, http.MethodGet, "/api/nothing", "", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %d %v", rr.Code, payload)
	}
}
