package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"proofmark/api/internal/annotation"
)

// SQLStore persists proofs, revisions and annotation pages.
type SQLStore struct {
	db *DB
}

func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) DB() *DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}

func encodeMeta(meta Meta) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(raw), nil
}

func decodeMeta(raw string) (Meta, error) {
	meta := Meta{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

func encodeAnnotations(list []annotation.Annotation) (string, error) {
	if list == nil {
		list = []annotation.Annotation{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode annotations: %w", err)
	}
	return string(raw), nil
}

func decodeAnnotations(raw string) ([]annotation.Annotation, error) {
	list := []annotation.Annotation{}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	return list, nil
}

func lockedValue(locked bool) int {
	if locked {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (Proof, error) {
	var (
		p          Proof
		metaJSON   string
		locked     sql.NullInt64
		approvedAt sql.NullString
		createdAt  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.FileURL, &metaJSON, &locked, &approvedAt, &createdAt); err != nil {
		return Proof{}, err
	}
	meta, err := decodeMeta(metaJSON)
	if err != nil {
		return Proof{}, err
	}
	p.Meta = meta
	p.Locked = locked.Valid && locked.Int64 != 0
	if approvedAt.Valid && approvedAt.String != "" {
		t, err := parseTime(approvedAt.String)
		if err != nil {
			return Proof{}, err
		}
		p.ApprovedAt = &t
	}
	// Proofs from before revisions existed have no creation time.
	if createdAt.Valid && createdAt.String != "" {
		if p.CreatedAt, err = parseTime(createdAt.String); err != nil {
			return Proof{}, err
		}
	}
	return p, nil
}

func scanVersion(row rowScanner) (ProofVersion, error) {
	var (
		v         ProofVersion
		metaJSON  string
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.ProofID, &v.SequenceNumber, &v.FileURL, &metaJSON, &createdAt); err != nil {
		return ProofVersion{}, err
	}
	meta, err := decodeMeta(metaJSON)
	if err != nil {
		return ProofVersion{}, err
	}
	v.Meta = meta
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return ProofVersion{}, err
	}
	return v, nil
}

const proofColumns = `id, file_url, meta_json, locked, approved_at, created_at`

const versionColumns = `id, proof_id, sequence_number, file_url, meta_json, created_at`

func (s *SQLStore) InsertProof(ctx context.Context, p Proof) error {
	metaJSON, err := encodeMeta(p.Meta)
	if err != nil {
		return err
	}
	var approvedAt any
	if p.ApprovedAt != nil {
		approvedAt = formatTime(*p.ApprovedAt)
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO proofs (id, file_url, meta_json, locked, approved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.FileURL, metaJSON, lockedValue(p.Locked), approvedAt, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

// InsertProofWithVersion creates a proof together with its first revision.
func (s *SQLStore) InsertProofWithVersion(ctx context.Context, p Proof, v ProofVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create proof: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metaJSON, err := encodeMeta(p.Meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO proofs (id, file_url, meta_json, locked, approved_at, created_at)
		VALUES ($1, $2, $3, 0, NULL, $4)
	`), p.ID, p.FileURL, metaJSON, formatTime(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	if err := insertVersionTx(ctx, s.db, tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create proof: %w", err)
	}
	return nil
}

func (s *SQLStore) GetProof(ctx context.Context, proofID string) (Proof, error) {
	row := s.db.queryRow(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=$1`, proofID)
	p, err := scanProof(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proof{}, err
		}
		return Proof{}, fmt.Errorf("get proof: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListProofIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.query(ctx, `SELECT id FROM proofs ORDER BY COALESCE(created_at, '') ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan proof id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) UpdateProofMeta(ctx context.Context, proofID string, meta Meta) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, `UPDATE proofs SET meta_json=$1 WHERE id=$2`, metaJSON, proofID)
	if err != nil {
		return fmt.Errorf("update proof meta: %w", err)
	}
	return requireRow(res)
}

// UpdateProofRevision points a proof at a new file and metadata and clears
// its approval.
func (s *SQLStore) UpdateProofRevision(ctx context.Context, proofID, fileURL string, meta Meta) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, `
		UPDATE proofs
		SET file_url=$1, meta_json=$2, locked=0, approved_at=NULL
		WHERE id=$3
	`, fileURL, metaJSON, proofID)
	if err != nil {
		return fmt.Errorf("update proof revision: %w", err)
	}
	return requireRow(res)
}

// SetProofApproval locks a proof at approvedAt, or unlocks it when
// approvedAt is nil.
func (s *SQLStore) SetProofApproval(ctx context.Context, proofID string, approvedAt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if approvedAt != nil {
		res, err = s.db.exec(ctx, `UPDATE proofs SET locked=1, approved_at=$1 WHERE id=$2`, formatTime(*approvedAt), proofID)
	} else {
		res, err = s.db.exec(ctx, `UPDATE proofs SET locked=0, approved_at=NULL WHERE id=$1`, proofID)
	}
	if err != nil {
		return fmt.Errorf("set proof approval: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) InsertVersion(ctx context.Context, v ProofVersion) error {
	metaJSON, err := encodeMeta(v.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO proof_versions (id, proof_id, sequence_number, file_url, meta_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.ProofID, v.SequenceNumber, v.FileURL, metaJSON, formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// InsertVersionWithPages stores a revision and its initial pages atomically.
func (s *SQLStore) InsertVersionWithPages(ctx context.Context, v ProofVersion, pages []PageSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertVersionTx(ctx, s.db, tx, v); err != nil {
		return err
	}
	for _, page := range pages {
		dataJSON, err := encodeAnnotations(page.Annotations)
		if err != nil {
			return err
		}
		updatedAt := page.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = v.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO version_annotations (version_id, page, data_json, updated_at)
			VALUES ($1, $2, $3, $4)
		`), v.ID, page.Page, dataJSON, formatTime(updatedAt)); err != nil {
			return fmt.Errorf("insert version page %d: %w", page.Page, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert version: %w", err)
	}
	return nil
}

func insertVersionTx(ctx context.Context, db *DB, tx *sql.Tx, v ProofVersion) error {
	metaJSON, err := encodeMeta(v.Meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO proof_versions (id, proof_id, sequence_number, file_url, meta_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), v.ID, v.ProofID, v.SequenceNumber, v.FileURL, metaJSON, formatTime(v.CreatedAt)); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// LatestVersion returns the revision with the highest sequence number, or
// nil when the proof has none.
func (s *SQLStore) LatestVersion(ctx context.Context, proofID string) (*ProofVersion, error) {
	row := s.db.queryRow(ctx, `
		SELECT `+versionColumns+`
		FROM proof_versions
		WHERE proof_id=$1
		ORDER BY sequence_number DESC
		LIMIT 1
	`, proofID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &v, nil
}

func (s *SQLStore) GetVersion(ctx context.Context, versionID string) (ProofVersion, error) {
	v, err := scanVersion(s.db.queryRow(ctx, `SELECT `+versionColumns+` FROM proof_versions WHERE id=$1`, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProofVersion{}, err
		}
		return ProofVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *SQLStore) VersionBySequence(ctx context.Context, proofID string, sequence int) (ProofVersion, error) {
	v, err := scanVersion(s.db.queryRow(ctx, `
		SELECT `+versionColumns+`
		FROM proof_versions
		WHERE proof_id=$1 AND sequence_number=$2
	`, proofID, sequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProofVersion{}, err
		}
		return ProofVersion{}, fmt.Errorf("get version by sequence: %w", err)
	}
	return v, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, proofID string) ([]ProofVersion, error) {
	rows, err := s.db.query(ctx, `
		SELECT `+versionColumns+`
		FROM proof_versions
		WHERE proof_id=$1
		ORDER BY sequence_number ASC
	`, proofID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []ProofVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersionPage returns the stored list, or an empty list when the page has
// no record.
func (s *SQLStore) GetVersionPage(ctx context.Context, versionID string, page int) ([]annotation.Annotation, error) {
	var dataJSON string
	err := s.db.queryRow(ctx, `
		SELECT data_json FROM version_annotations WHERE version_id=$1 AND page=$2
	`, versionID, page).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return []annotation.Annotation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get version page: %w", err)
	}
	return decodeAnnotations(dataJSON)
}

// PutVersionPage replaces a page's whole list.
func (s *SQLStore) PutVersionPage(ctx context.Context, versionID string, page int, list []annotation.Annotation, updatedAt time.Time) error {
	dataJSON, err := encodeAnnotations(list)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO version_annotations (version_id, page, data_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version_id, page) DO UPDATE
		SET data_json=excluded.data_json, updated_at=excluded.updated_at
	`, versionID, page, dataJSON, formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("put version page: %w", err)
	}
	return nil
}

func (s *SQLStore) ListVersionPages(ctx context.Context, versionID string) ([]PageSet, error) {
	rows, err := s.db.query(ctx, `
		SELECT page, data_json, updated_at
		FROM version_annotations
		WHERE version_id=$1
		ORDER BY page ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list version pages: %w", err)
	}
	defer rows.Close()

	var out []PageSet
	for rows.Next() {
		var (
			set       PageSet
			dataJSON  string
			updatedAt string
		)
		if err := rows.Scan(&set.Page, &dataJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan version page: %w", err)
		}
		if set.Annotations, err = decodeAnnotations(dataJSON); err != nil {
			return nil, err
		}
		if set.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

// ListLegacyPages reads a proof's pre-versioning annotation pages.
func (s *SQLStore) ListLegacyPages(ctx context.Context, proofID string) ([]PageSet, error) {
	rows, err := s.db.query(ctx, `
		SELECT page, data_json FROM annotations WHERE proof_id=$1 ORDER BY page ASC
	`, proofID)
	if err != nil {
		return nil, fmt.Errorf("list legacy pages: %w", err)
	}
	defer rows.Close()

	var out []PageSet
	for rows.Next() {
		var (
			set      PageSet
			dataJSON string
		)
		if err := rows.Scan(&set.Page, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan legacy page: %w", err)
		}
		if set.Annotations, err = decodeAnnotations(dataJSON); err != nil {
			return nil, fmt.Errorf("legacy page %d: %w", set.Page, err)
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

// PutLegacyPage writes a pre-versioning page. Only imports and tests use it.
func (s *SQLStore) PutLegacyPage(ctx context.Context, proofID string, page int, list []annotation.Annotation) error {
	dataJSON, err := encodeAnnotations(list)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO annotations (proof_id, page, data_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (proof_id, page) DO UPDATE SET data_json=excluded.data_json
	`, proofID, page, dataJSON)
	if err != nil {
		return fmt.Errorf("put legacy page: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
