// Package filestore turns uploaded proof files into stable file references.
// Keys are content addressed: the same bytes always give the same reference.
package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrEmpty is returned for zero-length uploads.
var ErrEmpty = errors.New("empty file")

// Store persists an upload and returns its public reference.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

var unsafeName = regexp.MustCompile(`[^\w.-]`)

// SanitizeName keeps letters, digits, dot, dash and underscore; everything
// else becomes an underscore.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

// ObjectKey returns proofs/<first 32 hex chars of blake2b-256>/<sanitized name>.
func ObjectKey(name string, data []byte) string {
	sum := blake2b.Sum256(data)
	return "proofs/" + hex.EncodeToString(sum[:])[:32] + "/" + SanitizeName(name)
}

// Dir stores uploads on the local filesystem and serves them under baseURL.
type Dir struct {
	root    string
	baseURL string
}

func NewDir(root, baseURL string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Dir{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	key := ObjectKey(name, data)
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return d.baseURL + "/" + key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename object: %w", err)
	}
	return d.baseURL + "/" + key, nil
}
