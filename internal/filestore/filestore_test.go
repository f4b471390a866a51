package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"flyer.pdf", "flyer.pdf"},
		{"Spring flyer (v2).pdf", "Spring_flyer__v2_.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\proofs\menu.pdf`, "menu.pdf"},
		{".hidden", "hidden"},
		{"", "file"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.input); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestObjectKeyIsContentAddressed(t *testing.T) {
	a := ObjectKey("flyer.pdf", []byte("%PDF one"))
	b := ObjectKey("flyer.pdf", []byte("%PDF one"))
	c := ObjectKey("flyer.pdf", []byte("%PDF two"))
	if a != b {
		t.Fatalf("same bytes gave different keys: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different bytes gave the same key")
	}
	parts := strings.Split(a, "/")
	if len(parts) != 3 || parts[0] != "proofs" || len(parts[1]) != 32 || parts[2] != "flyer.pdf" {
		t.Fatalf("unexpected key layout %q", a)
	}
}

func TestDirPut(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root, "http://localhost:4000/uploads/")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	ctx := context.Background()
	data := []byte("%PDF-1.7 body")

	ref, err := d.Put(ctx, "my flyer.pdf", data, "application/pdf")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	key := ObjectKey("my flyer.pdf", data)
	if ref != "http://localhost:4000/uploads/"+key {
		t.Fatalf("ref = %q", ref)
	}
	got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("stored bytes = %q, %v", got, err)
	}

	again, err := d.Put(ctx, "my flyer.pdf", data, "application/pdf")
	if err != nil || again != ref {
		t.Fatalf("second Put = %q, %v", again, err)
	}

	if _, err := d.Put(ctx, "empty.pdf", nil, ""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty Put error = %v", err)
	}
}

type fakeObjects struct {
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
	puts    int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return minio.ObjectInfo{}, errors.New("The specified key does not exist.")
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+key] = data
	f.types[bucket+"/"+key] = opts.ContentType
	f.puts++
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func TestMinIOPutDeduplicates(t *testing.T) {
	objects := newFakeObjects()
	m := newMinIO(objects, "proofs", "https://cdn.example.com/")
	ctx := context.Background()

	if err := m.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if !objects.buckets["proofs"] {
		t.Fatal("bucket not created")
	}
	if err := m.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket twice: %v", err)
	}

	data := []byte("%PDF-1.7")
	ref, err := m.Put(ctx, "menu.pdf", data, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	key := ObjectKey("menu.pdf", data)
	if ref != "https://cdn.example.com/proofs/"+key {
		t.Fatalf("ref = %q", ref)
	}
	if objects.types["proofs/"+key] != "application/octet-stream" {
		t.Fatalf("content type = %q", objects.types["proofs/"+key])
	}

	again, err := m.Put(ctx, "menu.pdf", data, "application/pdf")
	if err != nil || again != ref {
		t.Fatalf("second Put = %q, %v", again, err)
	}
	if objects.puts != 1 {
		t.Fatalf("expected one upload, got %d", objects.puts)
	}
}
