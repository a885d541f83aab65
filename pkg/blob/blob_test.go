package blob

import (
	"context"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	data := []byte(`{"columns":["vendor_id"],"rows":[["v_1"]]}`)
	ref, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "sha256:") {
		t.Fatalf("ref = %q, want sha256 prefix", ref)
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}

	ok, err := store.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}
}

func TestFileStorePutIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ref1, err := store.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	ref2, err := store.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ: %q vs %q", ref1, ref2)
	}

	ref3, err := store.Put(ctx, []byte("other bytes"))
	if err != nil {
		t.Fatalf("third Put: %v", err)
	}
	if ref3 == ref1 {
		t.Fatalf("different content produced the same ref %q", ref1)
	}
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ref, err := store.Put(ctx, []byte("deleteme"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err := store.Exists(ctx, ref)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", ok, err)
	}
	// Deleting again is fine.
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestBadRefs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, ref := range []string{"", "md5:abc", "sha256:", "sha256:zzzz"} {
		if _, err := store.Get(ctx, ref); err == nil {
			t.Errorf("Get(%q) succeeded, want error", ref)
		}
	}

	if _, err := store.Get(ctx, "sha256:"+strings.Repeat("ab", 32)); err == nil {
		t.Error("Get of missing blob succeeded, want error")
	}
}

func TestNewStoreDirPath(t *testing.T) {
	store, err := NewStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("store = %T, want *FileStore", store)
	}
}

func TestNewStoreEmptyLocation(t *testing.T) {
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatal("want error for empty location")
	}
}

func TestNewStoreS3RequiresBucket(t *testing.T) {
	if _, err := NewStore(context.Background(), "s3://"); err == nil {
		t.Fatal("want error when the s3 URI names no bucket")
	}
}

func TestSplitBucketURI(t *testing.T) {
	cases := []struct {
		in, bucket, prefix string
	}{
		{"snapshots", "snapshots", ""},
		{"snapshots/keel/prod", "snapshots", "keel/prod"},
		{"snapshots/keel/", "snapshots", "keel"},
		{"", "", ""},
	}
	for _, c := range cases {
		bucket, prefix := splitBucketURI(c.in)
		if bucket != c.bucket || prefix != c.prefix {
			t.Errorf("splitBucketURI(%q) = %q, %q; want %q, %q",
				c.in, bucket, prefix, c.bucket, c.prefix)
		}
	}
}
