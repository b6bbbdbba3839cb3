package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/layer"
)

func testStore(t *testing.T, capacity int64) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dir: t.TempDir(), Capacity: capacity})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func blobFor(content string) (layer.Layer, []byte) {
	b := []byte(content)
	return layer.Layer{
		Digest: digest.FromBytes(b),
		DiffID: digest.FromBytes(b),
		Size:   int64(len(b)),
	}, b
}

// storeBlob stores content under key and releases the pin Store hands
// back, so eviction behaves as if the storing build already finished.
func storeBlob(t *testing.T, s *Store, key digest.Digest, content string) layer.Layer {
	t.Helper()
	l, b := blobFor(content)
	if err := s.Store(context.Background(), key, l, bytes.NewReader(b)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	s.Unpin(key)
	return l
}

func TestStoreLookupRoundTrip(t *testing.T) {
	t.Parallel()

	s := testStore(t, 0)
	key := Key("", "RUN make", nil, nil)
	want := storeBlob(t, s, key, "layer-bytes")

	got, path, found, err := s.Lookup(context.Background(), key)
	if err != nil || !found {
		t.Fatalf("Lookup = found=%v err=%v", found, err)
	}
	if got.Digest != want.Digest || got.Size != want.Size {
		t.Fatalf("Lookup = %+v, want %+v", got, want)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "layer-bytes" {
		t.Fatalf("blob content = %q, %v", b, err)
	}
}

func TestLookupMiss(t *testing.T) {
	t.Parallel()

	s := testStore(t, 0)
	_, _, found, err := s.Lookup(context.Background(), Key("", "RUN nothing", nil, nil))
	if err != nil || found {
		t.Fatalf("Lookup on empty store = found=%v err=%v", found, err)
	}
}

func TestStoreIsIdempotent(t *testing.T) {
	t.Parallel()

	s := testStore(t, 0)
	key := Key("", "RUN make", nil, nil)
	first := storeBlob(t, s, key, "first")

	// Second writer for the same key loses silently.
	second, b := blobFor("second-different")
	if err := s.Store(context.Background(), key, second, bytes.NewReader(b)); err != nil {
		t.Fatalf("racing store errored: %v", err)
	}

	got, _, found, err := s.Lookup(context.Background(), key)
	if err != nil || !found {
		t.Fatalf("Lookup = found=%v err=%v", found, err)
	}
	if got.Digest != first.Digest {
		t.Fatalf("second writer replaced the entry: %s", got.Digest)
	}
}

func TestCorruptBlobIsAMissAndPurged(t *testing.T) {
	t.Parallel()

	s := testStore(t, 0)
	key := Key("", "RUN make", nil, nil)
	l := storeBlob(t, s, key, "pristine")

	if err := os.WriteFile(s.BlobPath(l.Digest), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, found, err := s.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("corrupt lookup errored: %v", err)
	}
	if found {
		t.Fatal("corrupt entry reported as a hit")
	}
	if _, err := os.Stat(s.BlobPath(l.Digest)); !os.IsNotExist(err) {
		t.Fatal("corrupt blob was not purged")
	}
}

func TestEvictionIsLRUAndSkipsPinned(t *testing.T) {
	t.Parallel()

	// Capacity fits roughly two of the three blobs.
	s := testStore(t, 25)

	keyA := Key("", "RUN a", nil, nil)
	keyB := Key("", "RUN b", nil, nil)
	storeBlob(t, s, keyA, "aaaaaaaaaa")
	s.Pin(keyA)
	defer s.Unpin(keyA)
	storeBlob(t, s, keyB, "bbbbbbbbbb")

	// Third store pushes past capacity; keyA is older but pinned, so
	// keyB must be the one evicted.
	keyC := Key("", "RUN c", nil, nil)
	storeBlob(t, s, keyC, "cccccccccc")

	if _, _, found, _ := s.Lookup(context.Background(), keyA); !found {
		t.Fatal("pinned entry was evicted")
	}
	if _, _, found, _ := s.Lookup(context.Background(), keyB); found {
		t.Fatal("unpinned LRU entry survived eviction")
	}
	if _, _, found, _ := s.Lookup(context.Background(), keyC); !found {
		t.Fatal("newest entry was evicted")
	}
}

func TestLookupHitIsPinnedAgainstEviction(t *testing.T) {
	t.Parallel()

	// Capacity fits roughly two of the three blobs.
	s := testStore(t, 25)

	keyA := Key("", "RUN a", nil, nil)
	storeBlob(t, s, keyA, "aaaaaaaaaa")

	// A hit hands the pin to the caller; until Unpin the blob must stay
	// readable no matter what other builds store.
	_, path, found, err := s.Lookup(context.Background(), keyA)
	if err != nil || !found {
		t.Fatalf("Lookup = found=%v err=%v", found, err)
	}
	defer s.Unpin(keyA)

	keyB := Key("", "RUN b", nil, nil)
	keyC := Key("", "RUN c", nil, nil)
	storeBlob(t, s, keyB, "bbbbbbbbbb")
	storeBlob(t, s, keyC, "cccccccccc")

	b, err := os.ReadFile(path)
	if err != nil || string(b) != "aaaaaaaaaa" {
		t.Fatalf("blob held by a hit became unreadable: %q, %v", b, err)
	}
	if _, _, found, _ := s.Lookup(context.Background(), keyA); !found {
		t.Fatal("looked-up entry was evicted while its pin was held")
	}
	if _, _, found, _ := s.Lookup(context.Background(), keyB); found {
		t.Fatal("unpinned entry survived eviction")
	}
}

func TestPinFilesGuardOtherProcesses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	open := func() *Store {
		s, err := Open(context.Background(), Options{Dir: dir, Capacity: 25})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	s1, s2 := open(), open()

	// s1 stores and keeps the pin, as an in-flight build would.
	keyA := Key("", "RUN a", nil, nil)
	l, b := blobFor("aaaaaaaaaa")
	if err := s1.Store(context.Background(), keyA, l, bytes.NewReader(b)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	defer s1.Unpin(keyA)

	// s2 never saw s1's in-memory pin; its eviction must still honor
	// the pin file and drop its own oldest entry instead.
	keyB := Key("", "RUN b", nil, nil)
	keyC := Key("", "RUN c", nil, nil)
	storeBlob(t, s2, keyB, "bbbbbbbbbb")
	storeBlob(t, s2, keyC, "cccccccccc")

	if _, _, found, _ := s2.Lookup(context.Background(), keyA); !found {
		t.Fatal("entry pinned by another process was evicted")
	}
	if _, _, found, _ := s2.Lookup(context.Background(), keyB); found {
		t.Fatal("unpinned entry survived eviction")
	}
}

func TestEvictionKeepsBlobSharedAcrossKeys(t *testing.T) {
	t.Parallel()

	s := testStore(t, 25)

	// Two keys index the same blob; evicting one row must not take the
	// other's blob with it.
	keyA := Key("", "RUN same", nil, nil)
	keyB := Key("sha256:other-parent", "RUN same", nil, nil)
	l := storeBlob(t, s, keyA, "shared-bytes")
	storeBlob(t, s, keyB, "shared-bytes")

	keyC := Key("", "RUN c", nil, nil)
	storeBlob(t, s, keyC, "cccccccccc")

	foundA := false
	if _, _, f, _ := s.Lookup(context.Background(), keyA); f {
		foundA = true
	}
	foundB := false
	if _, _, f, _ := s.Lookup(context.Background(), keyB); f {
		foundB = true
	}
	if foundA == foundB {
		t.Fatalf("expected exactly one of the shared keys to survive, got A=%v B=%v", foundA, foundB)
	}
	if _, err := os.Stat(s.BlobPath(l.Digest)); err != nil {
		t.Fatalf("shared blob removed while still referenced: %v", err)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s := testStore(t, 0)
	storeBlob(t, s, Key("", "RUN a", nil, nil), "a-bytes")
	storeBlob(t, s, Key("", "RUN b", nil, nil), "b-bytes")

	removed, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	count, bytesUsed, err := s.Stats(context.Background())
	if err != nil || count != 0 || bytesUsed != 0 {
		t.Fatalf("Stats after prune = %d, %d, %v", count, bytesUsed, err)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("blob dir not emptied: %v, %v", entries, err)
	}
}

func TestKeyDerivation(t *testing.T) {
	t.Parallel()

	args := map[string]string{"VER": "1", "UNUSED": "x"}
	base := Key("sha256:parent", "RUN install $VER", []string{"VER"}, args)

	if base != Key("sha256:parent", "RUN install $VER", []string{"VER"}, args) {
		t.Fatal("key is not deterministic")
	}
	if base == Key("sha256:other", "RUN install $VER", []string{"VER"}, args) {
		t.Fatal("key ignores parent digest")
	}
	if base == Key("sha256:parent", "RUN install $VER", []string{"VER"}, map[string]string{"VER": "2"}) {
		t.Fatal("key ignores referenced arg value")
	}
	// Args the instruction never references must not shift the key.
	if base != Key("sha256:parent", "RUN install $VER", []string{"VER"}, map[string]string{"VER": "1", "UNUSED": "y"}) {
		t.Fatal("key depends on unreferenced arg")
	}
	// External input fingerprints shift the key.
	if base == Key("sha256:parent", "RUN install $VER", []string{"VER"}, args, "src=sha256:abc") {
		t.Fatal("key ignores input fingerprints")
	}
}

func TestFSMutex(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cache.lock")
	mu := NewFSMutex(lockPath)
	if err := mu.Lock(3); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	other := NewFSMutex(lockPath)
	if err := other.Lock(2); err == nil {
		t.Fatal("second locker should fail within try limit")
	}

	mu.Unlock()
	if err := other.Lock(3); err != nil {
		t.Fatalf("Lock after Unlock failed: %v", err)
	}
	other.Unlock()
}
