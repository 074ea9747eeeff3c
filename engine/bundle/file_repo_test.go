package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeBundle(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, "mybundle")
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return dir
}

func newTestRepo(t *testing.T) (*FileRepository, string) {
	t.Helper()
	bundles := t.TempDir()
	repo, err := NewFileRepository(bundles, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return repo, bundles
}

func TestEnsureLocal_MaterializesAndCaches(t *testing.T) {
	repo, bundles := newTestRepo(t)
	writeBundle(t, bundles, map[string]string{"wire.py": "def wire(e, p, s): ...", "data/obs.csv": "a,b\n"})

	digest, path, err := repo.EnsureLocal(context.Background(), "mybundle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(digest) != 64 {
		t.Errorf("expected 64-char digest, got %d chars", len(digest))
	}
	if _, err := os.Stat(filepath.Join(path, "wire.py")); err != nil {
		t.Errorf("materialised bundle missing wire.py: %v", err)
	}

	// Second call is idempotent: same digest, same path.
	digest2, path2, err := repo.EnsureLocal(context.Background(), "mybundle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if digest2 != digest || path2 != path {
		t.Errorf("expected identical (digest, path), got (%s, %s)", digest2, path2)
	}
}

func TestEnsureLocal_RefForms(t *testing.T) {
	repo, bundles := newTestRepo(t)
	dir := writeBundle(t, bundles, map[string]string{"wire.py": "x"})

	refs := []string{"mybundle", "local://mybundle", "file://mybundle", dir}
	var digests []string
	for _, ref := range refs {
		digest, _, err := repo.EnsureLocal(context.Background(), ref)
		if err != nil {
			t.Fatalf("ref %q: unexpected error: %v", ref, err)
		}
		digests = append(digests, digest)
	}
	for i := 1; i < len(digests); i++ {
		if digests[i] != digests[0] {
			t.Errorf("ref %q produced digest %s, want %s", refs[i], digests[i], digests[0])
		}
	}
}

func TestEnsureLocal_DevSentinel(t *testing.T) {
	repo, _ := newTestRepo(t)
	digest, path, err := repo.EnsureLocal(context.Background(), "local://dev")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if digest != DevDigest {
		t.Errorf("expected sentinel digest, got %s", digest)
	}
	cwd, _ := os.Getwd()
	if path != cwd {
		t.Errorf("expected working directory %s, got %s", cwd, path)
	}
}

func TestEnsureLocal_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, _, err := repo.EnsureLocal(context.Background(), "no-such-bundle")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := repo.EnsureLocal(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty ref, got %v", err)
	}
}

func TestDirectoryDigest_ContentSensitivity(t *testing.T) {
	root := t.TempDir()
	dir := writeBundle(t, root, map[string]string{"a.txt": "one"})

	d1, err := DirectoryDigest(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, err := DirectoryDigest(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1 != d2 {
		t.Error("digest must be deterministic")
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d3, err := DirectoryDigest(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d3 == d1 {
		t.Error("content change must change the digest")
	}
}

func TestEnsureLocal_ConcurrentMaterialisation(t *testing.T) {
	repo, bundles := newTestRepo(t)
	writeBundle(t, bundles, map[string]string{"wire.py": "x", "big.bin": "payload"})

	const workers = 8
	var wg sync.WaitGroup
	digests := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			digests[i], _, errs[i] = repo.EnsureLocal(context.Background(), "mybundle")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: unexpected error: %v", i, errs[i])
		}
		if digests[i] != digests[0] {
			t.Errorf("worker %d got digest %s, want %s", i, digests[i], digests[0])
		}
	}
}
