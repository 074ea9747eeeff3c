package bundle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// FileRepository resolves bundle references on the local filesystem and
// materialises them into a cache directory keyed by content digest.
//
// Reference forms:
//   - "local://dev"        current working directory, sentinel digest, no copy
//   - "file://P"           absolute P, or P relative to the bundles root
//   - "local://P"          P relative to the bundles root
//   - "/abs/path"          absolute path
//   - "rel/path"           relative to the bundles root
type FileRepository struct {
	bundlesDir string
	cacheDir   string
	group      singleflight.Group
}

// NewFileRepository creates a repository rooted at bundlesDir, caching
// materialised bundles under cacheDir.
func NewFileRepository(bundlesDir, cacheDir string) (*FileRepository, error) {
	if _, err := os.Stat(bundlesDir); err != nil {
		return nil, fmt.Errorf("bundles directory %s: %w", bundlesDir, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bundle cache dir: %w", err)
	}
	return &FileRepository{bundlesDir: bundlesDir, cacheDir: cacheDir}, nil
}

// EnsureLocal resolves bundleRef, computes the content digest, and copies the
// bundle into the cache directory if not already present.
func (r *FileRepository) EnsureLocal(ctx context.Context, bundleRef string) (string, string, error) {
	if bundleRef == "" {
		return "", "", fmt.Errorf("%w: empty bundle reference", ErrNotFound)
	}

	if bundleRef == "local://dev" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", "", fmt.Errorf("resolving working directory: %w", err)
		}
		return DevDigest, cwd, nil
	}

	source, err := r.resolveRef(bundleRef)
	if err != nil {
		return "", "", err
	}

	digest, err := DirectoryDigest(source)
	if err != nil {
		return "", "", fmt.Errorf("digesting bundle %s: %w", bundleRef, err)
	}

	// Concurrent callers for the same digest share one materialisation.
	type located struct{ path string }
	v, err, _ := r.group.Do(digest, func() (any, error) {
		path, err := r.materialize(ctx, source, digest)
		if err != nil {
			return nil, err
		}
		return located{path: path}, nil
	})
	if err != nil {
		return "", "", err
	}
	return digest, v.(located).path, nil
}

func (r *FileRepository) resolveRef(bundleRef string) (string, error) {
	var source string
	switch {
	case strings.HasPrefix(bundleRef, "file://"):
		p := strings.TrimPrefix(bundleRef, "file://")
		if filepath.IsAbs(p) {
			source = p
		} else {
			source = filepath.Join(r.bundlesDir, p)
		}
	case strings.HasPrefix(bundleRef, "local://"):
		source = filepath.Join(r.bundlesDir, strings.TrimPrefix(bundleRef, "local://"))
	case filepath.IsAbs(bundleRef):
		source = bundleRef
	default:
		source = filepath.Join(r.bundlesDir, bundleRef)
	}

	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("%w: %s (resolved to %s)", ErrNotFound, bundleRef, source)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNotFound, source)
	}
	return source, nil
}

// materialize copies source into the cache as <cacheDir>/<digest> using a
// temp dir + rename for atomicity, serialised across processes by a file
// lock on <digest>.lock.
func (r *FileRepository) materialize(ctx context.Context, source, digest string) (string, error) {
	cachePath := filepath.Join(r.cacheDir, digest)
	if _, err := os.Stat(cachePath); err == nil {
		logrus.Debugf("bundle %s already cached at %s", digest[:12], cachePath)
		return cachePath, nil
	}

	lock := flock.New(filepath.Join(r.cacheDir, digest+".lock"))
	if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return "", fmt.Errorf("acquiring bundle lock for %s: %w", digest[:12], err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logrus.Warnf("releasing bundle lock for %s: %v", digest[:12], err)
		}
	}()

	// Another process may have finished the copy while we waited.
	if _, err := os.Stat(cachePath); err == nil {
		logrus.Debugf("bundle %s cached by another process", digest[:12])
		return cachePath, nil
	}

	logrus.Infof("caching bundle %s from %s", digest[:12], source)
	tempDir, err := os.MkdirTemp(r.cacheDir, ".tmp_"+digest[:8]+"_")
	if err != nil {
		return "", fmt.Errorf("creating bundle temp dir: %w", err)
	}
	tempBundle := filepath.Join(tempDir, "bundle")
	if err := copyTree(source, tempBundle); err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("copying bundle: %w", err)
	}
	if err := os.Rename(tempBundle, cachePath); err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("committing bundle copy: %w", err)
	}
	os.RemoveAll(tempDir)
	return cachePath, nil
}

// DirectoryDigest computes the blake2b-256 content digest of a directory:
// every regular file contributes its relative path, size, mtime seconds and
// content, in sorted path order.
func DirectoryDigest(root string) (string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		hasher.Write([]byte(rel))
		hasher.Write([]byte(strconv.FormatInt(info.Size(), 10)))
		hasher.Write([]byte(strconv.FormatInt(info.ModTime().Unix(), 10)))

		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(hasher, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
