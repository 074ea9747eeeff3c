package provenance

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BlobBackend uploads finalised provenance files to remote blob storage.
// Implementations wrap a cloud SDK; keys mirror the store-relative layout.
type BlobBackend interface {
	Upload(key string, data []byte) error
}

// DirBackend replicates blobs into a directory tree, typically a mounted
// cloud container or NFS export. Keys map directly to relative paths.
type DirBackend struct {
	root string
}

// NewDirBackend creates (if needed) the target directory.
func NewDirBackend(root string) (*DirBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirBackend{root: root}, nil
}

// Upload writes one blob under the backend root.
func (b *DirBackend) Upload(key string, data []byte) error {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Mirror replicates committed provenance directories to a blob backend,
// asynchronously and best-effort: the local tree is the source of truth
// while a job runs, so replication failures only log. A circuit breaker
// stops hammering an unreachable backend.
type Mirror struct {
	root    string
	backend BlobBackend
	breaker *gobreaker.CircuitBreaker
	queue   chan string
	done    chan struct{}
}

// NewMirror starts a mirror worker replicating from the given local root.
func NewMirror(root string, backend BlobBackend) *Mirror {
	m := &Mirror{
		root:    root,
		backend: backend,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provenance-mirror",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		queue: make(chan string, 1024),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Replicate enqueues a committed store-relative directory for upload.
// Drops the request when the queue is full rather than blocking a put.
func (m *Mirror) Replicate(relDir string) {
	select {
	case m.queue <- relDir:
	default:
		logrus.Warnf("mirror queue full, dropping %s", relDir)
	}
}

// Close drains no further work and stops the worker.
func (m *Mirror) Close() {
	close(m.queue)
	<-m.done
}

func (m *Mirror) run() {
	defer close(m.done)
	for relDir := range m.queue {
		if err := m.uploadDir(relDir); err != nil {
			logrus.Warnf("mirror upload of %s failed: %v", relDir, err)
		}
	}
}

func (m *Mirror) uploadDir(relDir string) error {
	dir := filepath.Join(m.root, relDir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = m.breaker.Execute(func() (any, error) {
			return nil, m.backend.Upload(filepath.ToSlash(rel), data)
		})
		return err
	})
}
