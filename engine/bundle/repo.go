// Package bundle resolves bundle references to locally materialised
// directories and content digests.
package bundle

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a bundle reference cannot be resolved.
var ErrNotFound = errors.New("bundle not found")

// DevDigest is the fixed sentinel digest for the local://dev reference.
const DevDigest = "dev0000000000000000000000000000000000000000000000000000000000000"

// Repository resolves a bundle reference to a local directory and digest.
//
// EnsureLocal is idempotent: the same logical content always yields the same
// digest, and repeated calls return the same materialised path.
type Repository interface {
	EnsureLocal(ctx context.Context, bundleRef string) (digest string, path string, err error)
}
