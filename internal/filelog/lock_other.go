//go:build !unix

package filelog

import "context"

// lockFile is a no-op where flock is unavailable; the process mutex still
// serializes the ledger within one process.
func lockFile(ctx context.Context, path string) (func(), error) {
	return func() {}, nil
}
