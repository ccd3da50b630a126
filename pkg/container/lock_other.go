//go:build !unix

package container

// lockFile is a no-op where advisory locks are unavailable
func lockFile(*File) error {
	return nil
}
