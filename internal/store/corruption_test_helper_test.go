package store

import "os"

// writeGarbage overwrites path with bytes that are not a valid bbolt file,
// simulating on-disk corruption for recovery tests.
func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("this is not a bolt database file"), 0o600)
}
