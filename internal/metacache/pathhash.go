package metacache

import "crypto/md5" //nolint:gosec // cvmfs path hashes are MD5 by wire-format contract, not for security

// HashPath computes the 128-bit path hash used as the catalog lookup key
// for an absolute in-repository path.
func HashPath(path string) [16]byte {
	return md5.Sum([]byte(path))
}
