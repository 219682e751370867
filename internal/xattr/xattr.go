// Package xattr formats the fixed set of virtual user.* attributes a
// mounted repository exposes through getxattr/listxattr (spec §6).
package xattr

import "strconv"

// names is the fixed, ordered attribute list. Names puts hash/lhash in
// front of it only for regular files that carry a content hash.
var names = []string{
	"pid", "version", "revision", "root_hash", "expires",
	"maxfd", "usedfd", "useddirp", "nioerr",
	"proxy", "host", "uptime",
	"nclg", "nopen", "ndiropen", "ndownload",
	"timeout", "timeout_direct", "rx", "speed", "fqrn",
}

// Snapshot is the point-in-time bundle of values needed to answer any
// virtual attribute query. Callers build one per getxattr/listxattr call
// from the mount's live counters and configuration.
type Snapshot struct {
	PID      int
	Version  string
	Hash     string // content hash of the queried entry; empty if not applicable
	LHash    string // local (cache-object) hash of the queried entry; empty if not applicable
	RootHash string
	Revision uint64

	// ExpiresMinutes is minutes until the mounted root's TTL elapses, or
	// < 0 to report "never" (a fixed, non-expiring root hash mount).
	ExpiresMinutes int64

	MaxFd    int
	UsedFd   int
	UsedDirP int
	NIOErr   uint64

	Proxy string
	Host  string

	UptimeMinutes int64

	NumCatalogs   int
	NumOpen       uint64
	NumDirOpen    uint64
	NumDownload   uint64
	Timeout       int
	TimeoutDirect int
	RxKiB         uint64
	SpeedKiBs     uint64
	Fqrn          string
}

// Names returns the fixed attribute list, with "hash"/"lhash" placed first
// when the queried entry is a regular file carrying a content hash.
func Names(hasHash bool) []string {
	if !hasHash {
		return names
	}
	out := make([]string, 0, len(names)+2)
	out = append(out, "hash", "lhash")
	out = append(out, names...)
	return out
}

// Get formats the named attribute (without its "user." prefix). ok is
// false for unknown names, or for "hash"/"lhash" when the snapshot carries
// no content hash.
func Get(name string, s Snapshot) (string, bool) {
	switch name {
	case "pid":
		return strconv.Itoa(s.PID), true
	case "version":
		return s.Version, true
	case "hash":
		if s.Hash == "" {
			return "", false
		}
		return s.Hash, true
	case "lhash":
		if s.LHash == "" {
			return "", false
		}
		return s.LHash, true
	case "revision":
		return strconv.FormatUint(s.Revision, 10), true
	case "root_hash":
		return s.RootHash, true
	case "expires":
		if s.ExpiresMinutes < 0 {
			return "never", true
		}
		return strconv.FormatInt(s.ExpiresMinutes, 10), true
	case "maxfd":
		return strconv.Itoa(s.MaxFd), true
	case "usedfd":
		return strconv.Itoa(s.UsedFd), true
	case "useddirp":
		return strconv.Itoa(s.UsedDirP), true
	case "nioerr":
		return strconv.FormatUint(s.NIOErr, 10), true
	case "proxy":
		return s.Proxy, true
	case "host":
		return s.Host, true
	case "uptime":
		return strconv.FormatInt(s.UptimeMinutes, 10), true
	case "nclg":
		return strconv.Itoa(s.NumCatalogs), true
	case "nopen":
		return strconv.FormatUint(s.NumOpen, 10), true
	case "ndiropen":
		return strconv.FormatUint(s.NumDirOpen, 10), true
	case "ndownload":
		return strconv.FormatUint(s.NumDownload, 10), true
	case "timeout":
		return strconv.Itoa(s.Timeout), true
	case "timeout_direct":
		return strconv.Itoa(s.TimeoutDirect), true
	case "rx":
		return strconv.FormatUint(s.RxKiB, 10), true
	case "speed":
		return strconv.FormatUint(s.SpeedKiBs, 10), true
	case "fqrn":
		return s.Fqrn, true
	default:
		return "", false
	}
}
