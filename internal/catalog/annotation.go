package catalog

// InodeAnnotation transforms mangled inodes and back. It is used to carve
// out a reserved inode space (or tag inodes for a secondary purpose); its
// two methods must be exact inverses of one another.
type InodeAnnotation interface {
	Annotate(inode uint64) uint64
	Strip(inode uint64) uint64
}

// identityAnnotation is the default no-op annotation.
type identityAnnotation struct{}

func (identityAnnotation) Annotate(inode uint64) uint64 { return inode }
func (identityAnnotation) Strip(inode uint64) uint64    { return inode }
