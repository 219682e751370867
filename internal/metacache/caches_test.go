package metacache

import "testing"

func TestInsertAndDropYieldsEmptyCache(t *testing.T) {
	c := NewInodeCache(64)
	c.Insert(1, DirectoryEntry{Inode: 1, Name: "a"})
	if _, ok := c.Lookup(1); !ok {
		t.Fatal("expected lookup hit after insert")
	}
	c.Drop()
	if _, ok := c.Lookup(1); ok {
		t.Fatal("expected empty cache after drop")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after drop, want 0", c.Len())
	}
}

func TestPauseRejectsInsert(t *testing.T) {
	c := NewPathCache(64)
	c.Pause()
	if ok := c.Insert(1, "/a"); ok {
		t.Fatal("Insert should be rejected while paused")
	}
	if _, ok := c.Lookup(1); ok {
		t.Fatal("paused insert must not have taken effect")
	}
	c.Resume()
	if ok := c.Insert(1, "/a"); !ok {
		t.Fatal("Insert should succeed after resume")
	}
}

func TestMd5PathNegativeEntry(t *testing.T) {
	c := NewMd5PathCache(64)
	var hash [16]byte
	hash[0] = 0xAB

	if _, res := c.Lookup(hash); res != Absent {
		t.Fatalf("Lookup on empty cache = %v, want Absent", res)
	}

	c.InsertNegative(hash)
	if _, res := c.Lookup(hash); res != Negative {
		t.Fatalf("Lookup after InsertNegative = %v, want Negative", res)
	}

	c.Insert(hash, DirectoryEntry{Name: "x"})
	entry, res := c.Lookup(hash)
	if res != Positive || entry.Name != "x" {
		t.Fatalf("Lookup after Insert = (%v, %v), want Positive/x", entry, res)
	}
}

func TestCapacityRoundedTo64(t *testing.T) {
	c := NewInodeCache(100)
	if c.EntrySize() != 128 {
		t.Fatalf("EntrySize() = %d, want 128", c.EntrySize())
	}
	c0 := NewInodeCache(0)
	if c0.EntrySize() != 64 {
		t.Fatalf("EntrySize() for 0 = %d, want 64", c0.EntrySize())
	}
}

func TestMetaCachesDrainCycle(t *testing.T) {
	m := New(Config{InodeCacheSize: 64, PathCacheSize: 64, Md5PathCacheSize: 64})
	m.Inodes.Insert(1, DirectoryEntry{Inode: 1})
	m.Paths.Insert(1, "/a")
	var h [16]byte
	m.Md5Paths.Insert(h, DirectoryEntry{Name: "a"})

	m.PauseAll()
	if ok := m.Inodes.Insert(2, DirectoryEntry{Inode: 2}); ok {
		t.Fatal("insert should fail while paused")
	}
	m.DropAll()
	if m.Inodes.Len() != 0 || m.Paths.Len() != 0 || m.Md5Paths.Len() != 0 {
		t.Fatal("expected all caches empty after DropAll")
	}
	m.ResumeAll()
	if ok := m.Inodes.Insert(3, DirectoryEntry{Inode: 3}); !ok {
		t.Fatal("insert should succeed after resume")
	}
}

func TestStatisticsTrackHitsAndMisses(t *testing.T) {
	c := NewInodeCache(64)
	c.Lookup(1)
	c.Insert(1, DirectoryEntry{Inode: 1})
	c.Lookup(1)
	stats := c.Statistics()
	if stats.Misses != 1 || stats.Hits != 1 || stats.Inserts != 1 {
		t.Fatalf("Statistics() = %+v, want 1 miss/1 hit/1 insert", stats)
	}
}
