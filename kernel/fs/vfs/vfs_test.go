package vfs

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"novakernel/kernel/mem"
	"testing"

	"github.com/google/uuid"
)

func TestResolvePathAbsolute(t *testing.T) {
	got := Resolve("/a/b/c", "/ignored")
	want := ResolvedPath{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestResolvePathRelative(t *testing.T) {
	got := Resolve("c", "/a/b")
	want := ResolvedPath{"a", "b", "c"}
	if got.String() != want.String() {
		t.Fatalf("got %q want %q", got.String(), want.String())
	}
}

func TestResolvePathDotDotPopsComponent(t *testing.T) {
	got := Resolve("/a/b/../c", "/")
	if got.String() != "/a/c" {
		t.Fatalf("got %q want /a/c", got.String())
	}
}

func TestResolvePathDotDotAtRootIsNoop(t *testing.T) {
	got := Resolve("/../..", "/")
	if !got.IsRoot() {
		t.Fatalf("got %q want root", got.String())
	}
}

func TestInodeCacheSpliceRequiresExistingAncestor(t *testing.T) {
	c := newInodeCache()
	c.initRoot(0, Inode{Index: RootInodeIndex})
	err := c.splice(ResolvedPath{"mnt", "data"}, 1, Inode{Index: RootInodeIndex})
	if err != errNotFound {
		t.Fatalf("expected errNotFound splicing under an uncached parent, got %v", err)
	}
}

func TestInodeCacheInsertThenSplice(t *testing.T) {
	c := newInodeCache()
	c.initRoot(0, Inode{Index: RootInodeIndex})
	root, _ := c.lookup(nil)
	c.insertChild(root, "mnt", Inode{Index: 3})

	if err := c.splice(ResolvedPath{"mnt"}, 1, Inode{Index: RootInodeIndex}); err != nil {
		t.Fatalf("splice: %v", err)
	}

	node, ok := c.lookup(ResolvedPath{"mnt"})
	if !ok {
		t.Fatal("expected /mnt to resolve after splice")
	}
	if node.device != 1 {
		t.Fatalf("got device %d want 1", node.device)
	}
	inode, ok := c.get(node.cacheNum)
	if !ok || inode.Index != RootInodeIndex {
		t.Fatalf("got inode %+v", inode)
	}
}

func TestInodeCacheRemoveChild(t *testing.T) {
	c := newInodeCache()
	c.initRoot(0, Inode{Index: RootInodeIndex})
	root, _ := c.lookup(nil)
	child := c.insertChild(root, "foo", Inode{Index: 5})
	c.removeChild(root, "foo")

	if _, ok := c.lookup(ResolvedPath{"foo"}); ok {
		t.Fatal("expected foo to be gone after removeChild")
	}
	if _, ok := c.get(child.cacheNum); ok {
		t.Fatal("expected arena slot to be freed after removeChild")
	}
}

// fakeDisk never actually gets read in these tests: a fakeFileSystem is
// installed directly, bypassing GPT parsing.
type fakeDisk struct{}

func (fakeDisk) ReadAsync(lba uint64, sectorCount uint16, dst []byte) (async.Task, *kernel.Error) {
	return nil, nil
}
func (fakeDisk) WriteAsync(lba uint64, sectorCount uint16, src []byte) (async.Task, *kernel.Error) {
	return nil, nil
}

// fakeFileSystem is a minimal in-memory FileSystem: a root directory
// holding one regular file.
type fakeFileSystem struct {
	unmounted bool
}

func (f *fakeFileSystem) Unmount() { f.unmounted = true }

func (f *fakeFileSystem) Read(inode InodeIndex, offset, size uint64, buffer []mem.PhysAddr) *kernel.Error {
	return nil
}

func (f *fakeFileSystem) ReadDir(inode InodeIndex) ([]DirEntry, *kernel.Error) {
	if inode != RootInodeIndex {
		return nil, &kernel.Error{Module: "fake", Message: "not a directory"}
	}
	return []DirEntry{{Inode: 5, Name: "foo.txt"}}, nil
}

func (f *fakeFileSystem) Write(inode InodeIndex, offset, size uint64, buffer []mem.PhysAddr) (Inode, *kernel.Error) {
	return Inode{}, nil
}

func (f *fakeFileSystem) Stat(inode InodeIndex) (Inode, *kernel.Error) {
	switch inode {
	case RootInodeIndex:
		return Inode{Index: RootInodeIndex, TypeMode: NewDirType(0o755)}, nil
	case 5:
		return Inode{Index: 5, TypeMode: NewFileType(0o644), Size: 42}, nil
	default:
		return Inode{}, &kernel.Error{Module: "fake", Message: "no such inode"}
	}
}

func (f *fakeFileSystem) SetStat(inode InodeIndex, data Inode) *kernel.Error { return nil }

func (f *fakeFileSystem) Create(name string, parentDir InodeIndex, typeMode InodeType, uid, gid uint16) (Inode, Inode, *kernel.Error) {
	return Inode{}, Inode{}, nil
}

func (f *fakeFileSystem) Unlink(parentInode InodeIndex, name string) *kernel.Error { return nil }

func (f *fakeFileSystem) Link(inode InodeIndex, parentDir InodeIndex, name string) (Inode, *kernel.Error) {
	return Inode{}, nil
}

func (f *fakeFileSystem) Truncate(inode InodeIndex, size uint64) *kernel.Error { return nil }

func (f *fakeFileSystem) Rename(inode, parentInode InodeIndex, name string) *kernel.Error { return nil }

type fakeFactory struct {
	fs *fakeFileSystem
}

func (f fakeFactory) Mount(partition MountedPartition) FileSystem { return f.fs }

func resetGlobal() {
	global = newVfs()
}

func TestMountOpenAndReadDir(t *testing.T) {
	resetGlobal()

	diskID := uuid.New()
	partitionID := uuid.New()
	fsType := uuid.New()
	fs := &fakeFileSystem{}

	global.disks[diskID] = &diskEntry{driver: fakeDisk{}}
	global.availablePartitions[partitionID] = Partition{Disk: diskID, FSTypeGUID: fsType, SizeLBAs: 100}
	RegisterFileSystemFactory(fsType, fakeFactory{fs: fs})

	if err := MountPartitionResolved(partitionID, RootPath()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := MountPartitionResolved(partitionID, RootPath()); err != errAlreadyMounted {
		t.Fatalf("expected errAlreadyMounted remounting root, got %v", err)
	}

	entries, err := ReadDir("/", "/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "foo.txt" {
		t.Fatalf("got %+v", entries)
	}

	handle, err := Open("/foo.txt", "/", NewFileFlags(true, false, false, false))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if handle.Inode().Index != 5 {
		t.Fatalf("got inode %d want 5", handle.Inode().Index)
	}

	inode, err := Stat(handle)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if inode.Size != 42 {
		t.Fatalf("got size %d want 42", inode.Size)
	}

	if _, err := Open("/foo.txt", "/", NewFileFlags(true, false, false, true)); err != errNotADirectory {
		t.Fatalf("expected errNotADirectory opening a file as a directory, got %v", err)
	}
	if _, err := Open("/", "/", NewFileFlags(true, false, false, false)); err != errIsADirectory {
		t.Fatalf("expected errIsADirectory opening the root as a file, got %v", err)
	}

	if err := UnmountPartition(partitionID); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if !fs.unmounted {
		t.Fatal("expected Unmount to have been called")
	}
	if _, err := Open("/foo.txt", "/", NewFileFlags(true, false, false, false)); err != errNotFound {
		t.Fatalf("expected errNotFound after unmount, got %v", err)
	}
}

func TestMountUnknownPartitionFails(t *testing.T) {
	resetGlobal()
	if err := MountPartitionResolved(uuid.New(), RootPath()); err != errPartitionUnknown {
		t.Fatalf("expected errPartitionUnknown, got %v", err)
	}
}

func TestMountWithNoRegisteredDriverFails(t *testing.T) {
	resetGlobal()
	diskID := uuid.New()
	partitionID := uuid.New()
	global.disks[diskID] = &diskEntry{driver: fakeDisk{}}
	global.availablePartitions[partitionID] = Partition{Disk: diskID, FSTypeGUID: uuid.New()}

	if err := MountPartitionResolved(partitionID, RootPath()); err != errNoDriver {
		t.Fatalf("expected errNoDriver, got %v", err)
	}
}
