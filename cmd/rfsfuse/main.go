// Command rfsfuse exposes the RFS partition of a GPT disk image as a read-only FUSE
// mount for host-side inspection, the host-tooling analogue of
// github.com/hanwen/go-fuse/v2's own example/loopback: instead of
// delegating to an underlying POSIX filesystem it walks the on-disk
// B-tree and inode layout kernel/fs/rfs implements, reading directly out
// of the disk image file.
//
// The struct layouts below duplicate kernel/fs/rfs/layout.go's and
// btree.go's on-disk shapes rather than importing that package: the
// kernel tree assumes its bodyless, architecture-specific primitives are
// linked in from outside this retrieval pack, so nothing under
// novakernel/kernel is buildable as an ordinary host binary.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	blockSize  = 4096
	sectorSize = 512

	superBlockBlock = 1

	inodeHeaderSize = 32
	directBytes     = blockSize - inodeHeaderSize
	pointersPerBlk  = directBytes / 4

	dirEntryNameLen = 124
	dirEntrySize    = 4 + dirEntryNameLen

	btreeKeys  = 341
	btreeOrder = 342

	// rootInodeIndex matches kernel/fs/vfs.RootInodeIndex: every
	// mounted filesystem's root directory lives at inode 2.
	rootInodeIndex = 2
)

// rfsFSTypeGUID mirrors kernel/fs/rfs.FSTypeGUID.
var rfsFSTypeGUID = uuid.MustParse("b1b3b44d-bece-44df-ba0e-964a35a05a16")

// diskImage is a read-only view over one partition of a disk image file,
// addressed in RFS's own 4 KiB blocks.
type diskImage struct {
	f                 *os.File
	partitionStartLBA uint64
}

func (d *diskImage) readBlock(block uint32) ([]byte, error) {
	buf := make([]byte, blockSize)
	off := int64(d.partitionStartLBA*sectorSize) + int64(block)*blockSize
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block, err)
	}
	return buf, nil
}

// openRFSPartition parses the protective-MBR/GPT disk layout
// cmd/runqemu writes and returns a diskImage positioned at the first
// partition whose type GUID matches RFS's.
func openRFSPartition(path string) (*diskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, sectorSize)
	if _, err := f.ReadAt(header, sectorSize); err != nil {
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if string(header[0:8]) != "EFI PART" {
		return nil, fmt.Errorf("%s: no GPT signature at LBA 1", path)
	}

	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])

	entries := make([]byte, int(numEntries)*int(entrySize))
	if _, err := f.ReadAt(entries, int64(entryLBA)*sectorSize); err != nil {
		return nil, fmt.Errorf("reading partition entries: %w", err)
	}

	for i := uint32(0); i < numEntries; i++ {
		entry := entries[i*entrySize : i*entrySize+entrySize]
		var typeGUID uuid.UUID
		copy(typeGUID[:], entry[0:16])
		if typeGUID == rfsFSTypeGUID {
			startLBA := binary.LittleEndian.Uint64(entry[32:40])
			return &diskImage{f: f, partitionStartLBA: startLBA}, nil
		}
	}
	return nil, fmt.Errorf("%s: no RFS partition found", path)
}

// inodeHeader is the parsed form of rfs's onDiskInode.
type inodeHeader struct {
	size      uint64
	ptrLevels uint8
	typeMode  uint32
	linkCount uint16
	uid, gid  uint16
	atime     uint32
	mtime     uint32
	ctime     uint32
}

func parseInodeHeader(block []byte) inodeHeader {
	rawSize := binary.LittleEndian.Uint64(block[0:8])
	return inodeHeader{
		size:      rawSize & ((1 << 51) - 1),
		ptrLevels: uint8(rawSize >> 62),
		typeMode:  binary.LittleEndian.Uint32(block[8:12]),
		linkCount: binary.LittleEndian.Uint16(block[12:14]),
		uid:       binary.LittleEndian.Uint16(block[14:16]),
		gid:       binary.LittleEndian.Uint16(block[16:18]),
		atime:     binary.LittleEndian.Uint32(block[20:24]),
		mtime:     binary.LittleEndian.Uint32(block[24:28]),
		ctime:     binary.LittleEndian.Uint32(block[28:32]),
	}
}

// rfsImage bundles the disk image with the B-tree root located by its
// superblock, the read-only subset of kernel/fs/rfs.Rfs's state this
// tool needs.
type rfsImage struct {
	disk          *diskImage
	rootTreeBlock uint32
}

func openRFSImage(path string) (*rfsImage, error) {
	disk, err := openRFSPartition(path)
	if err != nil {
		return nil, err
	}
	sb, err := disk.readBlock(superBlockBlock)
	if err != nil {
		return nil, err
	}
	return &rfsImage{
		disk:          disk,
		rootTreeBlock: binary.LittleEndian.Uint32(sb[0:4]),
	}, nil
}

// findInodeBlock walks the B-tree rooted at img.rootTreeBlock for index,
// mirroring kernel/fs/rfs.(*Rfs).findInodeBlock.
func (img *rfsImage) findInodeBlock(index uint32) (uint32, error) {
	block := img.rootTreeBlock
	for {
		node, err := img.disk.readBlock(block)
		if err != nil {
			return 0, err
		}

		keyAt := func(i int) (idx, inodeBlock uint32) {
			off := i * 8
			return binary.LittleEndian.Uint32(node[off : off+4]), binary.LittleEndian.Uint32(node[off+4 : off+8])
		}
		childAt := func(i int) uint32 {
			off := btreeKeys*8 + i*4
			return binary.LittleEndian.Uint32(node[off : off+4])
		}

		i := 0
		for ; i < btreeKeys; i++ {
			idx, inodeBlock := keyAt(i)
			if idx == 0 {
				break
			}
			if idx == index {
				return inodeBlock, nil
			}
			if idx > index {
				break
			}
		}

		child := childAt(i)
		if child == 0 {
			return 0, fmt.Errorf("inode %d: not found", index)
		}
		block = child
	}
}

func (img *rfsImage) statInode(index uint32) (inodeHeader, error) {
	block, err := img.findInodeBlock(index)
	if err != nil {
		return inodeHeader{}, err
	}
	buf, err := img.disk.readBlock(block)
	if err != nil {
		return inodeHeader{}, err
	}
	return parseInodeHeader(buf), nil
}

// readFileData returns the full byte content of index, following one
// level of indirect block pointers when present.
func (img *rfsImage) readFileData(index uint32) ([]byte, error) {
	block, err := img.findInodeBlock(index)
	if err != nil {
		return nil, err
	}
	buf, err := img.disk.readBlock(block)
	if err != nil {
		return nil, err
	}
	hdr := parseInodeHeader(buf)

	if hdr.ptrLevels == 0 {
		data := buf[inodeHeaderSize:]
		if uint64(len(data)) > hdr.size {
			data = data[:hdr.size]
		}
		return data, nil
	}

	out := make([]byte, 0, hdr.size)
	ptrs := buf[inodeHeaderSize:]
	for i := 0; i < pointersPerBlk && uint64(len(out)) < hdr.size; i++ {
		off := i * 4
		ptr := binary.LittleEndian.Uint32(ptrs[off : off+4])
		if ptr == 0 {
			break
		}
		dataBlock, err := img.disk.readBlock(ptr)
		if err != nil {
			return nil, err
		}
		remaining := hdr.size - uint64(len(out))
		if remaining < blockSize {
			dataBlock = dataBlock[:remaining]
		}
		out = append(out, dataBlock...)
	}
	return out, nil
}

type dirEnt struct {
	name  string
	inode uint32
}

func (img *rfsImage) readDir(index uint32) ([]dirEnt, error) {
	data, err := img.readFileData(index)
	if err != nil {
		return nil, err
	}

	var out []dirEnt
	for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
		inode := binary.LittleEndian.Uint32(data[off : off+4])
		if inode == 0 {
			continue
		}
		nameBytes := data[off+4 : off+dirEntrySize]
		end := len(nameBytes)
		for i, b := range nameBytes {
			if b == 0 {
				end = i
				break
			}
		}
		out = append(out, dirEnt{name: string(nameBytes[:end]), inode: inode})
	}
	return out, nil
}

// fnode is a FUSE inode backed by one RFS inode index; it implements
// lookup/readdir/getattr/read the same way
// github.com/hanwen/go-fuse/v2/fs.loopbackNode does for a POSIX
// directory, except every operation resolves through rfsImage instead of
// syscall.Stat/Open.
type fnode struct {
	fs.Inode
	img *rfsImage
	ino uint32
}

var (
	_ = (fs.NodeGetattrer)((*fnode)(nil))
	_ = (fs.NodeLookuper)((*fnode)(nil))
	_ = (fs.NodeReaddirer)((*fnode)(nil))
	_ = (fs.NodeOpener)((*fnode)(nil))
	_ = (fs.NodeReader)((*fnode)(nil))
)

func attrFromHeader(out *fuse.Attr, hdr inodeHeader, ino uint32) {
	out.Ino = uint64(ino)
	out.Mode = hdr.typeMode
	out.Size = hdr.size
	out.Nlink = uint32(hdr.linkCount)
	out.Uid = uint32(hdr.uid)
	out.Gid = uint32(hdr.gid)
	out.Atime = uint64(hdr.atime)
	out.Mtime = uint64(hdr.mtime)
	out.Ctime = uint64(hdr.ctime)
	out.Blocks = (hdr.size + blockSize - 1) / blockSize
}

func (n *fnode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	hdr, err := n.img.statInode(n.ino)
	if err != nil {
		return syscall.EIO
	}
	attrFromHeader(&out.Attr, hdr, n.ino)
	return 0
}

func (n *fnode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entries, err := n.img.readDir(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, e := range entries {
		if e.name != name {
			continue
		}
		hdr, err := n.img.statInode(e.inode)
		if err != nil {
			return nil, syscall.EIO
		}
		attrFromHeader(&out.Attr, hdr, e.inode)
		child := &fnode{img: n.img, ino: e.inode}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: hdr.typeMode, Ino: uint64(e.inode)}), 0
	}
	return nil, syscall.ENOENT
}

func (n *fnode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.img.readDir(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if hdr, err := n.img.statInode(e.inode); err == nil {
			mode = hdr.typeMode
		}
		list = append(list, fuse.DirEntry{Name: e.name, Ino: uint64(e.inode), Mode: mode})
	}
	return fs.NewListDirStream(list), 0
}

func (n *fnode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fnode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.img.readFileData(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func main() {
	diskPath := flag.String("disk", "root.img", "path to a GPT disk image holding an RFS partition")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rfsfuse [-disk PATH] MOUNTPOINT")
		os.Exit(2)
	}
	mountPoint := flag.Arg(0)

	img, err := openRFSImage(*diskPath)
	if err != nil {
		log.Fatalf("opening %s: %v", *diskPath, err)
	}

	root := &fnode{img: img, ino: rootInodeIndex}
	server, err := fs.Mount(mountPoint, root, &fs.Options{})
	if err != nil {
		log.Fatalf("mount: %v", err)
	}

	fmt.Printf("rfsfuse: %s mounted at %s\n", *diskPath, mountPoint)
	server.Wait()
}
