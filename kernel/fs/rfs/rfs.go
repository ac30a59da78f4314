package rfs

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"novakernel/kernel/fs/vfs"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"unsafe"

	"github.com/google/uuid"
)

var (
	errNoSuchInode       = &kernel.Error{Module: "rfs", Message: "no such inode"}
	errOutOfSpace        = &kernel.Error{Module: "rfs", Message: "no free blocks left on this partition"}
	errFileTooLarge      = &kernel.Error{Module: "rfs", Message: "file exceeds the single indirect block limit"}
	errPartitionTooSmall = &kernel.Error{Module: "rfs", Message: "partition is too small to hold a filesystem"}
	errNameNotFound      = &kernel.Error{Module: "rfs", Message: "directory entry not found"}
	errInvalidOffset     = &kernel.Error{Module: "rfs", Message: "offset is not 4 KiB aligned"}
	errReadBeyondEOF     = &kernel.Error{Module: "rfs", Message: "read extends past the file's current size"}
	errUnlinkUnsupported = &kernel.Error{Module: "rfs", Message: "unlink is not implemented"}
	errNameTooLong       = &kernel.Error{Module: "rfs", Message: "directory entry name is empty or too long"}
)

// FSTypeGUID is the partition type GUID RFS registers itself under,
// carried over byte-for-byte from RfsFactory::UUID in rfs.rs
// (0xb1b3b44dbece44dfba0e964a35a05a16).
var FSTypeGUID = uuid.MustParse("b1b3b44d-bece-44df-ba0e-964a35a05a16")

// Rfs is one mounted instance of the filesystem: the B-tree root block
// locating every inode, the block-group and inode-number allocators,
// and a lock per open file. Grounded on rfs.rs's Rfs struct; unlike the
// original's write-back inode tree cache (flushed only at unmount by
// clean_inode_tree_cache), this port writes every modified node through
// to disk immediately, trading the original's batched-write performance
// for a simpler, always-consistent cache.
type Rfs struct {
	partition vfs.MountedPartition

	rootTreeBlock    uint32
	inodeBitmaskHead uint32
	groups           uint32
	blocks           uint32

	treeLock sync.Spinlock
	nodeCache map[uint32]*btreeNode

	blockAllocLock sync.Spinlock

	fileLocksMu sync.Spinlock
	fileLocks   map[vfs.InodeIndex]*sync.RWSpinlock
}

// New mounts partition, reading its superblock to locate the B-tree
// root and the inode bitmap chain head.
func New(partition vfs.MountedPartition) (*Rfs, *kernel.Error) {
	fs := &Rfs{
		partition: partition,
		nodeCache: make(map[uint32]*btreeNode),
		fileLocks: make(map[vfs.InodeIndex]*sync.RWSpinlock),
	}
	blocks := uint32(partition.Partition.SizeLBAs / blockSizeSectors)
	fs.blocks = blocks
	fs.groups = (blocks + groupBlockSize - 1) / groupBlockSize

	var sb superBlock
	if err := readBlocksOn(partition, superBlockBlock, 1, structBytes(&sb)); err != nil {
		return nil, err
	}
	fs.rootTreeBlock = sb.InodeTreeBlock
	fs.inodeBitmaskHead = sb.InodeBitmaskBlock
	return fs, nil
}

// Factory makes RFS mountable by type GUID through the VFS's
// FileSystemFactory registry, the Go analogue of rfs.rs's RfsFactory.
type Factory struct{}

func (Factory) Mount(partition vfs.MountedPartition) vfs.FileSystem {
	fs, err := New(partition)
	if err != nil {
		panic(err.Message)
	}
	return fs
}

func readBlocksOn(partition vfs.MountedPartition, block, count uint32, dst []byte) *kernel.Error {
	lba := partition.Partition.StartLBA + uint64(block)*blockSizeSectors
	task, err := partition.Disk.ReadAsync(lba, uint16(count)*blockSizeSectors, dst)
	if err != nil {
		return err
	}
	async.BlockTask(task)
	return nil
}

func writeBlocksOn(partition vfs.MountedPartition, block, count uint32, src []byte) *kernel.Error {
	lba := partition.Partition.StartLBA + uint64(block)*blockSizeSectors
	task, err := partition.Disk.WriteAsync(lba, uint16(count)*blockSizeSectors, src)
	if err != nil {
		return err
	}
	async.BlockTask(task)
	return nil
}

func (fs *Rfs) readBlocks(block, count uint32, dst []byte) *kernel.Error {
	return readBlocksOn(fs.partition, block, count, dst)
}

func (fs *Rfs) writeBlocks(block, count uint32, src []byte) *kernel.Error {
	return writeBlocksOn(fs.partition, block, count, src)
}

func (fs *Rfs) fileLock(inode vfs.InodeIndex) *sync.RWSpinlock {
	fs.fileLocksMu.Acquire()
	defer fs.fileLocksMu.Release()
	lock, ok := fs.fileLocks[inode]
	if !ok {
		lock = &sync.RWSpinlock{}
		fs.fileLocks[inode] = lock
	}
	return lock
}

// allocateBlock scans the block-group bitmaps for the first unused
// block, claims it, and returns its global block index. Grounded on
// rfs.rs's allocate_block, minus the staged read-then-write-after-
// release-lock pipelining the original does for async overlap (this
// port blocks synchronously on every I/O already).
func (fs *Rfs) allocateBlock() (uint32, *kernel.Error) {
	fs.blockAllocLock.Acquire()
	defer fs.blockAllocLock.Release()

	var bitmap bitmapBlock
	for g := uint32(0); g < fs.groups; g++ {
		groupBlock := g * groupBlockSize
		if err := fs.readBlocks(groupBlock, 1, bitmap[:]); err != nil {
			return 0, err
		}
		// The last group's bitmap covers a full groupBlockSize worth of
		// bits even when the partition ends partway through it; validBits
		// clamps the scan so those trailing bits, which address storage
		// past the end of the partition, are never handed out as free.
		validBits := uint32(groupBlockSize)
		if groupBlock+groupBlockSize > fs.blocks {
			validBits = fs.blocks - groupBlock
		}
		if idx, ok := bitmap.findEmptyBelow(validBits); ok {
			bitmap.set(idx)
			if err := fs.writeBlocks(groupBlock, 1, bitmap[:]); err != nil {
				return 0, err
			}
			return groupBlock + uint32(idx), nil
		}
	}
	return 0, errOutOfSpace
}

func (fs *Rfs) freeBlock(block uint32) *kernel.Error {
	fs.blockAllocLock.Acquire()
	defer fs.blockAllocLock.Release()

	group := block / groupBlockSize
	idx := int(block % groupBlockSize)
	groupBlock := group * groupBlockSize

	var bitmap bitmapBlock
	if err := fs.readBlocks(groupBlock, 1, bitmap[:]); err != nil {
		return err
	}
	bitmap.clear(idx)
	return fs.writeBlocks(groupBlock, 1, bitmap[:])
}

// allocateInode claims the first free slot in the inode-number bitmap
// chain starting at fs.inodeBitmaskHead, extending the chain with a
// freshly allocated block if every existing link is full. Grounded on
// rfs.rs's allocate_inode.
func (fs *Rfs) allocateInode() (uint32, *kernel.Error) {
	const capacityPerBlock = uint32(len(inodeBitmaskBlockLayout{}.Inodes)) * 8

	fs.treeLock.Acquire()
	defer fs.treeLock.Release()

	block := fs.inodeBitmaskHead
	chainPos := uint32(0)
	for {
		var layout inodeBitmaskBlockLayout
		if err := fs.readBlocks(block, 1, structBytes(&layout)); err != nil {
			return 0, err
		}
		if idx, ok := layout.findEmpty(); ok {
			layout.set(idx)
			if err := fs.writeBlocks(block, 1, structBytes(&layout)); err != nil {
				return 0, err
			}
			return chainPos*capacityPerBlock + uint32(idx), nil
		}
		if layout.NextPtr == 0 {
			newBlock, err := fs.allocateBlock()
			if err != nil {
				return 0, err
			}
			layout.NextPtr = newBlock
			if err := fs.writeBlocks(block, 1, structBytes(&layout)); err != nil {
				return 0, err
			}
			var fresh inodeBitmaskBlockLayout
			fresh.set(0)
			if err := fs.writeBlocks(newBlock, 1, structBytes(&fresh)); err != nil {
				return 0, err
			}
			return (chainPos + 1) * capacityPerBlock, nil
		}
		block = layout.NextPtr
		chainPos++
	}
}

func readInodeHeader(buf []byte) *onDiskInode {
	return (*onDiskInode)(unsafe.Pointer(&buf[0]))
}

func toVFSInode(index vfs.InodeIndex, device vfs.DeviceID, h *onDiskInode) vfs.Inode {
	return vfs.Inode{
		Index:              index,
		Device:             device,
		TypeMode:           vfs.InodeType(h.TypeMode),
		LinkCount:          h.LinkCount,
		UID:                h.UID,
		GID:                h.GID,
		Size:               h.Size.Size(),
		AccessTime:         h.AccessTime,
		ModificationTime:   h.ModificationTime,
		StatChangeTime:     h.StatChangeTime,
		PreferredBlockSize: blockSize,
		Blocks:             uint32((h.Size.Size() + blockSize - 1) / blockSize),
	}
}

func (fs *Rfs) inodeBlock(inode vfs.InodeIndex) (uint32, *kernel.Error) {
	fs.treeLock.Acquire()
	block, found, err := fs.findInodeBlock(fs.rootTreeBlock, uint32(inode))
	fs.treeLock.Release()
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errNoSuchInode
	}
	return block, nil
}

// Unmount drops the in-memory node cache; every node was already
// written through on modification, so there is nothing left to flush.
func (fs *Rfs) Unmount() {
	fs.nodeCache = make(map[uint32]*btreeNode)
}

func (fs *Rfs) Stat(inode vfs.InodeIndex) (vfs.Inode, *kernel.Error) {
	block, err := fs.inodeBlock(inode)
	if err != nil {
		return vfs.Inode{}, err
	}
	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return vfs.Inode{}, err
	}
	// The owning DeviceID is assigned by the VFS at mount time (see
	// vfs.MountPartitionResolved), not known to the filesystem driver
	// itself; every FileSystem.Stat leaves it zero and lets the VFS's
	// own InodeIdentifier chain carry the authoritative value.
	return toVFSInode(inode, 0, readInodeHeader(buf)), nil
}

func (fs *Rfs) SetStat(inode vfs.InodeIndex, data vfs.Inode) *kernel.Error {
	block, err := fs.inodeBlock(inode)
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return err
	}
	header := readInodeHeader(buf)
	header.TypeMode = uint32(data.TypeMode)
	header.UID = data.UID
	header.GID = data.GID
	header.AccessTime = data.AccessTime
	header.ModificationTime = data.ModificationTime
	header.StatChangeTime = data.StatChangeTime
	return fs.writeBlocks(block, 1, buf)
}
