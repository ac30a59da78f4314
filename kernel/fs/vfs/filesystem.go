package vfs

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"novakernel/kernel/mem"

	"github.com/google/uuid"
)

// Disk is the block-device surface a filesystem driver needs: sector
// reads and writes that complete asynchronously, the same contract
// kernel/driver/ahci.Port and kernel/driver/gpt.BlockReader already
// satisfy.
type Disk interface {
	ReadAsync(lba uint64, sectorCount uint16, dst []byte) (async.Task, *kernel.Error)
	WriteAsync(lba uint64, sectorCount uint16, src []byte) (async.Task, *kernel.Error)
}

// Partition describes one entry from a disk's partition table, resolved
// to the disk it lives on.
type Partition struct {
	Disk       uuid.UUID
	FSTypeGUID uuid.UUID
	StartLBA   uint64
	SizeLBAs   uint64
	Name       string
}

// MountedPartition bundles a live disk driver with the partition
// geometry a filesystem factory needs to start reading its superblock.
type MountedPartition struct {
	Disk      Disk
	Partition Partition
}

// DirEntry is one record a FileSystem's ReadDir returns.
type DirEntry struct {
	Inode InodeIndex
	Name  string
}

// FileSystemFactory constructs a FileSystem driver for a freshly
// identified partition, the Go analogue of filesystem_trait.rs's
// FileSystemFactory trait.
type FileSystemFactory interface {
	Mount(partition MountedPartition) FileSystem
}

// FileSystem is the capability interface every on-disk (or synthetic)
// filesystem driver implements; the VFS talks to every mounted
// filesystem exclusively through this interface, translating its errors
// into the stable set in kernel/fs/vfs/errors.go before they reach a
// syscall handler.
type FileSystem interface {
	Unmount()
	// Read fills buffer (backed by the supplied physical frames) with
	// size bytes starting at offset, which must be 4 KiB aligned.
	Read(inode InodeIndex, offset, size uint64, buffer []mem.PhysAddr) *kernel.Error
	ReadDir(inode InodeIndex) ([]DirEntry, *kernel.Error)
	// Write is the write-side counterpart of Read; it returns the
	// inode's updated metadata (size, block count) after the write.
	Write(inode InodeIndex, offset, size uint64, buffer []mem.PhysAddr) (Inode, *kernel.Error)
	Stat(inode InodeIndex) (Inode, *kernel.Error)
	SetStat(inode InodeIndex, data Inode) *kernel.Error
	// Create returns the updated parent inode and the newly created
	// inode.
	Create(name string, parentDir InodeIndex, typeMode InodeType, uid, gid uint16) (Inode, Inode, *kernel.Error)
	Unlink(parentInode InodeIndex, name string) *kernel.Error
	// Link returns the updated parent inode.
	Link(inode InodeIndex, parentDir InodeIndex, name string) (Inode, *kernel.Error)
	Truncate(inode InodeIndex, size uint64) *kernel.Error
	Rename(inode, parentInode InodeIndex, name string) *kernel.Error
}
