package vfs

import (
	"novakernel/kernel/sync"

	"github.com/google/uuid"
)

// deviceDetails maps a DeviceID back to the disk/partition pair it was
// allocated for, the way mod.rs's DeviceDetails does.
type deviceDetails struct {
	Drive     uuid.UUID
	Partition uuid.UUID
}

type diskEntry struct {
	driver     Disk
	partitions []uuid.UUID
}

// Vfs holds every registry the virtual filesystem layer needs: known
// disks and their partitions, the filesystem drivers available to
// mount them, which partitions are currently mounted and where, and the
// inode cache mirroring the mounted namespace. Exactly one instance
// exists, reachable only through the package-level functions in
// operations.go, which take globalLock before touching any of it — the
// spec's "VFS maps: single global, protected by a spinlock; held only
// for short lookups, never across I/O" policy.
type Vfs struct {
	disks                     map[uuid.UUID]*diskEntry
	filesystemDriverFactories map[uuid.UUID]FileSystemFactory
	mountedPartitions         map[uuid.UUID]FileSystem
	availablePartitions       map[uuid.UUID]Partition
	devices                   map[DeviceID]deviceDetails
	deviceCounter             uint64
	mountPoints               map[string]uuid.UUID
	cache                     *inodeCache
}

func newVfs() *Vfs {
	return &Vfs{
		disks:                     make(map[uuid.UUID]*diskEntry),
		filesystemDriverFactories: make(map[uuid.UUID]FileSystemFactory),
		mountedPartitions:         make(map[uuid.UUID]FileSystem),
		availablePartitions:       make(map[uuid.UUID]Partition),
		devices:                   make(map[DeviceID]deviceDetails),
		mountPoints:               make(map[string]uuid.UUID),
		cache:                     newInodeCache(),
	}
}

func (v *Vfs) allocateDevice() DeviceID {
	id := DeviceID(v.deviceCounter)
	v.deviceCounter++
	return id
}

func (v *Vfs) fileSystemForDevice(device DeviceID) (FileSystem, *Error) {
	details, ok := v.devices[device]
	if !ok {
		return nil, errNotFound
	}
	fs, ok := v.mountedPartitions[details.Partition]
	if !ok {
		return nil, errNotFound
	}
	return fs, nil
}

var (
	globalLock sync.Spinlock
	global     = newVfs()
)
