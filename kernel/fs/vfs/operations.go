package vfs

import (
	"novakernel/kernel/driver/gpt"

	"github.com/google/uuid"
)

// AddDisk reads a disk's GPT and registers every partition it finds as
// available to mount, returning the disk's own GUID. Calling it again
// for a disk already known is a no-op that returns the same GUID,
// matching add_disk's idempotence in operations.rs.
func AddDisk(disk Disk) (uuid.UUID, *Error) {
	globalLock.Acquire()
	defer globalLock.Release()

	diskID, err := gpt.DiskGUID(disk)
	if err != nil {
		return uuid.UUID{}, wrapError(KindIO, err)
	}
	id := uuid.UUID(diskID)
	if _, known := global.disks[id]; known {
		return id, nil
	}

	parts, err := gpt.ReadPartitions(disk)
	if err != nil {
		return uuid.UUID{}, wrapError(KindIO, err)
	}

	entry := &diskEntry{driver: disk}
	for _, p := range parts {
		pid := uuid.UUID(p.UniqueGUID)
		entry.partitions = append(entry.partitions, pid)
		global.availablePartitions[pid] = Partition{
			Disk:       id,
			FSTypeGUID: uuid.UUID(p.TypeGUID),
			StartLBA:   p.StartLBA,
			SizeLBAs:   p.SizeLBAs,
			Name:       p.Name,
		}
	}
	global.disks[id] = entry
	return id, nil
}

// RegisterFileSystemFactory makes a filesystem driver available to mount
// any partition whose GPT type GUID matches fsTypeGUID.
func RegisterFileSystemFactory(fsTypeGUID uuid.UUID, factory FileSystemFactory) {
	globalLock.Acquire()
	defer globalLock.Release()
	global.filesystemDriverFactories[fsTypeGUID] = factory
}

// MountPartition mounts partitionID at path, an absolute or
// working-directory-relative path resolved the same way open() resolves
// its own path argument.
func MountPartition(partitionID uuid.UUID, path, workingDir string) *Error {
	return MountPartitionResolved(partitionID, Resolve(path, workingDir))
}

// MountPartitionResolved mounts partitionID at an already-resolved path.
// Mounting at "/" establishes the filesystem root; original_source's
// mount_partition_resolved panics on any other path, but
// kernel/fs/vfs/fstree.go's splice gives a non-root mount point a real
// home in the inode cache, so it is supported here.
func MountPartitionResolved(partitionID uuid.UUID, mountpoint ResolvedPath) *Error {
	globalLock.Acquire()
	defer globalLock.Release()

	partition, ok := global.availablePartitions[partitionID]
	if !ok {
		return errPartitionUnknown
	}
	diskEntry, ok := global.disks[partition.Disk]
	if !ok {
		return errPartitionUnknown
	}
	factory, ok := global.filesystemDriverFactories[partition.FSTypeGUID]
	if !ok {
		return errNoDriver
	}
	key := mountpoint.String()
	if _, mounted := global.mountPoints[key]; mounted {
		return errAlreadyMounted
	}

	device := global.allocateDevice()
	fs := factory.Mount(MountedPartition{Disk: diskEntry.driver, Partition: partition})
	rootInode, serr := fs.Stat(RootInodeIndex)
	if serr != nil {
		return wrapError(KindIO, serr)
	}

	if mountpoint.IsRoot() {
		if global.cache.root != nil {
			return errAlreadyMounted
		}
		global.cache.initRoot(device, rootInode)
	} else if err := global.cache.splice(mountpoint, device, rootInode); err != nil {
		return err
	}

	global.mountedPartitions[partitionID] = fs
	global.devices[device] = deviceDetails{Drive: partition.Disk, Partition: partitionID}
	global.mountPoints[key] = partitionID
	return nil
}

// UnmountPartition unmounts a partition previously mounted with
// MountPartition, dropping every inode it had cached.
func UnmountPartition(partitionID uuid.UUID) *Error {
	globalLock.Acquire()
	defer globalLock.Release()

	fs, ok := global.mountedPartitions[partitionID]
	if !ok {
		return errPartitionUnknown
	}

	var mountKey string
	for k, pid := range global.mountPoints {
		if pid == partitionID {
			mountKey = k
			break
		}
	}

	fs.Unmount()
	delete(global.mountedPartitions, partitionID)
	delete(global.mountPoints, mountKey)
	for device, details := range global.devices {
		if details.Partition == partitionID {
			delete(global.devices, device)
		}
	}

	if mountKey == "/" || mountKey == "" {
		global.cache = newInodeCache()
		return nil
	}
	path := Resolve(mountKey, "/")
	if parent, ok := global.cache.lookup(path[:len(path)-1]); ok {
		delete(parent.children, path[len(path)-1])
	}
	return nil
}

// lookupChain resolves path against the mounted namespace, materializing
// any directory component not yet cached by asking its owning
// filesystem driver for it. The returned chain runs root-first,
// target-last.
func lookupChain(path ResolvedPath) ([]InodeIdentifier, *Error) {
	if global.cache.root == nil {
		return nil, errNotFound
	}
	node := global.cache.root
	rootInode, _ := global.cache.get(node.cacheNum)
	chain := []InodeIdentifier{{Device: node.device, Index: rootInode.Index}}

	for _, component := range path {
		child, ok := node.children[component]
		if !ok {
			fs, err := global.fileSystemForDevice(node.device)
			if err != nil {
				return nil, err
			}
			entries, ferr := fs.ReadDir(chain[len(chain)-1].Index)
			if ferr != nil {
				return nil, wrapError(KindIO, ferr)
			}
			var found *DirEntry
			for i := range entries {
				if entries[i].Name == component {
					found = &entries[i]
					break
				}
			}
			if found == nil {
				return nil, errNotFound
			}
			inode, serr := fs.Stat(found.Inode)
			if serr != nil {
				return nil, wrapError(KindIO, serr)
			}
			child = global.cache.insertChild(node, component, inode)
		}
		inode, _ := global.cache.get(child.cacheNum)
		chain = append(chain, InodeIdentifier{Device: child.device, Index: inode.Index})
		node = child
	}
	return chain, nil
}

// Open resolves path and returns a handle for it, failing if the
// requested flags and the inode's actual type disagree (a directory
// opened without Dir(), or a plain file opened with it).
func Open(path, workingDir string, flags FileFlags) (*FileHandle, *Error) {
	globalLock.Acquire()
	defer globalLock.Release()

	resolved := Resolve(path, workingDir)
	chain, err := lookupChain(resolved)
	if err != nil {
		return nil, err
	}
	target := chain[len(chain)-1]
	fs, err := global.fileSystemForDevice(target.Device)
	if err != nil {
		return nil, err
	}
	inode, serr := fs.Stat(target.Index)
	if serr != nil {
		return nil, wrapError(KindIO, serr)
	}
	if flags.Dir() && !inode.TypeMode.IsDir() {
		return nil, errNotADirectory
	}
	if !flags.Dir() && inode.TypeMode.IsDir() {
		return nil, errIsADirectory
	}
	return &FileHandle{Chain: chain, Flags: flags}, nil
}

// ReadDir lists the directory named by path.
func ReadDir(path, workingDir string) ([]DirEntry, *Error) {
	globalLock.Acquire()
	defer globalLock.Release()

	chain, err := lookupChain(Resolve(path, workingDir))
	if err != nil {
		return nil, err
	}
	target := chain[len(chain)-1]
	fs, err := global.fileSystemForDevice(target.Device)
	if err != nil {
		return nil, err
	}
	entries, ferr := fs.ReadDir(target.Index)
	if ferr != nil {
		return nil, wrapError(KindIO, ferr)
	}
	return entries, nil
}

// Stat returns the metadata of the open file a handle refers to.
func Stat(handle *FileHandle) (Inode, *Error) {
	globalLock.Acquire()
	defer globalLock.Release()

	target := handle.Inode()
	fs, err := global.fileSystemForDevice(target.Device)
	if err != nil {
		return Inode{}, err
	}
	inode, serr := fs.Stat(target.Index)
	if serr != nil {
		return Inode{}, wrapError(KindIO, serr)
	}
	return inode, nil
}
