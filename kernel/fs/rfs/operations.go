package rfs

import (
	"bytes"
	"novakernel/kernel"
	"novakernel/kernel/fs/vfs"
	"novakernel/kernel/mem"
	"unsafe"
)

// Read fills buffer (one physical frame per 4 KiB of the transfer) with
// size bytes starting at the 4 KiB-aligned offset. Grounded on
// rfs.rs's read_locked, minus its multi-level indirect walk: this port
// caps files at maxPtrLevel (1), so there is only ever the inline
// region or one flat array of data-block pointers to read from.
func (fs *Rfs) Read(inode vfs.InodeIndex, offset, size uint64, buffer []mem.PhysAddr) *kernel.Error {
	if size == 0 {
		return nil
	}
	if offset%blockSize != 0 {
		return errInvalidOffset
	}

	block, err := fs.inodeBlock(inode)
	if err != nil {
		return err
	}
	lock := fs.fileLock(inode)
	lock.RLock()
	defer lock.RUnlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return err
	}
	header := readInodeHeader(buf)
	if offset+size > header.Size.Size() {
		return errReadBeyondEOF
	}

	if header.Size.PtrLevels() == 0 {
		copy(frameBytes(buffer[0]), buf[inodeHeaderSize+offset:inodeHeaderSize+offset+size])
		return nil
	}

	ptrs := pointerSlice(buf)
	firstBlk := offset / blockSize
	lastBlk := (offset + size - 1) / blockSize
	for i := firstBlk; i <= lastBlk; i++ {
		if err := fs.readBlocks(ptrs[i], 1, frameBytes(buffer[i-firstBlk])); err != nil {
			return err
		}
	}
	return nil
}

// Write is the write-side counterpart of Read; a write past the
// current size grows the file first via growFile, the Go analogue of
// write_locked's increase_file_size call.
func (fs *Rfs) Write(inode vfs.InodeIndex, offset, size uint64, buffer []mem.PhysAddr) (vfs.Inode, *kernel.Error) {
	if offset%blockSize != 0 {
		return vfs.Inode{}, errInvalidOffset
	}

	block, err := fs.inodeBlock(inode)
	if err != nil {
		return vfs.Inode{}, err
	}
	lock := fs.fileLock(inode)
	lock.Lock()
	defer lock.Unlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return vfs.Inode{}, err
	}
	header := readInodeHeader(buf)

	newSize := offset + size
	if newSize > header.Size.Size() {
		if err := fs.growFile(buf, newSize); err != nil {
			return vfs.Inode{}, err
		}
		header = readInodeHeader(buf)
	}

	if header.Size.PtrLevels() == 0 {
		copy(buf[inodeHeaderSize+offset:inodeHeaderSize+newSize], frameBytes(buffer[0])[:size])
		if err := fs.writeBlocks(block, 1, buf); err != nil {
			return vfs.Inode{}, err
		}
		return toVFSInode(inode, 0, header), nil
	}

	if err := fs.writeBlocks(block, 1, buf); err != nil {
		return vfs.Inode{}, err
	}
	ptrs := pointerSlice(buf)
	firstBlk := offset / blockSize
	lastBlk := (offset + size - 1) / blockSize
	for i := firstBlk; i <= lastBlk; i++ {
		if err := fs.writeBlocks(ptrs[i], 1, frameBytes(buffer[i-firstBlk])); err != nil {
			return vfs.Inode{}, err
		}
	}
	return toVFSInode(inode, 0, header), nil
}

// growFile raises the size recorded in inodeBlock (the inode's own
// 4 KiB block, header followed by either inline data or block
// pointers) to newSize, promoting from ptr_levels 0 to 1 and
// allocating whatever additional data blocks the new size spans.
// Grounded on rfs.rs's increase_file_size, restricted to the one
// indirection level maxPtrLevel allows (see layout.go's comment on
// why increase_file_size's own level>=2 branch is never exercised).
func (fs *Rfs) growFile(inodeBlock []byte, newSize uint64) *kernel.Error {
	header := readInodeHeader(inodeBlock)
	oldSize := header.Size.Size()

	if header.Size.PtrLevels() == 0 && newSize <= directBytes {
		header.Size = newInodeSize(newSize, 0)
		return nil
	}
	if newSize > uint64(pointersPerBlk)*blockSize {
		return errFileTooLarge
	}

	if header.Size.PtrLevels() == 0 {
		if oldSize > 0 {
			dataBlock, err := fs.allocateBlock()
			if err != nil {
				return err
			}
			moved := make([]byte, blockSize)
			copy(moved, inodeBlock[inodeHeaderSize:inodeHeaderSize+oldSize])
			if err := fs.writeBlocks(dataBlock, 1, moved); err != nil {
				return err
			}
			for i := inodeHeaderSize; i < blockSize; i++ {
				inodeBlock[i] = 0
			}
			pointerSlice(inodeBlock)[0] = dataBlock
		} else {
			for i := inodeHeaderSize; i < blockSize; i++ {
				inodeBlock[i] = 0
			}
		}
	}

	ptrs := pointerSlice(inodeBlock)
	for i := blocksFor(oldSize); i < blocksFor(newSize); i++ {
		b, err := fs.allocateBlock()
		if err != nil {
			return err
		}
		ptrs[i] = b
	}

	header.Size = newInodeSize(newSize, maxPtrLevel)
	return nil
}

// persistSuperBlock writes the current B-tree root and inode-bitmask
// head back to block 1, called whenever insertKey grows the tree's
// root (an insert into the previous root that split it).
func (fs *Rfs) persistSuperBlock() *kernel.Error {
	sb := superBlock{InodeTreeBlock: fs.rootTreeBlock, InodeBitmaskBlock: fs.inodeBitmaskHead}
	return fs.writeBlocks(superBlockBlock, 1, structBytes(&sb))
}

func validDirName(name string) *kernel.Error {
	if len(name) == 0 || len(name) > dirEntryNameLen {
		return errNameTooLong
	}
	return nil
}

// linkLocked appends a directory entry for inode under parentDir,
// growing parentDir's content by one dirEntrySize record. Grounded on
// rfs.rs's link_locked, minus its "needs_second_block" dance: because
// growFile always promotes to ptr_levels 1 before a write that would
// cross the inline region's end (directBytes lands exactly on the
// inode block's own boundary, see layout.go), a new record is always
// written entirely inside one region or one data block, never split.
func (fs *Rfs) linkLocked(inode, parentDir vfs.InodeIndex, name string) (vfs.Inode, *kernel.Error) {
	if err := validDirName(name); err != nil {
		return vfs.Inode{}, err
	}

	parentBlock, err := fs.inodeBlock(parentDir)
	if err != nil {
		return vfs.Inode{}, err
	}
	lock := fs.fileLock(parentDir)
	lock.Lock()
	defer lock.Unlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(parentBlock, 1, buf); err != nil {
		return vfs.Inode{}, err
	}
	header := readInodeHeader(buf)
	offset := header.Size.Size()

	var entry onDiskDirEntry
	entry.Inode = uint32(inode)
	copy(entry.Name[:], name)

	newSize := offset + uint64(dirEntrySize)
	if newSize > header.Size.Size() {
		if err := fs.growFile(buf, newSize); err != nil {
			return vfs.Inode{}, err
		}
		header = readInodeHeader(buf)
	}

	if header.Size.PtrLevels() == 0 {
		copy(buf[inodeHeaderSize+offset:inodeHeaderSize+newSize], structBytes(&entry))
		if err := fs.writeBlocks(parentBlock, 1, buf); err != nil {
			return vfs.Inode{}, err
		}
		return toVFSInode(parentDir, 0, header), nil
	}

	if err := fs.writeBlocks(parentBlock, 1, buf); err != nil {
		return vfs.Inode{}, err
	}
	ptrs := pointerSlice(buf)
	blk := offset / blockSize
	within := offset % blockSize
	dataBuf := make([]byte, blockSize)
	if err := fs.readBlocks(ptrs[blk], 1, dataBuf); err != nil {
		return vfs.Inode{}, err
	}
	copy(dataBuf[within:within+uint64(dirEntrySize)], structBytes(&entry))
	if err := fs.writeBlocks(ptrs[blk], 1, dataBuf); err != nil {
		return vfs.Inode{}, err
	}
	return toVFSInode(parentDir, 0, header), nil
}

// Create allocates a fresh inode and data block, indexes it in the
// B-tree, then links it into parentDir under name. Grounded on
// rfs.rs's FileSystem::create.
func (fs *Rfs) Create(name string, parentDir vfs.InodeIndex, typeMode vfs.InodeType, uid, gid uint16) (vfs.Inode, vfs.Inode, *kernel.Error) {
	if err := validDirName(name); err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}

	newBlock, err := fs.allocateBlock()
	if err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}

	inodeIndex, err := fs.allocateInode()
	if err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}

	buf := make([]byte, blockSize)
	header := readInodeHeader(buf)
	header.Size = newInodeSize(0, 0)
	header.TypeMode = uint32(typeMode)
	header.LinkCount = 1
	header.UID = uid
	header.GID = gid
	if err := fs.writeBlocks(newBlock, 1, buf); err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}
	createdInode := toVFSInode(vfs.InodeIndex(inodeIndex), 0, header)

	fs.treeLock.Acquire()
	newRoot, err := fs.insertKey(fs.rootTreeBlock, btreeKey{Index: inodeIndex, InodeBlock: newBlock})
	if err == nil && newRoot != fs.rootTreeBlock {
		fs.rootTreeBlock = newRoot
		err = fs.persistSuperBlock()
	}
	fs.treeLock.Release()
	if err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}

	parentInode, err := fs.linkLocked(vfs.InodeIndex(inodeIndex), parentDir, name)
	if err != nil {
		return vfs.Inode{}, vfs.Inode{}, err
	}
	return parentInode, createdInode, nil
}

// Unlink is a stub: the on-disk directory format this port carries
// over has no tombstone representation for a removed record, and
// original_source's own unlink is a bare todo!() too, so this surfaces
// a clean error rather than silently leaving a dangling entry.
func (fs *Rfs) Unlink(parentInode vfs.InodeIndex, name string) *kernel.Error {
	return errUnlinkUnsupported
}

// Link adds a second directory entry for an already-existing inode and
// bumps its on-disk link count (original_source's own link_locked
// never does this — its "TODO: i don't increase link count??" is a
// known gap this port closes since nothing else would ever do it).
func (fs *Rfs) Link(inode, parentDir vfs.InodeIndex, name string) (vfs.Inode, *kernel.Error) {
	block, err := fs.inodeBlock(inode)
	if err != nil {
		return vfs.Inode{}, err
	}

	lock := fs.fileLock(inode)
	lock.Lock()
	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		lock.Unlock()
		return vfs.Inode{}, err
	}
	header := readInodeHeader(buf)
	header.LinkCount++
	werr := fs.writeBlocks(block, 1, buf)
	lock.Unlock()
	if werr != nil {
		return vfs.Inode{}, werr
	}

	return fs.linkLocked(inode, parentDir, name)
}

// Truncate grows or shrinks a file's recorded size. Growing reuses
// growFile; shrinking frees any data blocks that fall entirely past
// the new size. It never demotes ptr_levels back to 0, matching
// growFile's own one-way promotion.
func (fs *Rfs) Truncate(inode vfs.InodeIndex, size uint64) *kernel.Error {
	block, err := fs.inodeBlock(inode)
	if err != nil {
		return err
	}

	lock := fs.fileLock(inode)
	lock.Lock()
	defer lock.Unlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return err
	}
	header := readInodeHeader(buf)
	oldSize := header.Size.Size()

	if size > oldSize {
		if err := fs.growFile(buf, size); err != nil {
			return err
		}
		return fs.writeBlocks(block, 1, buf)
	}

	if header.Size.PtrLevels() == maxPtrLevel {
		ptrs := pointerSlice(buf)
		for i := blocksFor(size); i < blocksFor(oldSize); i++ {
			if ptrs[i] == 0 {
				continue
			}
			if err := fs.freeBlock(ptrs[i]); err != nil {
				return err
			}
			ptrs[i] = 0
		}
	}
	header.Size = newInodeSize(size, header.Size.PtrLevels())
	return fs.writeBlocks(block, 1, buf)
}

// Rename rewrites, in place, the name field of the directory entry
// under parentInode that points at inode. Grounded on rfs.rs's
// FileSystem::rename, minus its scratch-buffer copy of the whole
// directory: each directory record is read, patched and written back
// one data block at a time instead.
func (fs *Rfs) Rename(inode, parentInode vfs.InodeIndex, name string) *kernel.Error {
	if err := validDirName(name); err != nil {
		return err
	}

	block, err := fs.inodeBlock(parentInode)
	if err != nil {
		return err
	}
	lock := fs.fileLock(parentInode)
	lock.Lock()
	defer lock.Unlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return err
	}
	header := readInodeHeader(buf)
	size := header.Size.Size()

	var nameBuf [dirEntryNameLen]byte
	copy(nameBuf[:], name)

	if header.Size.PtrLevels() == 0 {
		for off := uint64(0); off+uint64(dirEntrySize) <= size; off += uint64(dirEntrySize) {
			entry := (*onDiskDirEntry)(unsafe.Pointer(&buf[inodeHeaderSize+off]))
			if entry.Inode == uint32(inode) {
				entry.Name = nameBuf
				return fs.writeBlocks(block, 1, buf)
			}
		}
		return errNameNotFound
	}

	ptrs := pointerSlice(buf)
	entriesPerBlock := uint64(blockSize / dirEntrySize)
	totalEntries := size / uint64(dirEntrySize)
	for i := uint64(0); i < totalEntries; i++ {
		blk := ptrs[i/entriesPerBlock]
		within := (i % entriesPerBlock) * uint64(dirEntrySize)
		dataBuf := make([]byte, blockSize)
		if err := fs.readBlocks(blk, 1, dataBuf); err != nil {
			return err
		}
		entry := (*onDiskDirEntry)(unsafe.Pointer(&dataBuf[within]))
		if entry.Inode == uint32(inode) {
			entry.Name = nameBuf
			return fs.writeBlocks(blk, 1, dataBuf)
		}
	}
	return errNameNotFound
}

// ReadDir returns every record in inode's content, the Go analogue of
// rfs.rs's FileSystem::read_dir.
func (fs *Rfs) ReadDir(inode vfs.InodeIndex) ([]vfs.DirEntry, *kernel.Error) {
	block, err := fs.inodeBlock(inode)
	if err != nil {
		return nil, err
	}
	lock := fs.fileLock(inode)
	lock.RLock()
	defer lock.RUnlock()

	buf := make([]byte, blockSize)
	if err := fs.readBlocks(block, 1, buf); err != nil {
		return nil, err
	}
	header := readInodeHeader(buf)
	size := header.Size.Size()
	if size == 0 {
		return nil, nil
	}

	var entries []vfs.DirEntry
	if header.Size.PtrLevels() == 0 {
		for off := uint64(0); off+uint64(dirEntrySize) <= size; off += uint64(dirEntrySize) {
			entry := (*onDiskDirEntry)(unsafe.Pointer(&buf[inodeHeaderSize+off]))
			entries = append(entries, vfs.DirEntry{Inode: vfs.InodeIndex(entry.Inode), Name: nameString(entry.Name[:])})
		}
		return entries, nil
	}

	ptrs := pointerSlice(buf)
	entriesPerBlock := uint64(blockSize / dirEntrySize)
	totalEntries := size / uint64(dirEntrySize)
	dataBuf := make([]byte, blockSize)
	curBlk := ^uint32(0)
	for i := uint64(0); i < totalEntries; i++ {
		blk := ptrs[i/entriesPerBlock]
		if blk != curBlk {
			if err := fs.readBlocks(blk, 1, dataBuf); err != nil {
				return nil, err
			}
			curBlk = blk
		}
		within := (i % entriesPerBlock) * uint64(dirEntrySize)
		entry := (*onDiskDirEntry)(unsafe.Pointer(&dataBuf[within]))
		entries = append(entries, vfs.DirEntry{Inode: vfs.InodeIndex(entry.Inode), Name: nameString(entry.Name[:])})
	}
	return entries, nil
}

func nameString(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}
