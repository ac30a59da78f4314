package vfs

// FileFlags records how a file was opened, packed into one byte the
// same way file.rs's bitfield! does (bits 3 and 4 are consumed by
// open()'s create/truncate flags before a FileHandle is built, so they
// are never represented here).
type FileFlags uint8

const (
	flagRead FileFlags = 1 << iota
	flagWrite
	flagAppend
	_ // bit 3: create, handled by open() itself
	_ // bit 4: truncate, handled by open() itself
	flagDir
)

// NewFileFlags builds a FileFlags from the boolean options open()
// accepts.
func NewFileFlags(read, write, append, dir bool) FileFlags {
	var f FileFlags
	if read {
		f |= flagRead
	}
	if write {
		f |= flagWrite
	}
	if append {
		f |= flagAppend
	}
	if dir {
		f |= flagDir
	}
	return f
}

func (f FileFlags) Read() bool   { return f&flagRead != 0 }
func (f FileFlags) Write() bool  { return f&flagWrite != 0 }
func (f FileFlags) Append() bool { return f&flagAppend != 0 }
func (f FileFlags) Dir() bool    { return f&flagDir != 0 }

// FileHandle is the kernel-side state behind an open file descriptor:
// its current offset, the flags it was opened with, and the full
// device/inode chain walked to reach it (root first, target last) so
// the handle keeps identifying the same inode even if an intervening
// directory entry is later renamed or moved.
type FileHandle struct {
	Chain    []InodeIdentifier
	Position uint64
	Flags    FileFlags
}

// Inode returns the identifier of the file this handle refers to (the
// last link of Chain).
func (h *FileHandle) Inode() InodeIdentifier {
	return h.Chain[len(h.Chain)-1]
}
