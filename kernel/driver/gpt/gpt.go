// Package gpt reads the GUID Partition Table from a block device: the
// protective-MBR-following header at LBA 1 and its partition entry
// array, turning raw sectors into the Partition list the VFS mounts
// against.
//
// Grounded file-for-file on original_source/kernel/src/drivers/gpt.rs.
// Disk reads go through readSectors, which reads into a Go byte slice
// with BlockReader.ReadAsync and waits on the returned task with
// async.BlockTask, so it runs against any BlockReader.
package gpt

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"unicode/utf16"
	"unsafe"
)

const sectorSize = 512

var (
	gptSignature        = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}
	errBadSignature      = &kernel.Error{Module: "gpt", Message: "LBA 1 does not carry the EFI PART signature"}
	errEntryArrayTooLarge = &kernel.Error{Module: "gpt", Message: "partition entry array is larger than this driver supports"}
)

// BlockReader is the subset of kernel/driver/ahci.Port's surface GPT
// parsing needs: issue a sector-granular read and hand back a task that
// completes once the data has landed in dst.
type BlockReader interface {
	ReadAsync(lba uint64, sectorCount uint16, dst []byte) (async.Task, *kernel.Error)
}

// GptHeader is the 92-byte (plus reserved padding to 512) GPT header at
// LBA 1, field-for-field in on-disk order.
type GptHeader struct {
	Signature                [8]byte
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	reserved                 uint32
	ThisLBA                  uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumPartitionEntries      uint32
	SizePartitionEntry       uint32
	PartitionEntryArrayCRC32 uint32
}

// GptEntry is one 128-byte partition entry.
type GptEntry struct {
	PartitionTypeGUID   [16]byte
	UniquePartitionGUID [16]byte
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
	PartitionName       [36]uint16
}

// Partition is a parsed GPT entry, ready for the VFS to match its
// PartitionTypeGUID against a filesystem driver factory.
type Partition struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	Name       string
	StartLBA   uint64
	SizeLBAs   uint64
}

// readSectors issues a single synchronous read of count sectors starting
// at lba into a freshly allocated buffer. GPT parsing happens once per
// disk at mount time, well before the async executor is driving any
// other I/O, so blocking here (rather than returning a Task of our own)
// keeps callers simple.
func readSectors(disk BlockReader, lba uint64, count uint16) ([]byte, *kernel.Error) {
	buf := make([]byte, int(count)*sectorSize)
	task, err := disk.ReadAsync(lba, count, buf)
	if err != nil {
		return nil, err
	}
	async.BlockTask(task)
	return buf, nil
}

// ReadHeader reads and validates the GPT header at LBA 1.
func ReadHeader(disk BlockReader) (*GptHeader, *kernel.Error) {
	buf, err := readSectors(disk, 1, 1)
	if err != nil {
		return nil, err
	}
	header := (*GptHeader)(unsafe.Pointer(&buf[0]))
	if header.Signature != gptSignature {
		return nil, errBadSignature
	}
	return header, nil
}

// DiskGUID returns the disk's own GUID, read from the GPT header.
func DiskGUID(disk BlockReader) ([16]byte, *kernel.Error) {
	header, err := ReadHeader(disk)
	if err != nil {
		return [16]byte{}, err
	}
	return header.DiskGUID, nil
}

// maxEntryArraySectors bounds the partition entry array read to 64
// sectors (32 KiB), comfortably above the 16 KiB the GPT specification's
// minimum 128-entry array occupies; a disk claiming more is almost
// certainly corrupt.
const maxEntryArraySectors = 64

// ReadPartitions reads the GPT header and its full partition entry
// array, returning every entry whose type GUID is non-zero (an unused
// slot has an all-zero type GUID per the GPT specification).
func ReadPartitions(disk BlockReader) ([]Partition, *kernel.Error) {
	header, err := ReadHeader(disk)
	if err != nil {
		return nil, err
	}

	entrySize := int(header.SizePartitionEntry)
	numEntries := int(header.NumPartitionEntries)
	totalBytes := numEntries * entrySize
	entrySectors := (totalBytes + sectorSize - 1) / sectorSize
	if entrySectors > maxEntryArraySectors {
		return nil, errEntryArrayTooLarge
	}

	buf, err := readSectors(disk, header.PartitionEntryLBA, uint16(entrySectors))
	if err != nil {
		return nil, err
	}

	var partitions []Partition
	for i := 0; i < numEntries; i++ {
		off := i * entrySize
		if off+int(unsafe.Sizeof(GptEntry{})) > len(buf) {
			break
		}
		entry := (*GptEntry)(unsafe.Pointer(&buf[off]))
		if entry.PartitionTypeGUID == ([16]byte{}) {
			continue
		}
		partitions = append(partitions, Partition{
			TypeGUID:   entry.PartitionTypeGUID,
			UniqueGUID: entry.UniquePartitionGUID,
			Name:       decodeName(entry.PartitionName[:]),
			StartLBA:   entry.StartingLBA,
			SizeLBAs:   entry.EndingLBA - entry.StartingLBA + 1,
		})
	}
	return partitions, nil
}

// decodeName converts a NUL-terminated/padded UTF-16LE partition name
// field into a Go string, trimming at the first NUL the way the
// original driver's remove_matches("\0") does.
func decodeName(units []uint16) string {
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}
