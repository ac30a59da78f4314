// Command runqemu is the host-side launcher spec.md names as an external
// collaborator: it prepares a raw disk image backing the AHCI/RFS root
// partition and execs qemu-system-x86_64 against the kernel multiboot2
// image, the way iansmith-mazarin's and justanotherdot-biscuit's Makefiles
// drive QEMU, except the disk-image creation itself is done in Go with
// golang.org/x/sys/unix (Ftruncate/Mmap) instead of shelling out to
// dd/qemu-img.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	sectorSize = 512

	// gptHeaderLBA and gptEntriesLBA follow the protective-MBR layout
	// kernel/driver/gpt expects: LBA 0 is the protective MBR, LBA 1 the
	// GPT header, LBA 2 the start of the 128-byte partition entries.
	protectiveMBRLBA = 0
	gptHeaderLBA     = 1
	gptEntriesLBA    = 2
	numGPTEntries    = 128
	entrySize        = 128

	// rootPartitionStartLBA leaves room for the header and entry array
	// (128 entries * 128 bytes = 16 KiB = 32 sectors) plus slack.
	rootPartitionStartLBA = 64
)

// rfsFSTypeGUID mirrors kernel/fs/rfs.FSTypeGUID; duplicated here rather
// than imported since this tool builds for the host GOOS/GOARCH, not the
// kernel's freestanding target, and the kernel tree otherwise has no
// reason to be importable from host tooling.
var rfsFSTypeGUID = uuid.MustParse("b1b3b44d-bece-44df-ba0e-964a35a05a16")

func main() {
	kernelPath := flag.String("kernel", "novakernel.elf", "path to the multiboot2 kernel image")
	diskPath := flag.String("disk", "root.img", "path to the raw disk image backing the AHCI root partition")
	diskSizeMB := flag.Int64("disk-size-mb", 64, "size in MiB of the disk image, created if it does not already exist")
	memMB := flag.Int("mem", 512, "guest RAM in MiB")
	smpCount := flag.Int("smp", 2, "number of guest vCPUs")
	extraArgs := flag.String("qemu-args", "", "extra arguments appended verbatim to the qemu-system-x86_64 command line")
	flag.Parse()

	rootGUID := uuid.New()
	if err := ensureDiskImage(*diskPath, *diskSizeMB*1024*1024, rootGUID); err != nil {
		fmt.Fprintf(os.Stderr, "[runqemu] disk image: %s\n", err)
		os.Exit(1)
	}

	args := []string{
		"-m", fmt.Sprintf("%d", *memMB),
		"-smp", fmt.Sprintf("%d", *smpCount),
		"-kernel", *kernelPath,
		"-append", fmt.Sprintf("root=%s", rootGUID.String()),
		"-drive", fmt.Sprintf("id=root,file=%s,if=none,format=raw", *diskPath),
		"-device", "ahci,id=ahci0",
		"-device", "ide-hd,drive=root,bus=ahci0.0",
		"-serial", "stdio",
		"-no-reboot",
	}
	if *extraArgs != "" {
		args = append(args, splitFields(*extraArgs)...)
	}

	cmd := exec.Command("qemu-system-x86_64", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "[runqemu] qemu-system-x86_64: %s\n", err)
		os.Exit(1)
	}
}

// splitFields is a tiny stand-in for strings.Fields so this file pulls in
// no more of the stdlib than the flag/exec/os plumbing already needs.
func splitFields(s string) []string {
	var (
		fields []string
		start  = -1
	)
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return fields
}

// ensureDiskImage creates diskPath with the given size (if it does not
// already exist) and stamps a protective MBR plus a single-partition GPT
// whose entry carries rfsFSTypeGUID, so kernel/driver/gpt's scan and
// kernel/fs/vfs's factory lookup both find a mountable root. The
// partition's own RFS superblock is left zeroed: formatting the B-tree
// layout itself is a separate concern from booting a kernel image, so an
// operator pairs this tool with a filesystem image built out of band.
func ensureDiskImage(path string, size int64, partitionGUID uuid.UUID) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	defer unix.Munmap(data)

	totalSectors := uint64(size) / sectorSize
	writeProtectiveMBR(data, totalSectors)
	diskGUID := uuid.New()
	writeGPT(data, totalSectors, diskGUID, partitionGUID)

	return unix.Msync(data, unix.MS_SYNC)
}

func sectorOffset(lba uint64) int64 { return int64(lba) * sectorSize }

// writeProtectiveMBR writes the single 0xEE partition entry BIOS-era
// tooling expects at LBA 0 so it does not mistake a GPT disk for an
// unpartitioned one.
func writeProtectiveMBR(data []byte, totalSectors uint64) {
	mbr := data[sectorOffset(protectiveMBRLBA) : sectorOffset(protectiveMBRLBA)+sectorSize]
	for i := range mbr {
		mbr[i] = 0
	}

	const partEntryOff = 446
	mbr[partEntryOff+4] = 0xEE // partition type: GPT protective

	sz := totalSectors - 1
	if sz > 0xFFFFFFFF {
		sz = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(mbr[partEntryOff+8:], 1)
	binary.LittleEndian.PutUint32(mbr[partEntryOff+12:], uint32(sz))

	mbr[510] = 0x55
	mbr[511] = 0xAA
}

// writeGPT lays out a single-partition GPT matching
// kernel/driver/gpt.GptHeader/GptEntry field-for-field, spanning from
// rootPartitionStartLBA to the last usable sector.
func writeGPT(data []byte, totalSectors uint64, diskGUID, partitionGUID uuid.UUID) {
	lastUsable := totalSectors - 1 - 32 // leave room for a backup GPT, never written by this tool
	entriesBytes := numGPTEntries * entrySize

	entries := data[sectorOffset(gptEntriesLBA) : sectorOffset(gptEntriesLBA)+int64(entriesBytes)]
	for i := range entries {
		entries[i] = 0
	}

	entry := entries[:entrySize]
	putGUID(entry[0:16], rfsFSTypeGUID)
	putGUID(entry[16:32], partitionGUID)
	binary.LittleEndian.PutUint64(entry[32:40], rootPartitionStartLBA)
	binary.LittleEndian.PutUint64(entry[40:48], lastUsable)

	header := data[sectorOffset(gptHeaderLBA) : sectorOffset(gptHeaderLBA)+sectorSize]
	for i := range header {
		header[i] = 0
	}
	copy(header[0:8], []byte("EFI PART"))
	binary.LittleEndian.PutUint32(header[8:12], 0x00010000) // revision 1.0
	binary.LittleEndian.PutUint32(header[12:16], 92)         // header size
	binary.LittleEndian.PutUint64(header[24:32], gptHeaderLBA)
	binary.LittleEndian.PutUint64(header[32:40], totalSectors-1)
	binary.LittleEndian.PutUint64(header[40:48], rootPartitionStartLBA)
	binary.LittleEndian.PutUint64(header[48:56], lastUsable)
	putGUID(header[56:72], diskGUID)
	binary.LittleEndian.PutUint64(header[72:80], gptEntriesLBA)
	binary.LittleEndian.PutUint32(header[80:84], numGPTEntries)
	binary.LittleEndian.PutUint32(header[84:88], entrySize)
	// HeaderCRC32/PartitionEntryArrayCRC32 at offsets 16 and 88 are left
	// zero: kernel/driver/gpt never validates either checksum, it only
	// checks the signature, so this tool skips computing them.
}

// putGUID writes a uuid.UUID's 16 bytes verbatim: both
// kernel/driver/gpt.GptHeader.DiskGUID and GptEntry's GUID fields are
// treated as opaque [16]byte, so no endianness swap is needed to match
// what that package reads back.
func putGUID(dst []byte, id uuid.UUID) {
	copy(dst, id[:])
}
