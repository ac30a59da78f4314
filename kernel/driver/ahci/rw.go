package ahci

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"novakernel/kernel/vmm"
	"unsafe"
)

// sectorSize is the logical sector size novakernel assumes for every AHCI
// disk; IdentifyStructure.WordsPerSector is read during port init but
// only ever reports the standard 512 on the hardware this targets.
const sectorSize = 512

// ataReadDMAExt and ataWriteDMAExt are the LBA48 DMA read/write command
// codes, chosen over the 28-bit variants so a single command can address
// the full 48-bit sector range IdentifyStructure.TotalUsrSectors reports.
const (
	ataReadDMAExt  = 0x25
	ataWriteDMAExt = 0x35
)

var (
	errBufferNotSectorAligned = &kernel.Error{Module: "ahci", Message: "transfer buffer is shorter than the requested sector count"}
	errBufferTooLarge         = &kernel.Error{Module: "ahci", Message: "transfer would need more PRDT entries than a command table holds"}
)

// translateFn resolves a virtual address to its backing physical frame;
// overridden in tests so buildPRDT can be exercised without a live page
// tree.
var translateFn = vmm.Translate

// CommandWaiter is the async.Task returned by Port.ReadAsync and
// Port.WriteAsync: it polls PxCI for the issued slot to clear, the Go
// analogue of the original driver's Future impl over the same condition.
type CommandWaiter struct {
	port  *Port
	index uint8
}

// Poll reports the command's completion. Unlike a real interrupt-driven
// wake, this always re-arms its own waker when not yet done, matching
// the original driver's wake_by_ref-then-Pending body: AHCI completion
// interrupts are wired to the port, not to this task, so there is
// nothing else to wake it.
func (w *CommandWaiter) Poll(waker sync.Waker) bool {
	if w.port.isCommandReady(w.index) {
		w.port.cleanCommand(w.index)
		w.port.releaseCommandIndex(w.index)
		return true
	}
	waker.Wake()
	return false
}

// buildPRDT splits buf into physically-contiguous chunks (at most one
// page each, since a virtually-contiguous Go slice is not guaranteed to
// be physically contiguous past a page boundary) and resolves each
// chunk's physical address via the live page tables.
func buildPRDT(buf []byte) ([]PrdtDescriptor, *kernel.Error) {
	var prdt []PrdtDescriptor
	for off := 0; off < len(buf); {
		addr := uintptr(unsafe.Pointer(&buf[off]))
		pageOff := addr % uintptr(mem.PageSize)
		chunk := uintptr(mem.PageSize) - pageOff
		if remaining := uintptr(len(buf) - off); chunk > remaining {
			chunk = remaining
		}

		pa, err := translateFn(addr)
		if err != nil {
			return nil, err
		}
		prdt = append(prdt, PrdtDescriptor{Base: pa, Count: uint32(chunk)})
		off += int(chunk)
	}
	if len(prdt) > maxPRDTEntries {
		return nil, errBufferTooLarge
	}
	return prdt, nil
}

// ReadAsync issues a READ DMA EXT for sectorCount sectors starting at lba
// into dst and returns a task that completes once the HBA retires it.
// dst must be at least sectorCount*512 bytes.
func (p *Port) ReadAsync(lba uint64, sectorCount uint16, dst []byte) (async.Task, *kernel.Error) {
	if len(dst) < int(sectorCount)*sectorSize {
		return nil, errBufferNotSectorAligned
	}
	return p.issueDMA(ataReadDMAExt, false, lba, sectorCount, dst[:int(sectorCount)*sectorSize])
}

// WriteAsync issues a WRITE DMA EXT for sectorCount sectors starting at
// lba from src and returns a task that completes once the HBA retires it.
func (p *Port) WriteAsync(lba uint64, sectorCount uint16, src []byte) (async.Task, *kernel.Error) {
	if len(src) < int(sectorCount)*sectorSize {
		return nil, errBufferNotSectorAligned
	}
	return p.issueDMA(ataWriteDMAExt, true, lba, sectorCount, src[:int(sectorCount)*sectorSize])
}

func (p *Port) issueDMA(command uint8, write bool, lba uint64, sectorCount uint16, buf []byte) (*CommandWaiter, *kernel.Error) {
	prdt, err := buildPRDT(buf)
	if err != nil {
		return nil, err
	}

	fis := NewH2DRegisterFis()
	fis.Command = command
	fis.PMPort.SetCommand(true)
	fis.Device = 0x40
	fis.LBA0 = uint8(lba)
	fis.LBA1 = uint8(lba >> 8)
	fis.LBA2 = uint8(lba >> 16)
	fis.LBA3 = uint8(lba >> 24)
	fis.LBA4 = uint8(lba >> 32)
	fis.LBA5 = uint8(lba >> 40)
	fis.CountL = uint8(sectorCount)
	fis.CountH = uint8(sectorCount >> 8)

	index, err := p.buildCommand(write, fis.Bytes(), prdt)
	if err != nil {
		return nil, err
	}
	return &CommandWaiter{port: p, index: index}, nil
}
