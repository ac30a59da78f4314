package ahci

import "novakernel/kernel/mem"

// CmdHeader covers the first 16 bytes of one 32-byte entry in a port's
// command list: the instructions for a single outstanding command,
// followed by a pointer to its command table (CFIS + PRDT). The
// remaining 16 bytes of the entry are reserved; cmdHeaderSize is the
// stride between entries.
type CmdHeader struct {
	dw0 uint32 // CFL/ATAPI/Write/Prefetchable/Reset/BIST/ClearBusy/PMP/PRDTL
	dw1 uint32 // PRDBC, set by the HBA as the command completes
	dw2 uint32 // CTBA low 32 bits (128-byte aligned)
	dw3 uint32 // CTBA high 32 bits
}

// SetCFL sets the Command FIS Length in dwords (bits 4:0); a 20-byte
// register FIS is 5 dwords.
func (h *CmdHeader) SetCFL(dwords uint8) {
	h.dw0 = h.dw0&^0x1F | uint32(dwords)&0x1F
}

// SetATAPI marks the command as an ATAPI packet command (bit 5).
func (h *CmdHeader) SetATAPI(v bool) { h.setDw0Bit(5, v) }

// SetWrite marks the command as a write (host to device) transfer (bit 6).
func (h *CmdHeader) SetWrite(v bool) { h.setDw0Bit(6, v) }

// SetPrefetchable hints the HBA may prefetch the PRDT (bit 7).
func (h *CmdHeader) SetPrefetchable(v bool) { h.setDw0Bit(7, v) }

// SetClearBusy requests the HBA clear PxTFD.STS.BSY on the first
// D2H FIS received for this command (bit 10).
func (h *CmdHeader) SetClearBusy(v bool) { h.setDw0Bit(10, v) }

// SetPRDTL sets the number of entries in the command's PRDT (bits 31:16).
func (h *CmdHeader) SetPRDTL(n uint16) {
	h.dw0 = h.dw0&^0xFFFF0000 | uint32(n)<<16
}

// PRDBC returns the number of bytes transferred so far for this command,
// written by the HBA as the command executes.
func (h *CmdHeader) PRDBC() uint32 { return h.dw1 }

// SetCTBA sets the command table base address; pa must be 128-byte
// aligned.
func (h *CmdHeader) SetCTBA(pa mem.PhysAddr) {
	h.dw2 = uint32(pa)
	h.dw3 = uint32(uint64(pa) >> 32)
}

func (h *CmdHeader) setDw0Bit(bit uint, v bool) {
	if v {
		h.dw0 |= 1 << bit
	} else {
		h.dw0 &^= 1 << bit
	}
}

// cmdHeaderSize is the size in bytes of one CmdHeader slot; the command
// list holds up to 32 of them.
const cmdHeaderSize = 32

// PrdtDescriptor describes one scatter/gather region to hand to
// build_command: a physical data buffer and the number of bytes to
// transfer from/to it.
type PrdtDescriptor struct {
	Base  mem.PhysAddr
	Count uint32
}

// PrdtEntry is the on-wire encoding of one PrdtDescriptor inside a
// command table, at offset 0x80 + 16*i.
type PrdtEntry struct {
	dw0 uint32 // DBA low
	dw1 uint32 // DBA high
	dw2 uint32 // reserved
	dw3 uint32 // DBC[21:0] | Int[31]
}

// SetDBA sets the data base address; must be word-aligned (bit 0 clear).
func (p *PrdtEntry) SetDBA(pa mem.PhysAddr) {
	p.dw0 = uint32(pa)
	p.dw1 = uint32(uint64(pa) >> 32)
}

// SetDBC sets the data byte count minus one (bits 21:0).
func (p *PrdtEntry) SetDBC(n uint32) {
	p.dw3 = p.dw3&^0x3FFFFF | n&0x3FFFFF
}

// SetInt requests a completion interrupt when this PRDT entry's transfer
// finishes (bit 31).
func (p *PrdtEntry) SetInt(v bool) {
	if v {
		p.dw3 |= 1 << 31
	} else {
		p.dw3 &^= 1 << 31
	}
}

// prdtEntrySize is the size in bytes of one PrdtEntry slot.
const prdtEntrySize = 16

// prdtBaseOffset is the byte offset of the first PrdtEntry within a
// command table, after the 64-byte CFIS area and 16-byte ATAPI area.
const prdtBaseOffset = 0x80

// maxPRDTEntries bounds a single command to roughly 1000 MiB of scatter
// list (each entry up to 4 MiB), matching build_command's
// contiguous-allocation avoidance in the original driver.
const maxPRDTEntries = 248
