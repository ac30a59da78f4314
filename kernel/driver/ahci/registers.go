package ahci

// Port register byte offsets within a port's 0x80-byte register block,
// per the AHCI 1.3.1 specification section 3.3.
const (
	portCLB    = 0x00
	portCLBU   = 0x04
	portFB     = 0x08
	portFBU    = 0x0C
	portIS     = 0x10
	portIE     = 0x14
	portCMD    = 0x18
	portTFD    = 0x20
	portSIG    = 0x24
	portSSTS   = 0x28
	portSCTL   = 0x2C
	portSERR   = 0x30
	portSACT   = 0x34
	portCI     = 0x38
	portSNTF   = 0x3C
	portFBS    = 0x40
	portDEVSLP = 0x44
)

// hbaPortsOffset is the byte offset of port 0's register block within the
// ABAR, relative to the start of GenericHostControl.
const hbaPortsOffset = 0x100

// portStride is the size in bytes of one port's register block.
const portStride = 0x80

// GlobalHBAControl is HBA register GHC (ABAR+0x04).
type GlobalHBAControl uint32

func (g GlobalHBAControl) HR() bool { return g&1 != 0 }
func (g *GlobalHBAControl) SetHR(v bool) { g.setBit(0, v) }
func (g GlobalHBAControl) IE() bool { return g&(1<<1) != 0 }
func (g *GlobalHBAControl) SetIE(v bool) { g.setBit(1, v) }
func (g GlobalHBAControl) MRSM() bool { return g&(1<<2) != 0 }
func (g GlobalHBAControl) AE() bool { return g&(1<<31) != 0 }
func (g *GlobalHBAControl) SetAE(v bool) { g.setBit(31, v) }

func (g *GlobalHBAControl) setBit(bit uint, v bool) {
	if v {
		*g |= 1 << bit
	} else {
		*g &^= 1 << bit
	}
}

// Capabilities is HBA register CAP (ABAR+0x00).
type Capabilities uint32

func (c Capabilities) S64A() bool { return c&(1<<31) != 0 }
func (c Capabilities) SSS() bool  { return c&(1<<27) != 0 }

// Capabilities2 is HBA register CAP2 (ABAR+0x24).
type Capabilities2 uint32

func (c Capabilities2) BOH() bool  { return c&1 != 0 }
func (c Capabilities2) NVMP() bool { return c&(1<<1) != 0 }
func (c Capabilities2) APST() bool { return c&(1<<2) != 0 }
func (c Capabilities2) SDS() bool  { return c&(1<<3) != 0 }
func (c Capabilities2) SADM() bool { return c&(1<<4) != 0 }
func (c Capabilities2) DESO() bool { return c&(1<<5) != 0 }

// Bohc is HBA register BOHC (ABAR+0x28), the BIOS/OS handoff control and
// status register.
type Bohc uint32

func (b Bohc) BOS() bool  { return b&1 != 0 }
func (b *Bohc) SetBOS(v bool) { b.setBit(0, v) }
func (b Bohc) OOS() bool  { return b&(1<<1) != 0 }
func (b *Bohc) SetOOS(v bool) { b.setBit(1, v) }
func (b Bohc) SOOE() bool { return b&(1<<2) != 0 }
func (b Bohc) OOC() bool  { return b&(1<<3) != 0 }
func (b Bohc) BB() bool   { return b&(1<<4) != 0 }

func (b *Bohc) setBit(bit uint, v bool) {
	if v {
		*b |= 1 << bit
	} else {
		*b &^= 1 << bit
	}
}

// PortCommand is port register PxCMD (port+0x18).
type PortCommand uint32

func (p PortCommand) ST() bool  { return p&1 != 0 }
func (p *PortCommand) SetST(v bool) { p.setBit(0, v) }
func (p PortCommand) SUD() bool { return p&(1<<1) != 0 }
func (p *PortCommand) SetSUD(v bool) { p.setBit(1, v) }
func (p PortCommand) CLO() bool { return p&(1<<3) != 0 }
func (p *PortCommand) SetCLO(v bool) { p.setBit(3, v) }
func (p PortCommand) FRE() bool { return p&(1<<4) != 0 }
func (p *PortCommand) SetFRE(v bool) { p.setBit(4, v) }
func (p PortCommand) FR() bool  { return p&(1<<14) != 0 }
func (p PortCommand) CR() bool  { return p&(1<<15) != 0 }

func (p *PortCommand) setBit(bit uint, v bool) {
	if v {
		*p |= 1 << bit
	} else {
		*p &^= 1 << bit
	}
}

// TaskFileData is port register PxTFD (port+0x20).
type TaskFileData uint32

func (t TaskFileData) StatusErr() bool { return t&1 != 0 }
func (t TaskFileData) StatusDRQ() bool { return t&(1<<3) != 0 }
func (t TaskFileData) StatusBSY() bool { return t&(1<<7) != 0 }
func (t TaskFileData) Err() uint8      { return uint8(t >> 8) }

// SATAStatus is port register PxSSTS (port+0x28).
type SATAStatus uint32

// DET returns the device detection field: 3 means a device is present
// and the physical link is established.
func (s SATAStatus) DET() uint8 { return uint8(s & 0xF) }
func (s SATAStatus) SPD() uint8 { return uint8(s>>4) & 0xF }
func (s SATAStatus) IPM() uint8 { return uint8(s>>8) & 0xF }

// SATAControl is port register PxSCTL (port+0x2C).
type SATAControl uint32

func (s SATAControl) DET() uint8 { return uint8(s & 0xF) }
func (s *SATAControl) SetDET(v uint8) {
	*s = SATAControl(uint32(*s)&^0xF | uint32(v)&0xF)
}

// sataStatusPresentAndActive is the DET value meaning "device detected
// and Phy communication established", per SATA-IO's DET field encoding.
const sataStatusPresentAndActive = 3
