package ahci

import (
	"math/bits"
	"novakernel/kernel"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
	"novakernel/kernel/sync"
	"novakernel/kernel/vmm"
	"sync/atomic"
	"time"
)

// regWords is the size, in 32-bit words, of one port's register block.
const regWords = portStride / 4

// sleepFn and nowFn are overridden by tests; production code busy-waits
// against the wall clock the same way kernel/smp does.
var (
	sleepFn = time.Sleep
	nowFn   = time.Now
)

// Port is one AHCI port bound to a live SATA device: its command list,
// FIS receive area, and the state needed to issue and await commands.
// novakernel only ever runs one command at a time per port (command_depth
// starts at 1 and BlockTask-style callers never overlap), so the
// in-flight slot bitmap exists to mirror the original driver's shape
// rather than to support real queuing.
type Port struct {
	Index   uint8
	is64Bit bool

	registers   []uint32
	addressLock sync.NoIntSpinlock

	sectors        uint64
	commandDepth   uint16
	device         uint8
	commandsIssued uint32

	commandList mem.VirtAddr
	fisArea     mem.VirtAddr
}

func newPort(abar mem.VirtAddr, index uint8, is64Bit bool) *Port {
	base := abar.Add(uintptr(hbaPortsOffset) + uintptr(index)*portStride)
	return &Port{
		Index:        index,
		is64Bit:      is64Bit,
		registers:    mem.OverlayUint32(base, regWords),
		commandDepth: 1,
	}
}

func (p *Port) getProperty(offset uint32) uint32    { return p.registers[offset/4] }
func (p *Port) setProperty(offset uint32, v uint32) { p.registers[offset/4] = v }

func (p *Port) command() PortCommand        { return PortCommand(p.getProperty(portCMD)) }
func (p *Port) setCommand(c PortCommand)    { p.setProperty(portCMD, uint32(c)) }
func (p *Port) status() SATAStatus          { return SATAStatus(p.getProperty(portSSTS)) }
func (p *Port) control() SATAControl        { return SATAControl(p.getProperty(portSCTL)) }
func (p *Port) setControl(c SATAControl)    { p.setProperty(portSCTL, uint32(c)) }
func (p *Port) taskFile() TaskFileData      { return TaskFileData(p.getProperty(portTFD)) }

// getCommandIndex claims a free command slot (the lowest clear bit below
// command_depth), matching the trailing-ones scan of the original driver.
func (p *Port) getCommandIndex() (uint8, bool) {
	for {
		old := atomic.LoadUint32(&p.commandsIssued)
		pos := uint32(bits.TrailingZeros32(^old))
		if pos >= uint32(p.commandDepth) {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&p.commandsIssued, old, old|(1<<pos)) {
			return uint8(pos), true
		}
	}
}

func (p *Port) releaseCommandIndex(idx uint8) {
	for {
		old := atomic.LoadUint32(&p.commandsIssued)
		if atomic.CompareAndSwapUint32(&p.commandsIssued, old, old&^(1<<idx)) {
			return
		}
	}
}

// isCommandReady reports whether slot is no longer set in PxCI, meaning
// the HBA has retired the command issued there.
func (p *Port) isCommandReady(slot uint8) bool {
	p.addressLock.Acquire()
	ci := p.getProperty(portCI)
	p.addressLock.Release()
	return ci&(1<<slot) == 0
}

// initCmdListFis allocates and installs this port's 4 KiB command list
// (FIS switching is never used, so the FIS receive area lives at
// command_list+0x400 in the same frame) and maps both uncacheable.
func (p *Port) initCmdListFis() *kernel.Error {
	var cmdListBase mem.PhysAddr
	var err *kernel.Error
	if p.is64Bit {
		cmdListBase, err = pmm.AllocFrame()
	} else {
		cmdListBase, err = pmm.AllocFrameLow()
	}
	if err != nil {
		return err
	}
	fisBase := cmdListBase.Add(0x400)

	p.addressLock.Acquire()
	p.setProperty(portCLB, uint32(cmdListBase))
	p.setProperty(portCLBU, uint32(uint64(cmdListBase)>>32))
	p.setProperty(portFB, uint32(fisBase))
	p.setProperty(portFBU, uint32(uint64(fisBase)>>32))
	p.addressLock.Release()

	clbVirt, err := vmm.Allocate(&cmdListBase)
	if err != nil {
		return err
	}
	kernel.Memset(uintptr(clbVirt), 0, uintptr(mem.PageSize))

	pte, err := vmm.KernelTree().GetPageTableEntryMut(clbVirt)
	if err != nil {
		return err
	}
	pte.SetCacheMode(vmm.CacheUncacheable)

	p.commandList = clbVirt
	p.fisArea = clbVirt.Add(0x400)
	return nil
}

// init brings one port from the HBA's reset state up through IDENTIFY.
// Returns false (and leaves the port unusable) if the device never
// reports DET==3 within the 10ms deadline the AHCI spec allows.
func (p *Port) init(staggeredSpinUp bool) bool {
	if err := p.initCmdListFis(); err != nil {
		kfmt.Printf("[ahci] port %d: command list setup failed: %v\n", p.Index, err)
		return false
	}

	cmd := p.command()
	cmd.SetFRE(true)
	p.setCommand(cmd)

	for !p.command().FR() {
		sleepFn(10 * time.Microsecond)
	}

	cmd = p.command()
	cmd.SetST(true)
	p.setCommand(cmd)

	if staggeredSpinUp {
		kfmt.Printf("[ahci] port %d: staggered spin-up\n", p.Index)
		cmd = p.command()
		cmd.SetSUD(true)
		p.setCommand(cmd)
	}

	deadline := nowFn().Add(10 * time.Millisecond)
	for p.status().DET() != sataStatusPresentAndActive {
		if nowFn().After(deadline) {
			kfmt.Printf("[ahci] port %d: not responding\n", p.Index)
			return false
		}
		sleepFn(10 * time.Microsecond)
	}

	p.setProperty(portSERR, 0xFFFFFFFF)

	for {
		tfd := p.taskFile()
		if !tfd.StatusBSY() && !tfd.StatusDRQ() && !tfd.StatusErr() {
			break
		}
		sleepFn(10 * time.Microsecond)
	}

	p.setProperty(portIS, 0xFFFFFFFF)
	p.setProperty(portIE, 0xFFFFFFFF)

	if err := p.sendIdentify(); err != nil {
		kfmt.Printf("[ahci] port %d: IDENTIFY failed: %v\n", p.Index, err)
		return false
	}

	d2h := overlay[D2HRegisterFis](p.fisArea.Add(0x40))
	p.device = d2h.Device
	p.setProperty(portIS, 3)

	kfmt.Printf("[ahci] port %d initialized: %d sectors, queue depth %d\n",
		p.Index, p.sectors, p.commandDepth)
	return true
}

// sendIdentify issues IDENTIFY DEVICE synchronously (there is no executor
// running yet during controller bring-up) and records the device's
// sector count and queue depth from the returned data.
func (p *Port) sendIdentify() *kernel.Error {
	ident := NewH2DRegisterFis()
	ident.Command = 0xEC
	ident.PMPort.SetCommand(true)
	ident.Device = 0xA0
	ident.Control = 0x08

	identData, err := pmm.AllocFrame()
	if err != nil {
		return err
	}
	prdt := PrdtDescriptor{Base: identData, Count: 512}

	index, err := p.buildCommand(false, ident.Bytes(), []PrdtDescriptor{prdt})
	if err != nil {
		return err
	}

	for p.getProperty(portCI)&(1<<index) != 0 {
		sleepFn(10 * time.Microsecond)
	}
	sleepFn(time.Second)

	p.cleanCommand(index)
	p.releaseCommandIndex(index)

	data := overlay[IdentifyStructure](identData.ToVirt())
	p.sectors = data.TotalUsrSectors()
	p.commandDepth = data.QueueDepth
	if p.commandDepth == 0 {
		p.commandDepth = 1
	}
	return nil
}

// buildCommand installs cfis and prdt into a freshly allocated command
// table, points a free command-list slot at it, and issues it. The PRDT
// is capped at maxPRDTEntries, same limit as the original driver, to
// avoid needing a contiguous multi-frame allocation for the table.
func (p *Port) buildCommand(write bool, cfis []byte, prdt []PrdtDescriptor) (uint8, *kernel.Error) {
	if len(prdt) > maxPRDTEntries {
		return 0, errTooManyPRDTEntries
	}
	index, ok := p.getCommandIndex()
	if !ok {
		return 0, errNoFreeCommandSlot
	}

	var cmdTablePage mem.PhysAddr
	var err *kernel.Error
	if p.is64Bit {
		cmdTablePage, err = pmm.AllocFrame()
	} else {
		cmdTablePage, err = pmm.AllocFrameLow()
	}
	if err != nil {
		p.releaseCommandIndex(index)
		return 0, err
	}

	header := overlay[CmdHeader](p.commandList.Add(uintptr(index) * cmdHeaderSize))
	*header = CmdHeader{}
	header.SetWrite(write)
	header.SetCFL(uint8(len(cfis) / 4))
	header.SetClearBusy(true)
	header.SetPRDTL(uint16(len(prdt)))
	header.SetCTBA(cmdTablePage)

	cmdTableVirt, err := vmm.Allocate(&cmdTablePage)
	if err != nil {
		p.releaseCommandIndex(index)
		return 0, err
	}
	pte, err := vmm.KernelTree().GetPageTableEntryMut(cmdTableVirt)
	if err != nil {
		p.releaseCommandIndex(index)
		return 0, err
	}
	pte.SetCacheMode(vmm.CacheUncacheable)

	tableBytes := mem.OverlayBytes(cmdTableVirt, prdtBaseOffset+len(prdt)*prdtEntrySize)
	copy(tableBytes, cfis)

	for i, entry := range prdt {
		e := overlay[PrdtEntry](cmdTableVirt.Add(uintptr(prdtBaseOffset + i*prdtEntrySize)))
		*e = PrdtEntry{}
		e.SetInt(true)
		e.SetDBA(entry.Base)
		e.SetDBC(entry.Count - 1)
	}

	vmm.Unmap(vmm.PageFromAddress(uintptr(cmdTableVirt)))

	p.setProperty(portCI, 1<<index)
	return index, nil
}

// cleanCommand frees the command table frame for index; it never touches
// memory pointed to by the command's PRDT, which callers own.
func (p *Port) cleanCommand(index uint8) {
	header := overlay[CmdHeader](p.commandList.Add(uintptr(index) * cmdHeaderSize))
	table := mem.PhysAddr(uint64(header.dw2) | uint64(header.dw3)<<32)
	pmm.MarkAddr(table, false)
}

var (
	errTooManyPRDTEntries = &kernel.Error{Module: "ahci", Message: "command would need more than 248 PRDT entries"}
	errNoFreeCommandSlot  = &kernel.Error{Module: "ahci", Message: "no free command slot"}
)
