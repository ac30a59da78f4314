// Package ahci implements the AHCI HBA bring-up sequence and per-port
// command issue path for SATA mass storage controllers discovered over
// PCI: BIOS/OS handoff, HBA reset, staggered spin-up, IDENTIFY DEVICE,
// and asynchronous read/write built on the command-slot/PRDT machinery
// every ATA DMA command uses.
//
// Grounded file-for-file on
// original_source/kernel/src/drivers/ahci/{disk.rs,fis.rs}; the
// OSDev-wiki init sequence referenced in the original's own comment
// (https://forum.osdev.org/viewtopic.php?t=40969) is followed in the
// same order here.
package ahci

import (
	"novakernel/kernel"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/mem"
	"novakernel/kernel/pci"
	"time"
)

// abarBarIndex is the BAR holding the AHCI HBA's memory-mapped register
// set (ABAR), fixed by the AHCI specification.
const abarBarIndex = 5

var errNoABAR = &kernel.Error{Module: "ahci", Message: "SATA controller has no ABAR (BAR5) mapped"}

// Controller is one AHCI HBA bound to a PCI SATA mass storage controller.
type Controller struct {
	device *pci.Device
	abar   mem.VirtAddr

	cap  Capabilities
	cap2 Capabilities2

	ports []*Port
}

// NewController probes dev's ABAR and returns a Controller ready for
// Init. dev must already have had its BARs mapped (pci.Device.MapMemoryBars).
func NewController(dev *pci.Device) (*Controller, *kernel.Error) {
	var abar *pci.Bar
	for i := range dev.Bars {
		if dev.Bars[i].Kind == pci.BarMemory && dev.Bars[i].Index == abarBarIndex {
			abar = &dev.Bars[i]
			break
		}
	}
	if abar == nil {
		return nil, errNoABAR
	}

	c := &Controller{
		device: dev,
		abar:   abar.VirtAddr,
		cap:    Capabilities(mem.OverlayUint32(abar.VirtAddr, 1)[0]),
		cap2:   Capabilities2(mem.OverlayUint32(abar.VirtAddr.Add(0x24), 1)[0]),
	}

	is64Bit := c.cap.S64A()
	portsImplemented := mem.OverlayUint32(abar.VirtAddr.Add(0x0C), 1)[0]
	for i := 0; i < 32; i++ {
		if portsImplemented&(1<<i) != 0 {
			c.ports = append(c.ports, newPort(abar.VirtAddr, uint8(i), is64Bit))
		}
	}
	return c, nil
}

func (c *Controller) ghc() GlobalHBAControl {
	return GlobalHBAControl(mem.OverlayUint32(c.abar.Add(0x04), 1)[0])
}

func (c *Controller) setGHC(v GlobalHBAControl) {
	mem.OverlayUint32(c.abar.Add(0x04), 1)[0] = uint32(v)
}

func (c *Controller) bohc() Bohc {
	return Bohc(mem.OverlayUint32(c.abar.Add(0x28), 1)[0])
}

func (c *Controller) setBOHC(v Bohc) {
	mem.OverlayUint32(c.abar.Add(0x28), 1)[0] = uint32(v)
}

// Init runs the HBA bring-up sequence (enable AE, optional BIOS handoff,
// idle every port, full HR reset, re-enable AE+IE, then per-port init)
// and returns the ports that came up with a device attached.
func (c *Controller) Init() []*Port {
	c.device.EnableBusMastering()

	ghc := c.ghc()
	ghc.SetAE(true)
	c.setGHC(ghc)

	if c.cap2.BOH() {
		c.performBIOSHandoff()
	} else {
		kfmt.Printf("[ahci] no BIOS handoff needed\n")
	}

	c.waitForIdlePorts()

	ghc = c.ghc()
	ghc.SetHR(true)
	c.setGHC(ghc)
	for c.ghc().HR() {
		sleepFn(10 * time.Microsecond)
	}

	c.waitForIdlePorts()

	ghc = c.ghc()
	ghc.SetAE(true)
	ghc.SetIE(true)
	c.setGHC(ghc)

	staggeredSpinUp := c.cap.SSS()

	var active []*Port
	for _, p := range c.ports {
		if p.init(staggeredSpinUp) {
			active = append(active, p)
		}
	}
	c.ports = active
	return active
}

// performBIOSHandoff requests ownership of the HBA from firmware,
// per AHCI spec section 10.6.3: set BOHC.OOS, wait up to 25ms for BB to
// assert (firmware acknowledging the request and finishing any in-flight
// access), then up to 2s for it to clear.
func (c *Controller) performBIOSHandoff() {
	bohc := c.bohc()
	bohc.SetOOS(true)
	c.setBOHC(bohc)

	deadline := nowFn().Add(25 * time.Millisecond)
	for {
		bohc = c.bohc()
		if bohc.BB() {
			clearDeadline := nowFn().Add(2 * time.Second)
			for c.bohc().BB() && nowFn().Before(clearDeadline) {
				sleepFn(10 * time.Microsecond)
			}
			kfmt.Printf("[ahci] BIOS handoff complete\n")
			return
		}
		if nowFn().After(deadline) {
			kfmt.Printf("[ahci] BIOS handoff timed out\n")
			return
		}
		sleepFn(10 * time.Microsecond)
	}
}

// waitForIdlePorts clears ST/FRE/DET on every discovered port ahead of
// the HBA reset, per the sequence the original driver follows: stop
// command processing, wait for CR to clear, stop the FIS receive engine,
// wait for FR to clear, then clear SCTL.DET if the link was left active.
func (c *Controller) waitForIdlePorts() {
	for _, p := range c.ports {
		cmd := p.command()
		if cmd.ST() {
			cmd.SetST(false)
			p.setCommand(cmd)
			sleepFn(10 * time.Microsecond)
		}
		for p.command().CR() {
			sleepFn(10 * time.Microsecond)
		}

		cmd = p.command()
		if cmd.FRE() {
			cmd.SetFRE(false)
			p.setCommand(cmd)
			for p.command().FR() {
				sleepFn(10 * time.Microsecond)
			}
		}

		sctl := p.control()
		if sctl.DET() != 0 {
			sctl.SetDET(0)
			p.setControl(sctl)
		}
	}
}
