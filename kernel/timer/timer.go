// Package timer implements novakernel's timekeeping: three
// candidate time sources tried in priority order (TSC, HPET, RTC/PIT),
// the one that calibrates successfully becomes the system clock, and a
// per-event sleep queue driven by the HPET interrupt.
//
// Grounded on original_source/kernel/src/clocks/{tsc,hpet,rtc}.rs for the
// calibration sequences and on gopher-os's kernel/cpu function-variable
// test-mocking convention for the arch-specific primitives (RDTSC, PIT
// one-shot, HLT) that this package cannot exercise outside real hardware.
package timer

import (
	"novakernel/kernel"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/sync"
	"time"
)

// Instant is a point in time expressed as a duration since the UNIX
// epoch (kept distinct from time.Time so every subsystem that touches it
// goes through this package's Now/Since rather than assuming a host wall
// clock exists).
type Instant struct {
	sinceEpoch time.Duration
}

// Sub returns the Duration elapsed between two Instants.
func (i Instant) Sub(other Instant) time.Duration {
	return i.sinceEpoch - other.sinceEpoch
}

// Add returns the Instant d later than i.
func (i Instant) Add(d time.Duration) Instant {
	return Instant{sinceEpoch: i.sinceEpoch + d}
}

// Before reports whether i occurs before other.
func (i Instant) Before(other Instant) bool {
	return i.sinceEpoch < other.sinceEpoch
}

// source is satisfied by each of the three candidate clocks; Calibrate
// attempts to bring the source online and returns false if the hardware it needs isn't present or
// doesn't meet the precision bar, letting the next source in line try.
type source interface {
	name() string
	calibrate() bool
	now() Instant
}

var (
	active     source
	errNoClock = &kernel.Error{Module: "timer", Message: "no usable time source was found"}
)

// Init tries TSC, then HPET, then RTC/PIT, in priority
// order, and installs the first one that calibrates successfully.
func Init() *kernel.Error {
	candidates := []source{&tscSource{}, &hpetSource{}, &rtcSource{}}
	for _, c := range candidates {
		if c.calibrate() {
			active = c
			kfmt.Printf("[timer] using %s as the system clock\n", c.name())
			return nil
		}
	}
	return errNoClock
}

// Now returns the current time according to the active clock source.
func Now() Instant {
	if active == nil {
		return Instant{}
	}
	return active.now()
}

// --- TSC -------------------------------------------------------------

// tscSource calibrates against the invariant TSC (CPUID.80000007h:EDX[8]):
// record the TSC, request a 5ms PIT one-shot, HLT until it fires, record
// the TSC again; ticks-per-second = delta * 200 (1000ms/5ms).
type tscSource struct {
	ticksPerSecond uint64
	ticksAtStart   uint64
	epochAtStart   Instant
}

var (
	cpuidFn        = cpuidLeaf
	readTSCFn      = readTSC
	pitOneShotFn   = pitOneShot
	haltFn         = haltUntilInterrupt
	wallClockAtInit = func() Instant { return Instant{} }
)

func (t *tscSource) name() string { return "TSC" }

func (t *tscSource) calibrate() bool {
	_, _, _, edx1 := cpuidFn(1)
	if edx1&(1<<4) == 0 {
		return false
	}
	_, _, _, edxExt := cpuidFn(0x80000007)
	if edxExt&(1<<8) == 0 {
		return false
	}

	start := readTSCFn()
	pitOneShotFn(5_000_000) // 5 ms, in nanoseconds
	haltFn()
	end := readTSCFn()

	ticks := end - start
	t.ticksPerSecond = ticks * 200
	t.ticksAtStart = start
	t.epochAtStart = wallClockAtInit()
	return t.ticksPerSecond > 0
}

func (t *tscSource) now() Instant {
	elapsedTicks := readTSCFn() - t.ticksAtStart
	elapsed := time.Duration(elapsedTicks) * time.Second / time.Duration(t.ticksPerSecond)
	return t.epochAtStart.Add(elapsed)
}

// --- HPET --------------------------------------------------------------

// hpetSource reads the HPET's counter-clock-period capability register
// and rejects the device if it cannot span at least 1 second.
type hpetSource struct {
	counterPeriodFemtoseconds uint64
	counterBits               uint64
	countAtStart              uint64
	epochAtStart              Instant
}

var (
	hpetCapabilitiesFn = func() (periodFemtoseconds uint64, counterBits uint64, present bool) { return 0, 0, false }
	hpetCounterFn      = func() uint64 { return 0 }
)

func (h *hpetSource) name() string { return "HPET" }

func (h *hpetSource) calibrate() bool {
	period, bits, present := hpetCapabilitiesFn()
	if !present || period == 0 {
		return false
	}
	maxCount := uint64(1)<<bits - 1
	// Reject if the counter cannot span >= 1 second (1e15 femtoseconds).
	if period > 0 && maxCount > 0 {
		spanFemtoseconds := period * maxCount
		if spanFemtoseconds/period != maxCount {
			// overflow: definitely spans >= 1s
		} else if spanFemtoseconds < 1_000_000_000_000_000 {
			return false
		}
	}
	h.counterPeriodFemtoseconds = period
	h.counterBits = bits
	h.countAtStart = hpetCounterFn()
	h.epochAtStart = wallClockAtInit()
	return true
}

func (h *hpetSource) now() Instant {
	elapsedCounts := hpetCounterFn() - h.countAtStart
	elapsedFemtoseconds := elapsedCounts * h.counterPeriodFemtoseconds
	elapsed := time.Duration(elapsedFemtoseconds / 1_000_000)
	return h.epochAtStart.Add(elapsed)
}

// --- RTC/PIT -------------------------------------------------------------

// rtcSource is the fallback: the battery-backed real-time clock plus the
// PIT for sub-second ticking. Always available, so calibrate never fails.
type rtcSource struct {
	epochAtStart Instant
}

var rtcReadFn = func() Instant { return Instant{} }

func (r *rtcSource) name() string { return "RTC/PIT" }

func (r *rtcSource) calibrate() bool {
	r.epochAtStart = rtcReadFn()
	return true
}

func (r *rtcSource) now() Instant {
	return rtcReadFn()
}

// --- sleep queue ---------------------------------------------------------

// sleepEvent is one entry on the HPET-driven sleep queue: a timer,
// the CPU that queued it, and the cause it should report once due.
type sleepEvent struct {
	due    Instant
	cpu    uint32
	wake   func()
}

var (
	queueLock sync.NoIntSpinlock
	queue     []*sleepEvent
)

// Sleep enqueues an event due d after now and invokes wake once the HPET
// ISR observes it as due; the caller is expected to yield to the
// scheduler immediately after calling Sleep.
func Sleep(d time.Duration, wake func()) {
	ev := &sleepEvent{due: Now().Add(d), wake: wake}
	queueLock.Acquire()
	queue = append(queue, ev)
	queueLock.Release()
}

// PumpDueEvents is called from the HPET interrupt handler; it pops every
// due event, in order, and invokes its wake callback.
func PumpDueEvents() {
	now := Now()
	queueLock.Acquire()
	var due []*sleepEvent
	remaining := queue[:0]
	for _, ev := range queue {
		if ev.due.Before(now) || ev.due == now {
			due = append(due, ev)
		} else {
			remaining = append(remaining, ev)
		}
	}
	queue = remaining
	queueLock.Release()

	for _, ev := range due {
		ev.wake()
	}
}

// --- arch-specific primitives (backed by assembly not in this pack, the
// same convention cpu_amd64.go uses for EnableInterrupts et al.) --------

func cpuidLeaf(leaf uint32) (uint32, uint32, uint32, uint32)
func readTSC() uint64
func pitOneShot(nanoseconds uint64)
func haltUntilInterrupt()
