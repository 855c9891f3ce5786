// Package arch is the architecture-private register cache each LwpState
// owns exclusively (spec.md §3's arch_private field). spec.md §1 places
// architecture-specific register layouts and breakpoint encodings out of
// scope for the core ("only their interfaces are described"); this
// package is that interface plus one concrete amd64 implementation,
// adapted from the teacher's pkg/sentry/arch/arch_amd64.go register
// accessors.
package arch

import (
	"golang.org/x/sys/unix"
)

// DecrPCAfterBreak is the number of bytes the PC must be rewound by
// after a software breakpoint trap, because the trapping instruction
// (INT3 on amd64) already retired (spec.md §4.6.6).
const DecrPCAfterBreak = 1

// LwpRegs is the per-LWP architecture-private register cache. The core
// (pkg/stopresume, pkg/eventfilter) only ever calls PC/SetPC and
// Invalidate/Load; it never interprets register contents itself.
type LwpRegs struct {
	regs  unix.PtraceRegs
	valid bool
}

// NewLwpRegs returns an empty, invalid cache; Load must be called
// before PC() is trustworthy.
func NewLwpRegs() *LwpRegs {
	return &LwpRegs{}
}

// Invalidate marks the cache stale, e.g. after a resume (spec.md
// §4.6.4 step 5: "the register cache for this lwp is invalidated").
func (r *LwpRegs) Invalidate() { r.valid = false }

// Valid reports whether Load has populated the cache since the last
// Invalidate.
func (r *LwpRegs) Valid() bool { return r.valid }

// Load installs freshly-fetched registers (the caller fetched them via
// ptraceops.GetRegs) into the cache.
func (r *LwpRegs) Load(regs unix.PtraceRegs) {
	r.regs = regs
	r.valid = true
}

// Raw returns the cached registers for a SetRegs round-trip.
func (r *LwpRegs) Raw() unix.PtraceRegs { return r.regs }

// PC returns the cached program counter.
func (r *LwpRegs) PC() uint64 { return r.regs.Rip }

// SetPC rewrites the cached program counter (used after rewinding past
// a software breakpoint's trap, spec.md §4.6.6).
func (r *LwpRegs) SetPC(pc uint64) { r.regs.Rip = pc }

// NextPCs returns the set of PCs a software single-step emulation would
// need breakpoints at, for architectures without a hardware single-step
// (spec.md §4.6.5 step 2d). amd64 always has hardware single-step, so
// this is never consulted in practice; it returns the fallthrough PC
// only, which is correct for straight-line code and intentionally not a
// full decoder (decoding amd64 branches is out of this module's scope
// per spec.md §1).
func (r *LwpRegs) NextPCs(insnLen uint64) []uint64 {
	return []uint64{r.PC() + insnLen}
}

// HasHardwareSingleStep reports whether this architecture can ask the
// kernel to single-step directly (true on amd64 via PTRACE_SINGLESTEP).
func HasHardwareSingleStep() bool { return true }
