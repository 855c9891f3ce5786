package stopresume

import (
	"testing"

	"github.com/kestrel-trace/lwpdebug/pkg/arch"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"golang.org/x/sys/unix"
)

func TestLwpStuckInJumpPadNoProbeConfigured(t *testing.T) {
	b := newTestBackend()
	s := &lwptable.LwpState{Ptid: ptid.Of(1, 1)}
	if _, stuck := b.lwpStuckInJumpPad(s); stuck {
		t.Fatalf("with no JumpPadExitAt probe wired, no lwp should ever be reported stuck")
	}
}

func TestLwpStuckInJumpPadDelegatesToProbe(t *testing.T) {
	b := newTestBackend()
	var queriedPC uint64
	b.JumpPadExitAt = func(pc uint64) (uint64, bool) {
		queriedPC = pc
		return pc + 8, pc == 0x1000
	}
	s := &lwptable.LwpState{Ptid: ptid.Of(1, 1), Arch: arch.NewLwpRegs()}
	s.Arch.SetPC(0x1000)

	exitPC, stuck := b.lwpStuckInJumpPad(s)
	if !stuck || exitPC != 0x1008 {
		t.Fatalf("expected the probe's answer to be passed through, got exitPC=%#x stuck=%v", exitPC, stuck)
	}
	if queriedPC != 0x1000 {
		t.Fatalf("expected the probe to be queried with the lwp's current PC")
	}
}

func TestDeferSignalInJumpPadQueuesAndMarksCollecting(t *testing.T) {
	b := newTestBackend()
	s := &lwptable.LwpState{Ptid: ptid.Of(1, 1)}

	b.deferSignalInJumpPad(s, unix.SIGSEGV, 0x2000)

	if s.CollectingFastTp != lwptable.FastTpBeforeInsn {
		t.Fatalf("expected CollectingFastTp to move to FastTpBeforeInsn")
	}
	if len(s.DeferredSignals) != 1 || s.DeferredSignals[0].Signo != int32(unix.SIGSEGV) {
		t.Fatalf("expected the trapping signal to be queued as deferred, got %+v", s.DeferredSignals)
	}
}
