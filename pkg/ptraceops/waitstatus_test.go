package ptraceops

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestDecodeExited(t *testing.T) {
	w := EncodeExited(7)
	if !w.Exited() {
		t.Fatalf("expected Exited()")
	}
	if w.ExitCode() != 7 {
		t.Fatalf("got exit code %d, want 7", w.ExitCode())
	}
	if w.Stopped() || w.Signaled() {
		t.Fatalf("exited status misclassified: %#x", w)
	}
}

func TestDecodeSignaled(t *testing.T) {
	w := EncodeSignaled(unix.SIGSEGV)
	if !w.Signaled() {
		t.Fatalf("expected Signaled()")
	}
	if w.TermSig() != unix.SIGSEGV {
		t.Fatalf("got term sig %v, want SIGSEGV", w.TermSig())
	}
}

func TestDecodeStoppedPlain(t *testing.T) {
	w := EncodeStopped(unix.SIGSTOP, ExtendedNone)
	if !w.Stopped() {
		t.Fatalf("expected Stopped()")
	}
	if w.StopSig() != unix.SIGSTOP {
		t.Fatalf("got stop sig %v, want SIGSTOP", w.StopSig())
	}
	if w.IsExtended() {
		t.Fatalf("plain SIGSTOP must not decode as extended")
	}
	if w.IsSyscallTrap() {
		t.Fatalf("SIGSTOP must not decode as syscall trap")
	}
}

func TestDecodeSyscallTrap(t *testing.T) {
	w := EncodeStopped(unix.SIGTRAP|syscallTrapBit, ExtendedNone)
	if !w.IsSyscallTrap() {
		t.Fatalf("expected syscall trap")
	}
	if w.IsExtended() {
		t.Fatalf("syscall trap must not also decode as extended event")
	}
}

func TestDecodeExtendedEvents(t *testing.T) {
	for _, ev := range []ExtendedEvent{ExtendedFork, ExtendedVfork, ExtendedClone, ExtendedExec, ExtendedVforkDone, ExtendedStop, ExtendedSeccomp} {
		w := EncodeStopped(unix.SIGTRAP, ev)
		if !w.IsExtended() {
			t.Fatalf("event %v: expected IsExtended()", ev)
		}
		if got := w.ExtendedEvent(); got != ev {
			t.Fatalf("event %v: decoded as %v", ev, got)
		}
	}
}

func TestRoundTripIdentity(t *testing.T) {
	cases := []WaitStatus{
		EncodeExited(0),
		EncodeExited(255),
		EncodeSignaled(unix.SIGKILL),
		EncodeStopped(unix.SIGTRAP, ExtendedNone),
		EncodeStopped(unix.SIGTRAP|syscallTrapBit, ExtendedNone),
		EncodeStopped(unix.SIGTRAP, ExtendedExec),
	}
	for _, w := range cases {
		var re WaitStatus
		switch {
		case w.Exited():
			re = EncodeExited(w.ExitCode())
		case w.Signaled():
			re = EncodeSignaled(w.TermSig())
		case w.Stopped():
			re = EncodeStopped(w.StopSig(), w.ExtendedEvent())
		}
		if re != w {
			t.Fatalf("decode/re-encode not identity: %#x -> %#x", w, re)
		}
	}
}
