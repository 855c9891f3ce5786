package stopresume

import (
	"runtime"

	"github.com/containerd/console"
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// CreateInferiorOptions configures CreateInferior (spec.md §6.1
// create_inferior).
type CreateInferiorOptions struct {
	Program               string
	Args                  []string
	Env                   []string
	DisableRandomization  bool
	// Stdin/Stdout/Stderr, when positive, are fds the child inherits
	// in place of the backend's own stdio (spec.md §4.6.2 "optionally
	// redirects stdio when the debugger is tied to a stdio remote").
	Stdin, Stdout, Stderr int
	// ConsoleSocket, when non-empty, requests a pty-backed console for
	// the new inferior instead of plain fd redirection: a master/replica
	// pair is allocated and the master is sent across this unix socket
	// (mirrors runsc/sandbox/sandbox.go's console.NewWithSocket usage for
	// a debuggee tied to a terminal rather than a pipe).
	ConsoleSocket string
}

// CreateInferior implements spec.md §4.6.2: fork, PTRACE_TRACEME (done by
// the Go runtime when SysProcAttr.Ptrace is set, mirroring the teacher's
// own exec.Cmd-based child spawning in runsc/sandbox/sandbox.go),
// setpgid(0,0), optional stdio redirection, execve; the parent waits for
// the exec stop and only then opens /proc/<pid>/mem.
func (b *Backend) CreateInferior(opts CreateInferiorOptions) (int32, error) {
	var personality uintptr
	if opts.DisableRandomization {
		personality = addrNoRandomize
	}

	sys := &unix.SysProcAttr{
		Ptrace:    true,
		Setpgid:   true,
		Pdeathsig: 0,
	}

	pa := &unix.ProcAttr{
		Env: opts.Env,
		Sys: sys,
	}

	var tty console.Console
	if opts.ConsoleSocket != "" {
		var err error
		tty, err = console.NewWithSocket(opts.ConsoleSocket)
		if err != nil {
			return 0, bkerrors.Wrap(bkerrors.KindIO, "stopresume.CreateInferior.console", err)
		}
		defer tty.Close()
		ttyFd := tty.Fd()
		pa.Files = []uintptr{ttyFd, ttyFd, ttyFd}
		sys.Setctty = true
		sys.Ctty = 0
	} else if opts.Stdin > 0 || opts.Stdout > 0 || opts.Stderr > 0 {
		pa.Files = []uintptr{fdOr(opts.Stdin, 0), fdOr(opts.Stdout, 1), fdOr(opts.Stderr, 2)}
	} else {
		pa.Files = []uintptr{0, 1, 2}
	}

	argv := append([]string{opts.Program}, opts.Args...)
	pid, err := forkExecWithPersonality(opts.Program, argv, pa, personality)
	if err != nil {
		return 0, bkerrors.Wrap(bkerrors.KindIO, "stopresume.CreateInferior", err)
	}

	leader := ptid.Of(int32(pid), int32(pid))
	_, status, err := ptraceops.Waitpid(int32(pid), ptraceops.WALL)
	if err != nil {
		unix.Kill(pid, unix.SIGKILL)
		return 0, bkerrors.Wrap(bkerrors.KindIO, "stopresume.CreateInferior.wait", err)
	}
	if !status.Stopped() {
		return 0, bkerrors.New(bkerrors.KindIO, "stopresume.CreateInferior", "child did not stop as expected after exec")
	}

	options := ptraceops.OptionsFor(true, b.exitKillSupported)
	ptraceops.SetOptions(int32(pid), options)

	// With SysProcAttr.Ptrace the child does PTRACE_TRACEME and then
	// execve with no stop in between, so the stop just collected is the
	// SIGTRAP raised by that execve: it is the exec stop.
	execStatus := status

	in := inferior.New(int32(pid))
	b.Registry.Add(in)
	s := b.Table.Add(leader)
	s.LastResumeKind = lwptable.ResumeStop

	if err := in.OpenMem(); err != nil {
		b.logf("create_inferior: open /proc/%d/mem failed: %v", pid, err)
	}
	in.StartingUp = false

	// Seed the exec stop as a pending event rather than hand-mutating
	// LwpState here, so a later Wait call actually sees it (spec.md §8
	// scenario 1: "Stopped(SIGTRAP, SwBreakpoint=false) at the exec
	// stop"); Wait's own Execd handling reopens the mem-fd again for any
	// later exec in this inferior's life, which is harmless to also run
	// here.
	b.Loop.Seed(int32(pid), execStatus)

	return int32(pid), nil
}

// addrNoRandomize mirrors Linux's ADDR_NO_RANDOMIZE personality(2) flag.
const addrNoRandomize = 0x0040000

func fdOr(fd int, fallback uintptr) uintptr {
	if fd > 0 {
		return uintptr(fd)
	}
	return fallback
}

// forkExecWithPersonality brackets unix.ForkExec with a personality(2)
// set/restore pair on a pinned OS thread: the new personality is
// inherited by the child at fork time and survives its execve, so
// disabling ASLR for the child only requires holding the flag for the
// instant of the fork itself (gdb's maybe_disable_address_space_
// randomization does the same dance around its own fork).
func forkExecWithPersonality(program string, argv []string, pa *unix.ProcAttr, extra uintptr) (int, error) {
	if extra == 0 {
		return unix.ForkExec(program, argv, pa)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	old, _, errno := unix.Syscall(unix.SYS_PERSONALITY, 0xffffffff, 0, 0)
	if errno == 0 {
		defer unix.Syscall(unix.SYS_PERSONALITY, old, 0, 0)
		unix.Syscall(unix.SYS_PERSONALITY, old|extra, 0, 0)
	}
	return unix.ForkExec(program, argv, pa)
}
