// Command lwpdebugctl is a thin operator harness around the native-debug
// backend: each subcommand drives one StopResumeCore entry point and
// prints the result, for manual exercise of attach/spawn/resume/wait/kill
// without a full GDB remote-protocol stub in front of it. Grounded on
// runsc/cli/main.go's subcommands.Command registration idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/kestrel-trace/lwpdebug/internal/config"
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/mountns"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/stopresume"
	"golang.org/x/sys/unix"
)

func main() {
	// Re-exec entry point for the mount-namespace helper (spec.md §4.3):
	// pkg/mountns.Helper.spawn sets this env var before exec'ing the
	// running binary a second time as a single-threaded child.
	if fdStr := os.Getenv(mountns.HelperEnv); fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lwpdebugctl: bad %s: %v\n", mountns.HelperEnv, err)
			os.Exit(1)
		}
		mountns.RunHelper(fd)
		return
	}

	cfgPath := flag.String("config", "", "path to a TOML config overriding built-in tunables")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	backend := newSharedBackend()
	subcommands.Register(&spawnCmd{backend: backend}, "")
	subcommands.Register(&attachCmd{backend: backend}, "")
	subcommands.Register(&detachCmd{backend: backend}, "")
	subcommands.Register(&killCmd{backend: backend}, "")
	subcommands.Register(&resumeCmd{backend: backend}, "")
	subcommands.Register(&waitCmd{backend: backend}, "")
	subcommands.Register(&interruptCmd{backend: backend}, "")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwpdebugctl: %v\n", err)
		os.Exit(1)
	}
	if err := debuglog.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "lwpdebugctl: %v\n", err)
		os.Exit(1)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// sharedBackend lazily constructs the one Backend this process-wide CLI
// shares across every subcommand invocation.
type sharedBackend struct {
	b *stopresume.Backend
}

func newSharedBackend() *sharedBackend {
	return &sharedBackend{}
}

func (s *sharedBackend) get() *stopresume.Backend {
	if s.b == nil {
		self, err := os.Executable()
		if err != nil {
			self = os.Args[0]
		}
		s.b = stopresume.New(self)
	}
	return s.b
}

type spawnCmd struct {
	backend              *sharedBackend
	disableRandomization bool
}

func (*spawnCmd) Name() string     { return "spawn" }
func (*spawnCmd) Synopsis() string { return "fork, ptrace-attach, and exec a new inferior" }
func (*spawnCmd) Usage() string    { return "spawn [flags] <program> [args...]\n" }
func (c *spawnCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.disableRandomization, "disable-aslr", false, "set ADDR_NO_RANDOMIZE (disable ASLR) for the new inferior")
}
func (c *spawnCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := c.backend.get().CreateInferior(stopresume.CreateInferiorOptions{
		Program:              f.Arg(0),
		Args:                 f.Args()[1:],
		Env:                  os.Environ(),
		DisableRandomization: c.disableRandomization,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d\n", pid)
	return subcommands.ExitSuccess
}

type attachCmd struct{ backend *sharedBackend }

func (*attachCmd) Name() string     { return "attach" }
func (*attachCmd) Synopsis() string { return "attach to every task of a running process" }
func (*attachCmd) Usage() string    { return "attach <pid>\n" }
func (*attachCmd) SetFlags(*flag.FlagSet) {}
func (c *attachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	pid, ok := parsePid(f)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.backend.get().Attach(pid); err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type detachCmd struct{ backend *sharedBackend }

func (*detachCmd) Name() string     { return "detach" }
func (*detachCmd) Synopsis() string { return "detach from every task of a process" }
func (*detachCmd) Usage() string    { return "detach <pid>\n" }
func (*detachCmd) SetFlags(*flag.FlagSet) {}
func (c *detachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	pid, ok := parsePid(f)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.backend.get().Detach(pid); err != nil {
		fmt.Fprintf(os.Stderr, "detach: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type killCmd struct{ backend *sharedBackend }

func (*killCmd) Name() string     { return "kill" }
func (*killCmd) Synopsis() string { return "SIGKILL and reap every task of a process" }
func (*killCmd) Usage() string    { return "kill <pid>\n" }
func (*killCmd) SetFlags(*flag.FlagSet) {}
func (c *killCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	pid, ok := parsePid(f)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.backend.get().Kill(pid); err != nil {
		fmt.Fprintf(os.Stderr, "kill: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type resumeCmd struct {
	backend *sharedBackend
	step    bool
	signal  int
}

func (*resumeCmd) Name() string     { return "resume" }
func (*resumeCmd) Synopsis() string { return "continue or single-step one lwp, or every lwp" }
func (*resumeCmd) Usage() string    { return "resume [flags] <pid> [lwp]\n" }
func (c *resumeCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.step, "step", false, "single-step instead of continuing")
	f.IntVar(&c.signal, "signal", 0, "signal number to deliver on resume")
}
func (c *resumeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	target := ptid.Of(int32(pid), int32(pid))
	if f.NArg() >= 2 {
		lwp, err := strconv.Atoi(f.Arg(1))
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		target = ptid.Of(int32(pid), int32(lwp))
	}
	kind := lwptable.ResumeContinue
	if c.step {
		kind = lwptable.ResumeStep
	}
	req := stopresume.ResumeRequest{Ptid: target, Kind: kind, Sig: unix.Signal(c.signal)}
	if err := c.backend.get().Resume([]stopresume.ResumeRequest{req}); err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type waitCmd struct {
	backend *sharedBackend
	nohang  bool
}

func (*waitCmd) Name() string     { return "wait" }
func (*waitCmd) Synopsis() string { return "block for the next stop-event and print it" }
func (*waitCmd) Usage() string    { return "wait [flags] [pid]\n" }
func (c *waitCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.nohang, "nohang", false, "return immediately if nothing is ready")
}
func (c *waitCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	filter := ptid.MinusOne
	if f.NArg() >= 1 {
		pid, err := strconv.Atoi(f.Arg(0))
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		filter = ptid.Ptid{Pid: int32(pid), Lwp: -1}
	}
	lwp, ev, err := c.backend.get().Wait(filter, c.nohang)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s %s signal=%d reason=%s\n", lwp, ev.Kind, int(ev.Signal), ev.StopReason)
	return subcommands.ExitSuccess
}

type interruptCmd struct{ backend *sharedBackend }

func (*interruptCmd) Name() string     { return "interrupt" }
func (*interruptCmd) Synopsis() string { return "emulate ctrl-C against a process group" }
func (*interruptCmd) Usage() string    { return "interrupt <pid>\n" }
func (*interruptCmd) SetFlags(*flag.FlagSet) {}
func (c *interruptCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	pid, ok := parsePid(f)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.backend.get().RequestInterrupt(pid); err != nil {
		fmt.Fprintf(os.Stderr, "interrupt: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func parsePid(f *flag.FlagSet) (int32, bool) {
	if f.NArg() != 1 {
		return 0, false
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		return 0, false
	}
	return int32(pid), true
}
