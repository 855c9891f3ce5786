// Package procfs implements ProcfsIo (spec.md §4.1, component C1): open,
// cache, and read/write /proc/<pid>/mem; parse /proc/<pid>/status and
// /proc/<pid>/task/*; classify process state. This is the only
// race-free way to enumerate LWPs without relying on libthread_db,
// which cannot be trusted during a tracee's own startup.
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"golang.org/x/sys/unix"
)

// State is the classification of a pid/lwp's /proc/<pid>/status State
// line (spec.md §4.1).
type State int

const (
	Unknown State = iota
	Stopped
	TracingStop
	Dead
	Zombie
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case TracingStop:
		return "tracing-stop"
	case Dead:
		return "dead"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// PidState opens /proc/<pid>/status and parses the 'State:' line
// (spec.md §4.1, §6.4). 'T (stopped)' is Stopped; 't (tracing stop)' or,
// on old kernels, 'T (tracing stop)' is TracingStop; 'X' is Dead; 'Z' is
// Zombie.
func PidState(pid int32) (State, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return Unknown, bkerrors.Wrap(bkerrors.KindIO, "pid_state", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "State:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "State:"))
		switch {
		case strings.HasPrefix(rest, "t"):
			return TracingStop, nil
		case strings.HasPrefix(rest, "T"):
			if strings.HasPrefix(rest, "T (stopped)") {
				return Stopped, nil
			}
			return TracingStop, nil
		case strings.HasPrefix(rest, "X"):
			return Dead, nil
		case strings.HasPrefix(rest, "Z"):
			return Zombie, nil
		default:
			return Unknown, nil
		}
	}
	return Unknown, nil
}

// PidIsGone reports whether pid is Dead, Zombie, or its status file is
// unreadable (spec.md §4.1).
func PidIsGone(pid int32) bool {
	st, err := PidState(pid)
	if err != nil {
		return true
	}
	return st == Dead || st == Zombie
}

// PidToExecFile resolves /proc/<pid>/exe.
func PidToExecFile(pid int32) (string, error) {
	p, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", bkerrors.Wrap(bkerrors.KindIO, "pid_to_exec_file", err)
	}
	return p, nil
}

// MountNsIno returns the inode number of /proc/<pid>/ns/mnt, used to
// decide whether a tracee shares the caller's mount namespace (spec.md
// §4.3 "Namespace selection": a matching inode means the request can be
// serviced directly, without the helper).
func MountNsIno(pid int32) (uint64, error) {
	var st unix.Stat_t
	path := fmt.Sprintf("/proc/%d/ns/mnt", pid)
	if pid == 0 {
		path = "/proc/self/ns/mnt"
	}
	if err := unix.Stat(path, &st); err != nil {
		return 0, bkerrors.Wrap(bkerrors.KindIO, "mount_ns_ino", err)
	}
	return st.Ino, nil
}

// taskCommLen is TASK_COMM_LEN - 1 (kernel comm strings are 16 bytes
// including the NUL).
const taskCommLen = 15

// TidName reads /proc/<pid>/task/<lwp>/comm, strips the trailing
// newline, and truncates at taskCommLen bytes.
func TidName(p ptid.Ptid) (string, bool) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", p.Pid, p.Lwp))
	if err != nil {
		return "", false
	}
	name := strings.TrimRight(string(b), "\n")
	if len(name) > taskCommLen {
		name = name[:taskCommLen]
	}
	return name, true
}

// MemIO is the persistent handle onto a process's /proc/<pid>/mem file,
// shared between positional reads and writes (spec.md §5 "Shared
// resources"). It must not be opened until the tracee has survived its
// exec; exec invalidates any previously opened mem-fd.
type MemIO struct {
	pid int32
	f   *os.File
}

// OpenMem opens /proc/<pid>/mem O_RDWR for positional access.
func OpenMem(pid int32) (*MemIO, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.KindIO, "open_mem", err)
	}
	return &MemIO{pid: pid, f: f}, nil
}

// Close releases the mem-fd.
func (m *MemIO) Close() error {
	if m == nil || m.f == nil {
		return nil
	}
	return m.f.Close()
}

// ReadAt reads len(dst) bytes at offset. A read returning 0 with no
// error means the tracee's address space vanished (exited or exec'd);
// the caller must surface this as EOF, per spec.md §4.1.
func (m *MemIO) ReadAt(offset int64, dst []byte) (int, error) {
	n, err := m.f.ReadAt(dst, offset)
	if n == 0 && (err == nil || err == io.EOF) {
		return 0, io.EOF
	}
	if err != nil && err != io.EOF {
		return n, bkerrors.Wrap(bkerrors.KindIO, "proc_mem_read", err)
	}
	return n, nil
}

// WriteAt writes src at offset.
func (m *MemIO) WriteAt(offset int64, src []byte) (int, error) {
	n, err := m.f.WriteAt(src, offset)
	if err != nil {
		return n, bkerrors.Wrap(bkerrors.KindIO, "proc_mem_write", err)
	}
	return n, nil
}

// probeWritability runs the one-time /proc/<pid>/mem writability probe
// under an flock on lockPath, which serializes it across backend
// instances on the same host (SPEC_FULL.md §B).
func probeWritability(lockPath string, pid int32) (bool, error) {
	lk := flock.New(lockPath)
	if err := lk.Lock(); err != nil {
		return false, bkerrors.Wrap(bkerrors.KindIO, "proc_mem_probe_lock", err)
	}
	defer lk.Unlock()

	m, err := OpenMem(pid)
	if err != nil {
		return false, err
	}
	defer m.Close()

	// No byte is written: os.File.WriteAt returns at once for an empty
	// buffer without issuing pwrite(2), so the kernel is never asked.
	// The result therefore rests on OpenMem's O_RDWR open having
	// succeeded above.
	_, werr := m.WriteAt(0, nil)
	return werr == nil, nil
}

// ProbeMemWritable runs the one-time self-write probe against our own
// pid and caches nothing itself; callers should cache the bool.
func ProbeMemWritable(lockPath string) bool {
	ok, err := probeWritability(lockPath, int32(os.Getpid()))
	if err != nil {
		debuglog.Debugf("procfs: /proc/self/mem writability probe failed: %v", err)
		return false
	}
	return ok
}

// AttachAllTasks iterates /proc/<pid>/task/ repeatedly, calling cb for
// every discovered lwp, stopping only after two consecutive iterations
// discover no new lwps (spec.md §4.1), to cope with tasks spawning
// mid-scan.
func AttachAllTasks(pid int32, cb func(ptid.Ptid) error) error {
	seen := map[int32]bool{}
	emptyStreak := 0
	for emptyStreak < 2 {
		entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
		if err != nil {
			if os.IsNotExist(err) {
				return bkerrors.Wrap(bkerrors.KindNoSuchTracee, "attach_all_tasks", err)
			}
			return bkerrors.Wrap(bkerrors.KindIO, "attach_all_tasks", err)
		}
		foundNew := false
		for _, e := range entries {
			lwp64, err := strconv.ParseInt(e.Name(), 10, 32)
			if err != nil {
				continue
			}
			lwp := int32(lwp64)
			if seen[lwp] {
				continue
			}
			seen[lwp] = true
			foundNew = true
			if err := cb(ptid.Of(pid, lwp)); err != nil {
				return err
			}
		}
		if foundNew {
			emptyStreak = 0
		} else {
			emptyStreak++
		}
	}
	return nil
}

// PendingSignalSets are parsed from /proc/<pid>/status's SigPnd/ShdPnd/
// SigBlk/SigIgn hex bitmaps (spec.md §6.4), MSB-first into a uint64
// sigset (signals 1..64).
type PendingSignalSets struct {
	SigPnd, ShdPnd, SigBlk, SigIgn uint64
}

// ReadPendingSignalSets parses the four signal-bitmap fields out of
// /proc/<pid>/status.
func ReadPendingSignalSets(pid int32) (PendingSignalSets, error) {
	var out PendingSignalSets
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return out, bkerrors.Wrap(bkerrors.KindIO, "read_pending_signal_sets", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var dst *uint64
		switch {
		case strings.HasPrefix(line, "SigPnd:"):
			dst = &out.SigPnd
		case strings.HasPrefix(line, "ShdPnd:"):
			dst = &out.ShdPnd
		case strings.HasPrefix(line, "SigBlk:"):
			dst = &out.SigBlk
		case strings.HasPrefix(line, "SigIgn:"):
			dst = &out.SigIgn
		default:
			continue
		}
		hex := strings.TrimSpace(line[strings.IndexByte(line, ':')+1:])
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		*dst = v
	}
	return out, nil
}

// AttachFailureDetail builds the human-readable paragraph gdb's
// nat/linux-osdata.c derives from /proc/<pid>/status when an attach
// fails for a reason other than "already traced" (spec.md §7,
// SPEC_FULL.md §C.4).
func AttachFailureDetail(pid int32) string {
	sets, err := ReadPendingSignalSets(pid)
	if err != nil {
		return fmt.Sprintf("process %d: unable to read /proc/%d/status", pid, pid)
	}
	return fmt.Sprintf(
		"process %d: pending=%#x shared-pending=%#x blocked=%#x ignored=%#x",
		pid, sets.SigPnd, sets.ShdPnd, sets.SigBlk, sets.SigIgn)
}
