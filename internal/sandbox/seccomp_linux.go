//go:build linux

package sandbox

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// seccomp_data offsets.
const (
	seccompOffNr   = 0
	seccompOffArch = 4
	seccompOffArg0 = 16 // low word on little-endian hosts
)

const (
	seccompRetKillProcess = 0x80000000
	seccompRetAllow       = 0x7fff0000

	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1

	auditArchX86_64  = 0xc000003e
	auditArchI386    = 0x40000003
	auditArchAarch64 = 0xc00000b7

	x32SyscallBit = 0x40000000

	i386SysSocket     = 359
	i386SysSocketcall = 102
)

// nativeArch returns the audit arch and socket(2) number of the host.
func nativeArch() (arch uint32, socketNr uint32, err error) {
	switch runtime.GOARCH {
	case "amd64":
		return auditArchX86_64, uint32(unix.SYS_SOCKET), nil
	case "arm64":
		return auditArchAarch64, uint32(unix.SYS_SOCKET), nil
	default:
		return 0, 0, fmt.Errorf("seccomp: unsupported architecture %s", runtime.GOARCH)
	}
}

// socketFilter assembles a seccomp program that kills the process on any
// socket(2) call, except AF_UNIX when allowUnix is set (wineserver needs it).
// Foreign syscall ABIs are killed outright unless allowCompat lets i386
// through for 32-bit Wine loaders.
func socketFilter(allowUnix, allowCompat bool) ([]bpf.RawInstruction, error) {
	arch, socketNr, err := nativeArch()
	if err != nil {
		return nil, err
	}

	// socketTail checks the domain argument of a socket call whose
	// number is already known to match.
	socketTail := func() []bpf.Instruction {
		if !allowUnix {
			return []bpf.Instruction{bpf.RetConstant{Val: seccompRetKillProcess}}
		}
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: seccompOffArg0, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.AF_UNIX, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetKillProcess},
			bpf.RetConstant{Val: seccompRetAllow},
		}
	}

	native := []bpf.Instruction{bpf.LoadAbsolute{Off: seccompOffNr, Size: 4}}
	if arch == auditArchX86_64 {
		native = append(native,
			bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: x32SyscallBit, SkipFalse: 1},
			bpf.RetConstant{Val: seccompRetKillProcess},
		)
	}
	native = append(native,
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: socketNr, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetAllow},
	)
	native = append(native, socketTail()...)

	var compat []bpf.Instruction
	if allowCompat && arch == auditArchX86_64 {
		// socketcall multiplexes through a pointer we cannot inspect, so
		// it is only reachable for profiles that already permit AF_UNIX.
		socketcall := seccompRetKillProcess
		if allowUnix {
			socketcall = seccompRetAllow
		}
		compat = []bpf.Instruction{
			bpf.LoadAbsolute{Off: seccompOffNr, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: i386SysSocketcall, SkipFalse: 1},
			bpf.RetConstant{Val: uint32(socketcall)},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: i386SysSocket, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetAllow},
		}
		compat = append(compat, socketTail()...)
	}

	prog := []bpf.Instruction{bpf.LoadAbsolute{Off: seccompOffArch, Size: 4}}
	if compat != nil {
		// arch == native -> native block; arch == i386 -> compat block; else kill.
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: arch, SkipTrue: 3},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArchI386, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetKillProcess},
			bpf.Jump{Skip: uint32(len(native))},
		)
		// Layout: [native...][compat...]; the Jump above lands on compat
		// when arch is i386, native starts right after it.
		prog = append(prog, native...)
		prog = append(prog, compat...)
	} else {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: arch, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetKillProcess},
		)
		prog = append(prog, native...)
	}
	return bpf.Assemble(prog)
}

// installSeccomp loads the filter for every thread of the calling process.
// no_new_privs must already be set.
func installSeccomp(raw []bpf.RawInstruction) error {
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, seccompFilterFlagTsync, uintptr(unsafe.Pointer(&prog)))
	runtime.KeepAlive(filter)
	if errno != 0 {
		return fmt.Errorf("seccomp: %w", errno)
	}
	return nil
}
