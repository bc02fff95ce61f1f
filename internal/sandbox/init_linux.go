//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sys/unix"
)

// initEnvKey carries the initSpec from the supervisor to the re-executed
// helper. Its presence is what turns the binary into the helper.
const initEnvKey = "_SCRATCHD_SANDBOX_INIT"

// initErrorPrefix marks helper diagnostics on stderr.
const initErrorPrefix = "sandbox-init: "

// initSpec is everything the helper needs to build the jail and exec.
type initSpec struct {
	Command       []string `json:"command"`
	Dir           string   `json:"dir"`
	Env           []string `json:"env"`
	ToolchainRoot string   `json:"toolchain_root"`
	JobDir        string   `json:"job_dir"`
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`
	TmpDir        string   `json:"tmp_dir"`
	TmpBytes      int64    `json:"tmp_bytes"`
	Capabilities  []string `json:"capabilities"`
	CPUSeconds    int      `json:"cpu_seconds"`
	MemoryMB      int      `json:"memory_mb"`
	FileBytes     int64    `json:"file_bytes"`
	AllowUnix     bool     `json:"allow_unix"`
	AllowCompat   bool     `json:"allow_compat"`
}

// RunInitIfRequested turns the current process into the sandbox helper when
// it was started by ProcessSandbox. It must be the first call in main (and in
// TestMain of packages that run the process sandbox). On the helper path it
// never returns.
func RunInitIfRequested() {
	raw, ok := os.LookupEnv(initEnvKey)
	if !ok {
		return
	}
	// Capabilities, no_new_privs and exec are per-thread.
	runtime.LockOSThread()

	var spec initSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		initFail("decoding spec: %v", err)
	}
	if err := spec.apply(); err != nil {
		initFail("%v", err)
	}
	initFail("exec returned")
}

func initFail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, initErrorPrefix+format+"\n", args...)
	os.Exit(setupFailureExitCode)
}

func (s initSpec) apply() error {
	if len(s.Command) == 0 {
		return ErrEmptyCommand
	}
	if err := s.mount(); err != nil {
		return err
	}
	if err := s.dropCapabilities(); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	filter, err := socketFilter(s.AllowUnix, s.AllowCompat)
	if err != nil {
		return err
	}
	// Resolve before the filter goes in; nothing after this may fail softly.
	path, err := lookPath(s.Command[0], s.Env)
	if err != nil {
		return err
	}
	if s.Dir != "" {
		if err := unix.Chdir(s.Dir); err != nil {
			return fmt.Errorf("chdir %s: %w", s.Dir, err)
		}
	}
	// Limits go in last: RLIMIT_AS would starve the Go runtime of the
	// helper itself.
	if err := s.setRlimits(); err != nil {
		return err
	}
	if err := installSeccomp(filter); err != nil {
		return err
	}
	if err := unix.Exec(path, s.Command, s.Env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// systemPaths are bound read-only from the host when they exist. Symlinks
// (merged /usr layouts) are recreated as symlinks.
var systemPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32",
	"/etc/alternatives", "/etc/ld.so.cache", "/etc/ld.so.conf", "/etc/ld.so.conf.d",
}

var devNodes = []string{"null", "zero", "full", "random", "urandom", "tty"}

const (
	newRoot = "/newroot"
	oldRoot = "/oldroot"
)

// mount runs inside the fresh user+mount namespace where we are root. It
// builds an empty tmpfs root holding only the system directories, the
// read-only trees, the job dir and a minimal /dev, then pivots into it and
// detaches the host root.
func (s initSpec) mount() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}

	// Stage on a throwaway tmpfs so the host tree ends up under /oldroot.
	if err := unix.Mount("tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=64k,mode=0755"); err != nil {
		return fmt.Errorf("mounting staging tmpfs: %w", err)
	}
	for _, dir := range []string{"/tmp" + newRoot, "/tmp" + oldRoot} {
		if err := unix.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := unix.PivotRoot("/tmp", "/tmp"+oldRoot); err != nil {
		return fmt.Errorf("pivot_root to staging: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Mount("tmpfs", newRoot, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
		return fmt.Errorf("mounting new root: %w", err)
	}

	bound := make([]string, 0, len(systemPaths))
	for _, p := range systemPaths {
		ok, err := bindHost(p, true)
		if err != nil {
			return err
		}
		if ok {
			bound = append(bound, p)
		}
	}
	extra := append([]string{s.ToolchainRoot}, s.ReadOnlyPaths...)
	for _, p := range extra {
		if p == "" || slices.ContainsFunc(bound, func(b string) bool { return within(p, b) }) {
			continue
		}
		ok, err := bindHost(p, true)
		if err != nil {
			return err
		}
		if ok {
			bound = append(bound, p)
		}
	}
	if _, err := bindHost(s.JobDir, false); err != nil {
		return err
	}

	if err := mountDev(); err != nil {
		return err
	}
	// proc can only be mounted while a full proc is still visible, so this
	// happens before the old root goes away.
	if err := os.MkdirAll(newRoot+"/proc", 0o555); err != nil {
		return fmt.Errorf("creating /proc: %w", err)
	}
	if err := unix.Mount("proc", newRoot+"/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}
	opts := fmt.Sprintf("size=%d,mode=1777", s.TmpBytes)
	if err := unix.Mount("tmpfs", newRoot+s.TmpDir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return fmt.Errorf("mounting tmpfs at %s: %w", s.TmpDir, err)
	}

	if err := unix.Unmount(oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching host root: %w", err)
	}
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	// pivot_root(".", ".") stacks the staging root on top; detaching "."
	// then drops it.
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching staging root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	// Non-recursive: the job dir and tmpfs keep their own flags.
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("remounting root read-only: %w", err)
	}
	return nil
}

// bindHost makes the host path visible at the same place in the new root.
// Missing paths are skipped and reported as not bound.
func bindHost(path string, readOnly bool) (bool, error) {
	src := oldRoot + path
	dst := newRoot + path
	fi, err := os.Lstat(src)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("creating parent of %s: %w", path, err)
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return false, fmt.Errorf("reading link %s: %w", path, err)
		}
		if err := os.Symlink(target, dst); err != nil {
			return false, fmt.Errorf("linking %s: %w", path, err)
		}
		return true, nil
	case fi.IsDir():
		err = os.MkdirAll(dst, 0o755)
	default:
		err = touch(dst)
	}
	if err != nil {
		return false, fmt.Errorf("creating mount point %s: %w", path, err)
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return false, fmt.Errorf("binding %s: %w", path, err)
	}
	if err := setReadOnly(dst, readOnly); err != nil {
		return false, err
	}
	return true, nil
}

// mountDev populates /dev with the few nodes compilers touch.
func mountDev() error {
	if err := os.MkdirAll(newRoot+"/dev", 0o755); err != nil {
		return fmt.Errorf("creating /dev: %w", err)
	}
	for _, name := range devNodes {
		if _, err := bindHost("/dev/"+name, false); err != nil {
			return err
		}
	}
	for name, target := range map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	} {
		if err := os.Symlink(target, newRoot+"/dev/"+name); err != nil {
			return fmt.Errorf("linking /dev/%s: %w", name, err)
		}
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// setReadOnly flips the read-only attribute on every mount at or below path.
func setReadOnly(path string, ro bool) error {
	attr := unix.MountAttr{}
	if ro {
		attr.Attr_set = unix.MOUNT_ATTR_RDONLY
	} else {
		attr.Attr_clr = unix.MOUNT_ATTR_RDONLY
	}
	if err := unix.MountSetattr(unix.AT_FDCWD, path, unix.AT_RECURSIVE, &attr); err != nil {
		return fmt.Errorf("mount_setattr %s: %w", path, err)
	}
	return nil
}

func (s initSpec) setRlimits() error {
	set := func(resource int, cur, max uint64) error {
		return unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max})
	}
	if s.CPUSeconds > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		if err := set(unix.RLIMIT_CPU, uint64(s.CPUSeconds), uint64(s.CPUSeconds)+1); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if s.MemoryMB > 0 {
		as := uint64(s.MemoryMB) << 20
		if err := set(unix.RLIMIT_AS, as, as); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if s.FileBytes > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(s.FileBytes), uint64(s.FileBytes)); err != nil {
			return fmt.Errorf("RLIMIT_FSIZE: %w", err)
		}
	}
	if err := set(unix.RLIMIT_CORE, 0, 0); err != nil {
		return fmt.Errorf("RLIMIT_CORE: %w", err)
	}
	return nil
}

// dropCapabilities shrinks the bounding set to the allowlist and sets the
// effective, permitted and inheritable sets to match.
func (s initSpec) dropCapabilities() error {
	keep := make(map[int]bool, len(s.Capabilities))
	for _, name := range s.Capabilities {
		c, ok := capabilityNumbers[name]
		if !ok {
			return fmt.Errorf("unknown capability %s", name)
		}
		keep[c] = true
	}
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if keep[c] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil && err != unix.EINVAL {
			return fmt.Errorf("dropping capability %d from bounding set: %w", c, err)
		}
	}

	var data [2]unix.CapUserData
	for c := range keep {
		data[c/32].Effective |= 1 << uint(c%32)
		data[c/32].Permitted |= 1 << uint(c%32)
		data[c/32].Inheritable |= 1 << uint(c%32)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return nil
}

var capabilityNumbers = map[string]int{
	"CAP_CHOWN":        unix.CAP_CHOWN,
	"CAP_DAC_OVERRIDE": unix.CAP_DAC_OVERRIDE,
	"CAP_FOWNER":       unix.CAP_FOWNER,
	"CAP_FSETID":       unix.CAP_FSETID,
	"CAP_SETFCAP":      unix.CAP_SETFCAP,
	"CAP_SETGID":       unix.CAP_SETGID,
	"CAP_SETUID":       unix.CAP_SETUID,
}

// lookPath resolves name against the PATH in the child environment, not ours.
func lookPath(name string, env []string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	idx := slices.IndexFunc(env, func(kv string) bool { return len(kv) > 5 && kv[:5] == "PATH=" })
	if idx >= 0 {
		for _, dir := range filepath.SplitList(env[idx][5:]) {
			candidate := filepath.Join(dir, name)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}
