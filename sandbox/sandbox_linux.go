// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"
)

// enablePlatformSandbox arms the Linux sandbox: no-new-privs, then a
// Landlock ruleset denying all filesystem access, then a seccomp
// allow-list filter applied to all threads.
//
// Both layers are mandatory. Landlock missing from the kernel maps to
// Unsupported, not to a silently weaker sandbox.
func enablePlatformSandbox() (Result, error) {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return Failed, fmt.Errorf("sandbox: set no_new_privs: %w", err)
	}

	result, err := applyLandlock()
	if result != Enabled {
		return result, err
	}

	return applySeccompFilter()
}

// applyLandlock installs an empty ruleset: every filesystem operation
// that the kernel's Landlock ABI can govern is denied. The worker's
// inputs and outputs are already-open descriptors, which Landlock
// does not revoke.
func applyLandlock() (Result, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil || abi < 1 {
		return Unsupported, nil
	}

	config, err := landlockConfigForABI(abi)
	if err != nil {
		return Unsupported, nil
	}

	if err := config.RestrictPaths(); err != nil {
		return Failed, fmt.Errorf("sandbox: applying landlock ruleset (ABI v%d): %w", abi, err)
	}
	return Enabled, nil
}

// landlockConfigForABI selects the strongest ruleset version the
// running kernel supports. Best-effort downgrade is deliberately not
// used: the config chosen here is exactly what the kernel enforces.
func landlockConfigForABI(abi int) (landlock.Config, error) {
	switch {
	case abi >= 7:
		return landlock.V7, nil
	case abi == 6:
		return landlock.V6, nil
	case abi == 5:
		return landlock.V5, nil
	case abi == 4:
		return landlock.V4, nil
	case abi == 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("sandbox: unsupported landlock ABI v%d", abi)
	}
}

// allowedSyscalls is the set of system calls the worker may make once
// armed: socket I/O on the binding, reads/writes/seeks on transferred
// descriptors, and the memory, scheduling, and signal calls the Go
// runtime needs. Everything else kills the process.
var allowedSyscalls = []string{
	// Descriptor and socket I/O.
	"read", "write", "writev", "pread64", "pwrite64", "lseek",
	"close", "fstat", "newfstatat", "fcntl", "dup",
	"recvmsg", "sendmsg", "shutdown",
	"pipe2", "eventfd2",

	// Memory management (Go runtime heap and stacks).
	"mmap", "munmap", "mremap", "madvise", "mprotect", "brk",

	// Scheduling and synchronization.
	"futex", "nanosleep", "clock_gettime", "clock_nanosleep",
	"sched_yield", "sched_getaffinity", "restart_syscall",
	"epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_pwait2",

	// Signals and thread bookkeeping.
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"gettid", "getpid", "tgkill", "membarrier",

	// Misc runtime needs.
	"getrandom", "prctl", "exit", "exit_group",
}

// applySeccompFilter loads the allow-list BPF program on all threads.
// ENOSYS/EINVAL from the kernel mean the facility is absent and map
// to Unsupported; any other failure is Failed.
func applySeccompFilter() (Result, error) {
	if !seccomp.Supported() {
		return Unsupported, nil
	}

	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionKillProcess,
			Syscalls: []seccomp.SyscallGroup{
				{
					Names:  allowedSyscalls,
					Action: seccomp.ActionAllow,
				},
			},
		},
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return Unsupported, nil
		}
		return Failed, fmt.Errorf("sandbox: loading seccomp filter: %w", err)
	}
	return Enabled, nil
}
