//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// limitCPU caps the CPU seconds of pid one second above maxCPUTimeMs so
// the polled check normally fires first and the kernel is the backstop.
func limitCPU(pid int, maxCPUTimeMs int64) error {
	if maxCPUTimeMs <= 0 {
		return nil
	}
	secs := uint64((maxCPUTimeMs+999)/1000) + 1
	return unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: secs, Max: secs}, nil)
}
