//go:build !linux

package sandbox

func limitCPU(pid int, maxCPUTimeMs int64) error {
	return nil
}
