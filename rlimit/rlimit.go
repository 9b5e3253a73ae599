//go:build linux

package rlimit

import (
	"github.com/cilium/ebpf/rlimit"
)

// RemoveMemlock lifts RLIMIT_MEMLOCK for kernels before 5.11, where BPF map
// memory was accounted against it. A no-op on newer kernels.
func RemoveMemlock() error {
	return rlimit.RemoveMemlock()
}
