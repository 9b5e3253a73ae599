package ebpfspy

import (
	"github.com/rlaisqls/ebpf-monitoring/profbpf"
)

// ConfigMap is the per-pid profiling configuration shared with the kernel
// sampler. Register inserts only if the pid is not present yet, mirroring the
// BPF_NOEXIST insert the sampler itself does, so whoever writes first wins
// and repeated registrations are no-ops.
type ConfigMap interface {
	Register(pid uint32, config *profbpf.PidConfig) error
	Update(pid uint32, config *profbpf.PidConfig) error
	Delete(pid uint32) error
	Each(f func(pid uint32, config profbpf.PidConfig)) error
	MaxEntries() uint32
}

// CountsMap accumulates sample counts per (pid, stack ids) key. Drain returns
// everything collected since the previous call and removes it, so a sample is
// delivered exactly once.
type CountsMap interface {
	Drain() ([]profbpf.SampleKey, []uint32, error)
}

// StacksMap holds captured stacks keyed by the ids referenced from sample
// keys.
type StacksMap interface {
	Lookup(stackID uint32) []byte
	Delete(stackID uint32) error
}
