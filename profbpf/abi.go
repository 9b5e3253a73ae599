// Package profbpf declares the binary interface shared with the kernel-side
// sampling program (bpf/profile.bpf.c). Struct layouts and constants here must
// match the C definitions byte for byte.
package profbpf

import (
	"encoding/binary"
	"fmt"
)

type ProfilingType uint8

//#define PROFILING_TYPE_UNKNOWN 1
//#define PROFILING_TYPE_FRAMEPOINTERS 2
//#define PROFILING_TYPE_INTERPRETED 3
//#define PROFILING_TYPE_ERROR 4

const (
	ProfilingTypeUnknown       ProfilingType = 1
	ProfilingTypeFramepointers ProfilingType = 2
	ProfilingTypeInterpreted   ProfilingType = 3
	ProfilingTypeError         ProfilingType = 4
)

type PidOp uint32

//#define OP_REQUEST_UNKNOWN_PROCESS_INFO 1
//#define OP_PID_DEAD 2
//#define OP_REQUEST_EXEC_PROCESS_INFO 3

const (
	PidOpRequestUnknownProcessInfo PidOp = 1
	PidOpDead                      PidOp = 2
	PidOpRequestExecProcessInfo    PidOp = 3
)

// SampleKey mirrors struct sample_key, the key of the counts map.
// A negative stack id means that half of the stack was not captured.
type SampleKey struct {
	Pid       uint32
	Flags     uint32
	KernStack int64
	UserStack int64
}

// SampleKeyFlagInterpreterStack marks samples whose user half was captured by
// the interpreted-runtime unwinder reached through the tail-call table.
const SampleKeyFlagInterpreterStack uint32 = 1 << 0

// PidConfig mirrors struct pid_config, the value of the pids map.
type PidConfig struct {
	Type          uint8
	CollectUser   uint8
	CollectKernel uint8
	Padding       uint8
}

// PidEvent mirrors struct pid_event delivered over the perf event channel.
type PidEvent struct {
	Op  uint32
	Pid uint32
}

const PidEventSize = 8

func ReadPidEvent(raw []byte) (PidEvent, error) {
	if len(raw) < PidEventSize {
		return PidEvent{}, fmt.Errorf("pid event record too small: %d", len(raw))
	}
	return PidEvent{
		Op:  binary.LittleEndian.Uint32(raw[0:4]),
		Pid: binary.LittleEndian.Uint32(raw[4:8]),
	}, nil
}

// GlobalConfig mirrors struct global_config_t, rewritten into the object at
// load time so the sampler reports pids of our namespace.
type GlobalConfig struct {
	NsPidIno uint64
}

// StackDepth is the fixed frame capacity of one stack-trace map entry.
// Unused trailing slots hold zero.
const StackDepth = 127

const (
	MapNamePids   = "pids"
	MapNameCounts = "counts"
	MapNameStacks = "stacks"
	MapNameEvents = "events"
	MapNameProgs  = "progs"
)
