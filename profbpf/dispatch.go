package profbpf

// Slots of the progs tail-call table. The main perf-event program transfers
// control here for profiling types it does not handle itself; installing the
// target program is the loader's job.
const (
	ProgIdxInterpreter = 0
)

// Dispatch maps a profiling decision to its tail-call slot. Types absent from
// the table are unwound by the main program (frame pointers) or skipped
// (unknown, error).
var Dispatch = map[ProfilingType]int{
	ProfilingTypeInterpreted: ProgIdxInterpreter,
}
