//go:build linux

package ebpfspy

import (
	"errors"

	"github.com/cilium/ebpf/perf"
	"github.com/go-kit/log/level"

	"github.com/rlaisqls/ebpf-monitoring/profbpf"
	"github.com/rlaisqls/ebpf-monitoring/sd"
	"github.com/rlaisqls/ebpf-monitoring/symtab"
)

// readEvents pumps the perf event channel into per-op queues. It touches no
// mutex-guarded session state so it can keep draining while a profiling
// round holds the mutex; s.metrics is immutable after construction.
func (s *session) readEvents(events *perf.Reader,
	pidConfigRequest chan<- uint32,
	pidExecRequest chan<- uint32,
	deadPIDsEvents chan<- uint32) {
	defer events.Close()
	for {
		record, err := events.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			_ = level.Error(s.logger).Log("msg", "reading from perf event reader", "err", err)
			continue
		}

		if record.LostSamples != 0 {
			_ = level.Error(s.logger).Log("err", "perf event ring buffer full, dropped samples", "n", record.LostSamples)
			s.metrics.LostSamples.Add(float64(record.LostSamples))
		}

		if record.RawSample == nil {
			continue
		}
		e, err := profbpf.ReadPidEvent(record.RawSample)
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "perf event record", "err", err)
			continue
		}
		switch profbpf.PidOp(e.Op) {
		case profbpf.PidOpRequestUnknownProcessInfo:
			select {
			case pidConfigRequest <- e.Pid:
			default:
				// should not happen, the sampler inserts a placeholder and
				// requests each pid once
				_ = level.Error(s.logger).Log("msg", "pid info request queue full, dropping request", "pid", e.Pid)
			}
		case profbpf.PidOpDead:
			select {
			case deadPIDsEvents <- e.Pid:
			default:
				_ = level.Error(s.logger).Log("msg", "dead pid info queue full, dropping event", "pid", e.Pid)
			}
		case profbpf.PidOpRequestExecProcessInfo:
			select {
			case pidExecRequest <- e.Pid:
			default:
				_ = level.Error(s.logger).Log("msg", "pid exec request queue full, dropping event", "pid", e.Pid)
			}
		default:
			_ = level.Error(s.logger).Log("msg", "unknown perf event record", "op", e.Op, "pid", e.Pid)
		}
	}
}

func (s *session) processPidInfoRequests(pidInfoRequests <-chan uint32) {
	for pid := range pidInfoRequests {
		target := s.targetFinder.FindTarget(pid)

		s.mutex.Lock()
		s.handlePidInfoRequest(pid, target)
		s.mutex.Unlock()
	}
}

func (s *session) handlePidInfoRequest(pid uint32, target *sd.Target) {
	if _, alreadyDead := s.pids.dead[pid]; alreadyDead {
		return
	}
	if target == nil {
		s.saveUnknownPIDLocked(pid)
		return
	}
	s.startProfilingLocked(pid, target)
}

func (s *session) startProfilingLocked(pid uint32, target *sd.Target) {
	if !s.started {
		return
	}
	if _, known := s.pids.all.Load(pid); known {
		// already classified, the kernel entry is in place
		return
	}
	pi := s.selectProfilingType(pid, target)
	s.registerPidConfig(pid, pi, s.options.CollectUser, s.collectKernelEnabled(target))
}

func (s *session) processPIDExecRequests(requests <-chan uint32) {
	for pid := range requests {
		target := s.targetFinder.FindTarget(pid)

		s.mutex.Lock()
		s.handlePidExecRequest(pid, target)
		s.mutex.Unlock()
	}
}

// handlePidExecRequest restarts the pid's profiling lifecycle: the process
// image changed, so the previous classification and any cached symbol state
// for it are stale.
func (s *session) handlePidExecRequest(pid uint32, target *sd.Target) {
	if _, alreadyDead := s.pids.dead[pid]; alreadyDead {
		return
	}
	s.pids.all.Delete(pid)
	s.symCache.RemoveDeadPID(symtab.PidKey(pid))
	if target == nil {
		s.saveUnknownPIDLocked(pid)
		return
	}
	if !s.started {
		return
	}
	pi := s.selectProfilingType(pid, target)
	s.updatePidConfig(pid, pi, s.options.CollectUser, s.collectKernelEnabled(target))
}

func (s *session) processDeadPIDsEvents(dead <-chan uint32) {
	for pid := range dead {
		s.mutex.Lock()
		s.handleDeadPid(pid)
		s.mutex.Unlock()
	}
}

func (s *session) handleDeadPid(pid uint32) {
	s.pids.dead[pid] = struct{}{} // kept until the end of the next round
}

// saveUnknownPIDLocked remembers a pid that showed up before discovery knew
// about it; UpdateTargets retries these on the next discovery reset.
func (s *session) saveUnknownPIDLocked(pid uint32) {
	s.pids.unknown[pid] = struct{}{}
}
