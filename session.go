//go:build linux

// Package ebpfspy drives a kernel perf-event CPU sampler: it decides which
// processes get sampled, drains the collected stacks every round and turns
// them into pprof profiles.
package ebpfspy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/rlaisqls/ebpf-monitoring/cpuonline"
	"github.com/rlaisqls/ebpf-monitoring/metrics"
	"github.com/rlaisqls/ebpf-monitoring/pprof"
	"github.com/rlaisqls/ebpf-monitoring/profbpf"
	"github.com/rlaisqls/ebpf-monitoring/rlimit"
	"github.com/rlaisqls/ebpf-monitoring/sd"
	"github.com/rlaisqls/ebpf-monitoring/symtab"
)

type SessionOptions struct {
	CollectUser               bool
	CollectKernel             bool
	UnknownSymbolModuleOffset bool // use libfoo.so+0xef instead of libfoo.so for unknown symbols
	UnknownSymbolAddress      bool // use 0xcafebabe instead of [unknown]
	CacheOptions              symtab.CacheOptions
	SymbolOptions             symtab.SymbolOptions
	Metrics                   *metrics.Metrics
	SampleRate                int
	VerifierLogSize           int
	// BPFObjectPath points at the compiled sampler object file.
	BPFObjectPath string
	// Inspector defaults to reading /proc when nil.
	Inspector      ExeInspector
	BPFMapsOptions BPFMapsOptions
}

type BPFMapsOptions struct {
	PIDMapSize uint32
}

type Session interface {
	pprof.SamplesCollector
	Start() error
	Stop()
	Update(SessionOptions) error
	UpdateTargets(args sd.TargetsOptions)
	DebugInfo() interface{}
}

type SessionDebugInfo struct {
	ElfCache symtab.ElfCacheDebugInfo                          `river:"elf_cache,attr,optional"`
	PidCache symtab.GCacheDebugInfo[symtab.ProcTableDebugInfo] `river:"pid_cache,attr,optional"`
	Arch     string                                            `river:"arch,attr"`
	Kernel   string                                            `river:"kernel,attr"`
}

type procInfoLite struct {
	pid  uint32
	comm string
	exe  string
	typ  profbpf.ProfilingType
}

type pids struct {
	// processes not selected for profiling by sd
	unknown map[uint32]struct{}
	// got a pid dead event or errored during refresh
	dead map[uint32]struct{}
	// all known pids, same as the kernel config map but without unknowns
	all *xsync.MapOf[uint32, procInfoLite]
}

type session struct {
	logger log.Logger

	// captured at construction so the perf-reader goroutine never reads
	// s.options, which Update reassigns under the mutex
	metrics *metrics.Metrics

	targetFinder sd.TargetFinder

	perfEvents []*perfEvent

	symCache *symtab.SymbolCache

	bpf profbpf.Objects

	pidsMap   ConfigMap
	countsMap CountsMap
	stacksMap StacksMap

	inspector ExeInspector

	eventsReader    *perf.Reader
	pidInfoRequests chan uint32
	pidExecRequests chan uint32
	deadPIDEvents   chan uint32

	options     SessionOptions
	roundNumber int

	// all the Session methods should be guarded by mutex
	// all the goroutines accessing fields should hold mutex and check started
	mutex sync.Mutex
	// We have 4 goroutines:
	// 1 - reading perf events from the kernel; does not touch session fields
	// 2 - processing pid info requests, under mutex
	// 3 - processing pid dead events, under mutex
	// 4 - processing pid exec requests, under mutex
	// wg must be accessed with no mutex held to avoid deadlock, so Start and
	// Stop are synchronized outside
	wg      sync.WaitGroup
	started bool
	kprobes []link.Link

	pids pids
}

func NewSession(
	logger log.Logger,
	targetFinder sd.TargetFinder,
	sessionOptions SessionOptions,
) (Session, error) {
	symCache, err := symtab.NewSymbolCache(logger, sessionOptions.CacheOptions, sessionOptions.Metrics.Symtab)
	if err != nil {
		return nil, err
	}
	inspector := sessionOptions.Inspector
	if inspector == nil {
		inspector = procInspector{}
	}

	return &session{
		logger:   logger,
		metrics:  sessionOptions.Metrics,
		symCache: symCache,

		targetFinder: targetFinder,
		options:      sessionOptions,
		inspector:    inspector,
		pids: pids{
			unknown: make(map[uint32]struct{}),
			dead:    make(map[uint32]struct{}),
			all:     xsync.NewMapOf[uint32, procInfoLite](),
		},
	}, nil
}

func (s *session) Start() error {
	s.printDebugInfo()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var err error

	if err = rlimit.RemoveMemlock(); err != nil {
		return err
	}

	opts := &ebpf.CollectionOptions{
		Programs: s.progOptions(),
	}
	spec, err := profbpf.LoadSpec(s.options.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("sampler object load %w", err)
	}
	if s.options.BPFMapsOptions.PIDMapSize != 0 {
		spec.Maps[profbpf.MapNamePids].MaxEntries = s.options.BPFMapsOptions.PIDMapSize
	}

	_, nsIno, err := getPIDNamespace()
	// if the file does not exist, CONFIG_PID_NS is not supported, ignore
	if !os.IsNotExist(err) {
		if err != nil {
			return fmt.Errorf("unable to get pid namespace %w", err)
		}
		err = spec.RewriteConstants(map[string]interface{}{
			"global_config": profbpf.GlobalConfig{
				NsPidIno: nsIno,
			},
		})
		if err != nil {
			return fmt.Errorf("sampler rewrite constants %w", err)
		}
	}
	err = spec.LoadAndAssign(&s.bpf, opts)
	if err != nil {
		s.logVerifierError(err)
		s.stopLocked()
		return fmt.Errorf("load bpf objects: %w", err)
	}
	s.pidsMap = &kernelConfigMap{m: s.bpf.Pids}
	s.countsMap = &kernelCountsMap{m: s.bpf.Counts}
	s.stacksMap = &kernelStacksMap{m: s.bpf.Stacks}

	btf.FlushKernelSpec() // save some memory

	eventsReader, err := perf.NewReader(s.bpf.Events, 4*os.Getpagesize())
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("perf new reader for events map: %w", err)
	}
	s.perfEvents, err = attachPerfEvents(s.options.SampleRate, s.bpf.DoPerfEvent)
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("attach perf events: %w", err)
	}

	err = s.linkKProbes()
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("link kprobes: %w", err)
	}

	s.eventsReader = eventsReader
	pidInfoRequests := make(chan uint32, 1024)
	pidExecRequests := make(chan uint32, 1024)
	deadPIDsEvents := make(chan uint32, 1024)
	s.pidInfoRequests = pidInfoRequests
	s.pidExecRequests = pidExecRequests
	s.deadPIDEvents = deadPIDsEvents
	s.wg.Add(4)
	s.started = true
	go func() {
		defer s.wg.Done()
		s.readEvents(eventsReader, pidInfoRequests, pidExecRequests, deadPIDsEvents)
	}()
	go func() {
		defer s.wg.Done()
		s.processPidInfoRequests(pidInfoRequests)
	}()
	go func() {
		defer s.wg.Done()
		s.processDeadPIDsEvents(deadPIDsEvents)
	}()
	go func() {
		defer s.wg.Done()
		s.processPIDExecRequests(pidExecRequests)
	}()
	return nil
}

func (s *session) Stop() {
	s.stopAndWait()
}

func (s *session) Update(options SessionOptions) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.symCache.UpdateOptions(options.CacheOptions)
	s.options = options
	return nil
}

func (s *session) UpdateTargets(args sd.TargetsOptions) {
	s.targetFinder.Update(args)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for pid := range s.pids.unknown {
		target := s.targetFinder.FindTarget(pid)
		if target == nil {
			continue
		}
		s.startProfilingLocked(pid, target)
		delete(s.pids.unknown, pid)
	}
}

func (s *session) CollectProfiles(cb pprof.CollectProfilesCallback) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.symCache.NextRound()
	s.roundNumber++

	err := s.collectRegularProfile(cb)
	if err != nil {
		return err
	}

	s.cleanup()

	return nil
}

func (s *session) DebugInfo() interface{} {
	pv, _ := os.ReadFile("/proc/version")
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return SessionDebugInfo{
		ElfCache: s.symCache.ElfCacheDebugInfo(),
		PidCache: s.symCache.PidCacheDebugInfo(),
		Arch:     runtime.GOARCH,
		Kernel:   string(pv),
	}
}

func (s *session) collectRegularProfile(cb pprof.CollectProfilesCallback) error {
	sb := &stackBuilder{}

	keys, values, err := s.countsMap.Drain()
	if err != nil {
		return fmt.Errorf("drain counts map: %w", err)
	}

	knownStacks := map[uint32]bool{}

	for i := range keys {
		ck := &keys[i]
		value := values[i]
		if ck.UserStack > 0 {
			knownStacks[uint32(ck.UserStack)] = true
		}
		if ck.KernStack >= 0 {
			knownStacks[uint32(ck.KernStack)] = true
		}
		target := s.targetFinder.FindTarget(ck.Pid)
		if target == nil {
			s.metrics.DroppedSamples.Inc()
			continue
		}
		if _, ok := s.pids.dead[ck.Pid]; ok {
			s.metrics.DroppedSamples.Inc()
			continue
		}

		pk := symtab.PidKey(ck.Pid)

		var uStack []byte
		var kStack []byte
		if s.options.CollectUser {
			uStack = s.getStack(ck.UserStack)
		}
		if s.options.CollectKernel {
			kStack = s.getStack(ck.KernStack)
		}

		stats := StackResolveStats{}
		sb.reset()
		sb.append(s.comm(ck.Pid))
		if s.options.CollectUser {
			proc := s.symCache.GetProcTableCached(pk)
			if proc == nil {
				proc = s.symCache.NewProcTable(pk, s.targetSymbolOptions(target))
			}
			if proc.Error() != nil {
				s.pids.dead[uint32(proc.Pid())] = struct{}{}
				continue
			}
			s.WalkStack(sb, uStack, proc, &stats)
		}
		if s.options.CollectKernel {
			s.WalkStack(sb, kStack, s.symCache.GetKallsyms(), &stats)
		}
		if len(sb.stack) == 1 {
			continue // only comm
		}
		lo.Reverse(sb.stack)
		cb(pprof.ProfileSample{
			Target:      target,
			Pid:         ck.Pid,
			Aggregation: pprof.SampleAggregated,
			SampleType:  pprof.SampleTypeCpu,
			Stack:       sb.stack,
			Value:       uint64(value),
		})
		s.collectMetrics(target, &stats, sb)
	}

	for stackID := range knownStacks {
		if err = s.stacksMap.Delete(stackID); err != nil {
			return fmt.Errorf("clear stacks map %w", err)
		}
	}
	return nil
}

func (s *session) comm(pid uint32) string {
	pi, ok := s.pids.all.Load(pid)
	if ok && pi.comm != "" {
		return pi.comm
	}
	return "pid_unknown"
}

func (s *session) collectMetrics(target *sd.Target, stats *StackResolveStats, sb *stackBuilder) {
	m := s.metrics.Symtab
	serviceName := target.ServiceName()
	if m != nil {
		m.KnownSymbols.WithLabelValues(serviceName).Add(float64(stats.known))
		m.UnknownSymbols.WithLabelValues(serviceName).Add(float64(stats.unknownSymbols))
		m.UnknownModules.WithLabelValues(serviceName).Add(float64(stats.unknownModules))
		if len(sb.stack) > 2 && stats.unknownSymbols+stats.unknownModules > stats.known {
			m.UnknownStacks.WithLabelValues(serviceName).Inc()
		}
	}
}

func (s *session) stopAndWait() {
	s.mutex.Lock()
	s.stopLocked()
	s.mutex.Unlock()

	s.wg.Wait()
}

func (s *session) stopLocked() {
	for _, pe := range s.perfEvents {
		_ = pe.Close()
	}
	s.perfEvents = nil
	for _, kprobe := range s.kprobes {
		_ = kprobe.Close()
	}
	s.kprobes = nil
	_ = s.bpf.Close()
	if s.eventsReader != nil {
		err := s.eventsReader.Close()
		if err != nil {
			_ = level.Error(s.logger).Log("err", err, "msg", "closing events map reader")
		}
		s.eventsReader = nil
	}
	if s.pidInfoRequests != nil {
		close(s.pidInfoRequests)
		s.pidInfoRequests = nil
	}
	if s.deadPIDEvents != nil {
		close(s.deadPIDEvents)
		s.deadPIDEvents = nil
	}
	if s.pidExecRequests != nil {
		close(s.pidExecRequests)
		s.pidExecRequests = nil
	}
	s.started = false
}

// registerPidConfig makes the kernel aware of a newly selected pid. The
// insert is no-op when an entry exists, so a request raced by the sampler's
// own placeholder insert stays consistent.
func (s *session) registerPidConfig(pid uint32, pi procInfoLite, collectUser bool, collectKernel bool) {
	s.pids.all.Store(pid, pi)
	config := &profbpf.PidConfig{
		Type:          uint8(pi.typ),
		CollectUser:   uint8FromBool(collectUser),
		CollectKernel: uint8FromBool(collectKernel),
	}
	if err := s.pidsMap.Register(pid, config); err != nil {
		_ = level.Error(s.logger).Log("msg", "registering pid config", "err", err)
	}
}

// updatePidConfig overwrites an existing entry, used after exec when the
// process may have become a different program.
func (s *session) updatePidConfig(pid uint32, pi procInfoLite, collectUser bool, collectKernel bool) {
	s.pids.all.Store(pid, pi)
	config := &profbpf.PidConfig{
		Type:          uint8(pi.typ),
		CollectUser:   uint8FromBool(collectUser),
		CollectKernel: uint8FromBool(collectKernel),
	}
	if err := s.pidsMap.Update(pid, config); err != nil {
		_ = level.Error(s.logger).Log("msg", "updating pid config", "err", err)
	}
}

func uint8FromBool(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func attachPerfEvents(sampleRate int, prog *ebpf.Program) ([]*perfEvent, error) {
	var perfEvents []*perfEvent
	var cpus []uint
	var err error
	if cpus, err = cpuonline.Get(); err != nil {
		return nil, fmt.Errorf("get cpuonline: %w", err)
	}
	for _, cpu := range cpus {
		pe, err := newPerfEvent(int(cpu), sampleRate)
		if err != nil {
			return perfEvents, fmt.Errorf("new perf event: %w", err)
		}
		perfEvents = append(perfEvents, pe)

		err = pe.attachPerfEvent(prog)
		if err != nil {
			return perfEvents, fmt.Errorf("attach perf event: %w", err)
		}
	}
	return perfEvents, nil
}

func (s *session) getStack(stackID int64) []byte {
	if stackID < 0 {
		return nil
	}
	return s.stacksMap.Lookup(uint32(stackID))
}

type StackResolveStats struct {
	known          uint32
	unknownSymbols uint32
	unknownModules uint32
}

func (s *StackResolveStats) add(other StackResolveStats) {
	s.known += other.known
	s.unknownSymbols += other.unknownSymbols
	s.unknownModules += other.unknownModules
}

// WalkStack goes over stack, resolves symbols and appends to sb.
// stack is an array of 127 uint64s, where each uint64 is an instruction
// pointer; the tail is zero-filled.
func (s *session) WalkStack(sb *stackBuilder, stack []byte, resolver symtab.SymbolTable, stats *StackResolveStats) {
	if len(stack) == 0 {
		return
	}
	begin := len(sb.stack)
	for i := 0; i < profbpf.StackDepth; i++ {
		instructionPointerBytes := stack[i*8 : i*8+8]
		instructionPointer := binary.LittleEndian.Uint64(instructionPointerBytes)
		if instructionPointer == 0 {
			break
		}
		sym := resolver.Resolve(instructionPointer)
		var name string
		if sym.Name != "" {
			name = sym.Name
			stats.known++
		} else {
			if sym.Module != "" {
				if s.options.UnknownSymbolModuleOffset {
					name = fmt.Sprintf("%s+%x", sym.Module, sym.Start)
				} else {
					name = sym.Module
				}
				stats.unknownSymbols++
			} else {
				if s.options.UnknownSymbolAddress {
					name = fmt.Sprintf("%x", instructionPointer)
				} else {
					name = "[unknown]"
				}
				stats.unknownModules++
			}
		}
		sb.append(name)
	}
	end := len(sb.stack)
	lo.Reverse(sb.stack[begin:end])
}

func (s *session) linkKProbes() error {
	type hook struct {
		kprobe   string
		prog     *ebpf.Program
		required bool
	}
	hooks := []hook{
		{kprobe: "disassociate_ctty", prog: s.bpf.DisassociateCtty, required: true},
		{kprobe: "sys_execve", prog: s.bpf.Exec, required: false},
		{kprobe: "sys_execveat", prog: s.bpf.Exec, required: false},
	}
	for _, it := range hooks {
		kp, err := link.Kprobe(it.kprobe, it.prog, nil)
		if err != nil {
			if it.required {
				return fmt.Errorf("link kprobe %s: %w", it.kprobe, err)
			}
			_ = level.Error(s.logger).Log("msg", "link kprobe", "kprobe", it.kprobe, "err", err)
			continue
		}
		s.kprobes = append(s.kprobes, kp)
	}
	return nil
}

func (s *session) cleanup() {
	s.symCache.Cleanup()

	for pid := range s.pids.dead {
		delete(s.pids.dead, pid)
		delete(s.pids.unknown, pid)
		s.pids.all.Delete(pid)
		s.symCache.RemoveDeadPID(symtab.PidKey(pid))
		s.targetFinder.RemoveDeadPID(pid)
		if s.pidsMap != nil {
			if err := s.pidsMap.Delete(pid); err != nil {
				_ = level.Error(s.logger).Log("msg", "delete dead pid config", "pid", pid, "err", err)
			}
		}
	}

	for pid := range s.pids.unknown {
		_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(s.logger).Log("msg", "cleanup stat pid", "pid", pid, "err", err)
			}
			delete(s.pids.unknown, pid)
			s.pids.all.Delete(pid)
		}
	}

	if s.roundNumber%10 == 0 {
		s.checkStalePids()
	}
}

// checkStalePids scans the kernel config map for processes that died without
// the disassociate_ctty hook firing.
func (s *session) checkStalePids() {
	if s.pidsMap == nil {
		return
	}
	err := s.pidsMap.Each(func(pid uint32, _ profbpf.PidConfig) {
		_, statErr := os.Stat(fmt.Sprintf("/proc/%d/status", pid))
		if statErr == nil {
			return
		}
		if !errors.Is(statErr, os.ErrNotExist) {
			_ = level.Error(s.logger).Log("msg", "check stale pids", "err", statErr)
		}
		if err := s.pidsMap.Delete(pid); err != nil {
			_ = level.Error(s.logger).Log("msg", "delete stale pid", "pid", pid, "err", err)
		}
		s.pids.all.Delete(pid)
	})
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "check stale pids", "err", err)
	}
}

func (s *session) logVerifierError(err error) {
	if s.options.VerifierLogSize <= 0 {
		return
	}
	var e *ebpf.VerifierError
	if errors.As(err, &e) {
		for _, l := range e.Log {
			level.Error(s.logger).Log("verifier", l)
		}
	}
}

func (s *session) progOptions() ebpf.ProgramOptions {
	if s.options.VerifierLogSize > 0 {
		return ebpf.ProgramOptions{
			LogDisabled: false,
			LogSize:     s.options.VerifierLogSize,
			LogLevel:    ebpf.LogLevelInstruction | ebpf.LogLevelBranch | ebpf.LogLevelStats,
		}
	}
	return ebpf.ProgramOptions{
		LogDisabled: true,
	}
}

func (s *session) targetSymbolOptions(target *sd.Target) *symtab.SymbolOptions {
	opt := new(symtab.SymbolOptions)
	*opt = s.options.SymbolOptions
	if v, present := target.Get(sd.OptionDemangle); present {
		opt.DemangleOptions = symtab.ConvertDemangleOptions(v)
	}
	return opt
}

func (s *session) collectKernelEnabled(target *sd.Target) bool {
	enabled := s.options.CollectKernel
	if v, present := target.GetFlag(sd.OptionCollectKernel); present {
		enabled = v
	}
	return enabled
}

func (s *session) selectProfilingType(pid uint32, _ *sd.Target) procInfoLite {
	exePath, err := s.inspector.ExePath(pid)
	if err != nil {
		_ = s.procErrLogger(err).Log("err", err, "msg", "select profiling type failed", "pid", pid)
		return procInfoLite{pid: pid, typ: profbpf.ProfilingTypeError}
	}
	comm, err := s.inspector.Comm(pid)
	if err != nil {
		_ = s.procErrLogger(err).Log("err", err, "msg", "select profiling type failed", "pid", pid)
		return procInfoLite{pid: pid, typ: profbpf.ProfilingTypeError}
	}
	exe := filepath.Base(exePath)

	pi := procInfoLite{pid: pid, comm: comm, exe: exe, typ: profbpf.ProfilingTypeFramepointers}
	if rt, _, ok := detectInterpreter(exe); ok {
		_ = level.Debug(s.logger).Log("msg", "interpreted runtime detected", "pid", pid, "runtime", rt)
		pi.typ = profbpf.ProfilingTypeInterpreted
	}
	// Interpreted pids dispatch through the tail-call table; while the
	// unwinder slot is unoccupied the sampler would capture nothing for them,
	// so register them for native unwinding instead.
	if _, needsUnwinder := profbpf.Dispatch[pi.typ]; needsUnwinder {
		pi.typ = profbpf.ProfilingTypeFramepointers
	}
	return pi
}

func (s *session) procErrLogger(err error) log.Logger {
	if errors.Is(err, os.ErrNotExist) {
		return level.Debug(s.logger)
	}
	return level.Error(s.logger)
}

func (s *session) printDebugInfo() {
	_ = level.Debug(s.logger).Log("arch", runtime.GOARCH)
	pv, _ := os.ReadFile("/proc/version")
	_ = level.Debug(s.logger).Log("/proc/version", pv)
}

type stackBuilder struct {
	stack []string
}

func (s *stackBuilder) reset() {
	s.stack = s.stack[:0]
}

func (s *stackBuilder) append(sym string) {
	s.stack = append(s.stack, sym)
}

func getPIDNamespace() (dev uint64, ino uint64, err error) {
	stat, err := os.Stat("/proc/self/ns/pid")
	if err != nil {
		return 0, 0, err
	}
	if st, ok := stat.Sys().(*syscall.Stat_t); ok {
		return st.Dev, st.Ino, nil
	}
	return 0, 0, fmt.Errorf("could not determine pid namespace")
}
