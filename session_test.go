//go:build linux

package ebpfspy

import (
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rlaisqls/ebpf-monitoring/metrics"
	"github.com/rlaisqls/ebpf-monitoring/pprof"
	"github.com/rlaisqls/ebpf-monitoring/profbpf"
	"github.com/rlaisqls/ebpf-monitoring/sd"
	"github.com/rlaisqls/ebpf-monitoring/symtab"
	"github.com/rlaisqls/ebpf-monitoring/testkit/fakemaps"
)

type fakeInspector struct {
	exe   string
	comm  string
	calls int
}

func (f *fakeInspector) ExePath(uint32) (string, error) {
	f.calls++
	return f.exe, nil
}

func (f *fakeInspector) Comm(uint32) (string, error) {
	return f.comm, nil
}

func newTestSession(t *testing.T, inspector ExeInspector) (*session, *fakemaps.ConfigMap, *fakemaps.CountsMap, *fakemaps.StacksMap) {
	logger := log.NewNopLogger()
	targetFinder, err := sd.NewTargetFinder(os.DirFS("/"), logger, sd.TargetsOptions{
		TargetsOnly:        false,
		DefaultTarget:      sd.DiscoveryTarget{"service_name": "test"},
		ContainerCacheSize: 16,
	})
	require.NoError(t, err)

	si, err := NewSession(logger, targetFinder, SessionOptions{
		CollectUser:          true,
		UnknownSymbolAddress: true,
		SampleRate:           100,
		Metrics:              metrics.New(nil),
		CacheOptions: symtab.CacheOptions{
			PidCacheOptions:      symtab.GCacheOptions{Size: 32, KeepRounds: 2},
			BuildIDCacheOptions:  symtab.GCacheOptions{Size: 32, KeepRounds: 2},
			SameFileCacheOptions: symtab.GCacheOptions{Size: 32, KeepRounds: 2},
		},
		Inspector: inspector,
	})
	require.NoError(t, err)
	s := si.(*session)

	configMap := fakemaps.NewConfigMap()
	countsMap := &fakemaps.CountsMap{}
	stacksMap := fakemaps.NewStacksMap()
	s.pidsMap = configMap
	s.countsMap = countsMap
	s.stacksMap = stacksMap
	s.started = true
	return s, configMap, countsMap, stacksMap
}

func TestPidRegistrationIdempotent(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/test-proc", comm: "test-proc"}
	s, configMap, _, _ := newTestSession(t, inspector)
	pid := uint32(239)
	target := s.targetFinder.FindTarget(pid)
	require.NotNil(t, target)

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, target)
	s.handlePidInfoRequest(pid, target)
	s.handlePidInfoRequest(pid, target)
	s.mutex.Unlock()

	// classified once, later requests hit the known-pid short circuit
	require.Equal(t, 1, inspector.calls)
	require.Equal(t, 1, configMap.Registered)
	require.Equal(t, profbpf.PidConfig{
		Type:        uint8(profbpf.ProfilingTypeFramepointers),
		CollectUser: 1,
	}, configMap.Entries[pid])
}

func TestInterpretedRuntimeProfiledNatively(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/python3.11", comm: "python3.11"}
	s, configMap, _, _ := newTestSession(t, inspector)
	pid := uint32(240)

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, s.targetFinder.FindTarget(pid))
	s.mutex.Unlock()

	// no unwinder occupies the interpreter tail-call slot
	require.Equal(t, uint8(profbpf.ProfilingTypeFramepointers), configMap.Entries[pid].Type)
}

func TestExecResetsLifecycle(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/old-proc", comm: "old-proc"}
	s, configMap, _, _ := newTestSession(t, inspector)
	pid := uint32(241)
	target := s.targetFinder.FindTarget(pid)

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, target)
	s.mutex.Unlock()

	inspector.exe = "/usr/bin/new-proc"
	inspector.comm = "new-proc"
	s.mutex.Lock()
	s.handlePidExecRequest(pid, target)
	s.mutex.Unlock()

	require.Equal(t, 2, inspector.calls)
	require.Equal(t, 1, configMap.Updated)
	pi, ok := s.pids.all.Load(pid)
	require.True(t, ok)
	require.Equal(t, "new-proc", pi.comm)
}

func TestDeadPidRemoval(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/test-proc", comm: "test-proc"}
	s, configMap, _, _ := newTestSession(t, inspector)
	pid := uint32(242)

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, s.targetFinder.FindTarget(pid))
	require.Contains(t, configMap.Entries, pid)

	s.handleDeadPid(pid)
	s.roundNumber = 1
	s.cleanup()
	s.mutex.Unlock()

	require.NotContains(t, configMap.Entries, pid)
	_, known := s.pids.all.Load(pid)
	require.False(t, known)
	require.Empty(t, s.pids.dead)
}

func TestCollectProfilesCycle(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/test-proc", comm: "test-proc"}
	s, _, countsMap, stacksMap := newTestSession(t, inspector)
	pid := uint32(os.Getpid())

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, s.targetFinder.FindTarget(pid))
	s.mutex.Unlock()

	stacksMap.Put(42, 0x1000, 0x2000)
	countsMap.Put(profbpf.SampleKey{Pid: pid, KernStack: -1, UserStack: 42}, 3)

	var samples []pprof.ProfileSample
	err := s.CollectProfiles(func(sample pprof.ProfileSample) {
		stack := make([]string, len(sample.Stack))
		copy(stack, sample.Stack)
		sample.Stack = stack
		samples = append(samples, sample)
	})
	require.NoError(t, err)

	require.Len(t, samples, 1)
	require.Equal(t, pid, samples[0].Pid)
	require.Equal(t, uint64(3), samples[0].Value)
	require.Equal(t, pprof.SampleAggregated, samples[0].Aggregation)
	// leaf first, process comm as the outermost frame
	require.Equal(t, []string{"1000", "2000", "test-proc"}, samples[0].Stack)

	// the drained stack is deleted from the kernel map
	require.NotContains(t, stacksMap.Stacks, uint32(42))

	// a second round starts from a clean slate
	samples = samples[:0]
	err = s.CollectProfiles(func(sample pprof.ProfileSample) {
		samples = append(samples, sample)
	})
	require.NoError(t, err)
	require.Empty(t, samples)
}

func TestCollectSkipsDeadPid(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/test-proc", comm: "test-proc"}
	s, _, countsMap, stacksMap := newTestSession(t, inspector)
	pid := uint32(os.Getpid())

	s.mutex.Lock()
	s.handlePidInfoRequest(pid, s.targetFinder.FindTarget(pid))
	s.handleDeadPid(pid)
	s.mutex.Unlock()

	stacksMap.Put(7, 0x1000)
	countsMap.Put(profbpf.SampleKey{Pid: pid, KernStack: -1, UserStack: 7}, 1)

	var samples []pprof.ProfileSample
	err := s.CollectProfiles(func(sample pprof.ProfileSample) {
		samples = append(samples, sample)
	})
	require.NoError(t, err)
	require.Empty(t, samples)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.DroppedSamples))
	// the stack referenced by the dead pid is still reclaimed
	require.NotContains(t, stacksMap.Stacks, uint32(7))
}

func TestUpdateKeepsEventReaderMetrics(t *testing.T) {
	inspector := &fakeInspector{exe: "/usr/bin/test-proc", comm: "test-proc"}
	s, _, _, _ := newTestSession(t, inspector)

	orig := s.metrics
	opts := s.options
	opts.Metrics = metrics.New(nil)
	require.NoError(t, s.Update(opts))

	// the perf-reader goroutine keeps counting into the counters it was
	// started with
	require.Same(t, orig, s.metrics)
}
