// Package fakemaps provides in-memory stand-ins for the kernel-side maps so
// the session can be exercised without loading a BPF program.
package fakemaps

import (
	"encoding/binary"

	"github.com/rlaisqls/ebpf-monitoring/profbpf"
)

type ConfigMap struct {
	Entries    map[uint32]profbpf.PidConfig
	Registered int
	Updated    int
}

func NewConfigMap() *ConfigMap {
	return &ConfigMap{Entries: make(map[uint32]profbpf.PidConfig)}
}

func (m *ConfigMap) Register(pid uint32, config *profbpf.PidConfig) error {
	m.Registered++
	if _, ok := m.Entries[pid]; ok {
		return nil
	}
	m.Entries[pid] = *config
	return nil
}

func (m *ConfigMap) Update(pid uint32, config *profbpf.PidConfig) error {
	m.Updated++
	m.Entries[pid] = *config
	return nil
}

func (m *ConfigMap) Delete(pid uint32) error {
	delete(m.Entries, pid)
	return nil
}

func (m *ConfigMap) Each(f func(pid uint32, config profbpf.PidConfig)) error {
	for pid, config := range m.Entries {
		f(pid, config)
	}
	return nil
}

func (m *ConfigMap) MaxEntries() uint32 {
	return 2048
}

type CountsMap struct {
	Keys   []profbpf.SampleKey
	Values []uint32
}

func (m *CountsMap) Put(k profbpf.SampleKey, v uint32) {
	m.Keys = append(m.Keys, k)
	m.Values = append(m.Values, v)
}

func (m *CountsMap) Drain() ([]profbpf.SampleKey, []uint32, error) {
	keys, values := m.Keys, m.Values
	m.Keys, m.Values = nil, nil
	return keys, values, nil
}

type StacksMap struct {
	Stacks map[uint32][]uint64
}

func NewStacksMap() *StacksMap {
	return &StacksMap{Stacks: make(map[uint32][]uint64)}
}

func (m *StacksMap) Put(stackID uint32, pcs ...uint64) {
	m.Stacks[stackID] = pcs
}

// Lookup renders the stack the way the kernel stores it: a fixed array of
// StackDepth little-endian u64 slots, zero-filled past the last frame.
func (m *StacksMap) Lookup(stackID uint32) []byte {
	pcs, ok := m.Stacks[stackID]
	if !ok {
		return nil
	}
	res := make([]byte, profbpf.StackDepth*8)
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(res[i*8:], pc)
	}
	return res
}

func (m *StacksMap) Delete(stackID uint32) error {
	delete(m.Stacks, stackID)
	return nil
}
