//go:build linux

package ebpfspy

import (
	"errors"

	"github.com/cilium/ebpf"

	"github.com/rlaisqls/ebpf-monitoring/profbpf"
)

// kernel-backed implementations of the map accessors

type kernelConfigMap struct {
	m *ebpf.Map
}

func (c *kernelConfigMap) Register(pid uint32, config *profbpf.PidConfig) error {
	err := c.m.Update(&pid, config, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		// someone (us or the sampler) got there first, keep their entry
		return nil
	}
	return err
}

func (c *kernelConfigMap) Update(pid uint32, config *profbpf.PidConfig) error {
	return c.m.Update(&pid, config, ebpf.UpdateAny)
}

func (c *kernelConfigMap) Delete(pid uint32) error {
	err := c.m.Delete(&pid)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (c *kernelConfigMap) Each(f func(pid uint32, config profbpf.PidConfig)) error {
	var (
		k  uint32
		v  profbpf.PidConfig
		it = c.m.Iterate()
	)
	for it.Next(&k, &v) {
		f(k, v)
	}
	return it.Err()
}

func (c *kernelConfigMap) MaxEntries() uint32 {
	return c.m.MaxEntries()
}

type kernelCountsMap struct {
	m *ebpf.Map
}

// Drain reads and deletes the whole counts map in one batch syscall. Kernels
// before 5.6 lack BPF_MAP_LOOKUP_AND_DELETE_BATCH; those fall back to
// iterate-then-delete, which may lose increments racing with the deletes.
func (c *kernelCountsMap) Drain() ([]profbpf.SampleKey, []uint32, error) {
	mapSize := c.m.MaxEntries()
	keys := make([]profbpf.SampleKey, mapSize)
	values := make([]uint32, mapSize)

	cursor := new(ebpf.MapBatchCursor)
	n, err := c.m.BatchLookupAndDelete(cursor, keys, values, new(ebpf.BatchOptions))
	if n > 0 {
		return keys[:n], values[:n], nil
	}
	if err == nil || errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil, nil, nil
	}
	if errors.Is(err, ebpf.ErrNotSupported) {
		return c.drainIterate()
	}
	return nil, nil, err
}

func (c *kernelCountsMap) drainIterate() ([]profbpf.SampleKey, []uint32, error) {
	var (
		keys   []profbpf.SampleKey
		values []uint32
		k      profbpf.SampleKey
		v      uint32
	)
	it := c.m.Iterate()
	for it.Next(&k, &v) {
		keys = append(keys, k)
		values = append(values, v)
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	for i := range keys {
		if err := c.m.Delete(&keys[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return keys, values, err
		}
	}
	return keys, values, nil
}

type kernelStacksMap struct {
	m *ebpf.Map
}

func (c *kernelStacksMap) Lookup(stackID uint32) []byte {
	res, err := c.m.LookupBytes(stackID)
	if err != nil {
		return nil
	}
	return res
}

func (c *kernelStacksMap) Delete(stackID uint32) error {
	err := c.m.Delete(stackID)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}
