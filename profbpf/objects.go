//go:build linux

package profbpf

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Objects holds the loaded maps and programs of the sampling object file.
// The compiled program itself is an external artifact; it is loaded through
// this stable map/attach surface and never rebuilt here.
type Objects struct {
	Programs
	Maps
}

type Programs struct {
	DoPerfEvent      *ebpf.Program `ebpf:"do_perf_event"`
	DisassociateCtty *ebpf.Program `ebpf:"disassociate_ctty"`
	Exec             *ebpf.Program `ebpf:"exec"`
}

type Maps struct {
	Pids   *ebpf.Map `ebpf:"pids"`
	Counts *ebpf.Map `ebpf:"counts"`
	Stacks *ebpf.Map `ebpf:"stacks"`
	Events *ebpf.Map `ebpf:"events"`
	Progs  *ebpf.Map `ebpf:"progs"`
}

func LoadSpec(path string) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec %s: %w", path, err)
	}
	return spec, nil
}

func (o *Objects) Close() error {
	for _, c := range []interface{ Close() error }{
		o.DoPerfEvent, o.DisassociateCtty, o.Exec,
		o.Pids, o.Counts, o.Stacks, o.Events, o.Progs,
	} {
		if c != nil {
			_ = c.Close()
		}
	}
	return nil
}
