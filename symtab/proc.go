package symtab

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	elf2 "github.com/rlaisqls/ebpf-monitoring/symtab/elf"
)

// ProcTable resolves user-space addresses of one process. It mirrors
// /proc/pid/maps: every executable file-backed mapping gets an ElfTable,
// shared between mappings of the same file. Refresh re-reads the maps once
// per round; Cleanup drops file descriptors between rounds.
type ProcTable struct {
	logger      log.Logger
	ranges      []elfRange
	file2Table  map[file]*ElfTable
	options     ProcTableOptions
	rootFS      string
	err         error
	errListener func(err error)
}

type ProcTableOptions struct {
	Pid int
	ElfTableOptions
}

type file struct {
	dev   uint64
	inode uint64
	path  string
}

type elfRange struct {
	mapRange *procfs.ProcMap
	elfTable *ElfTable
}

func NewProcTable(logger log.Logger, options ProcTableOptions) *ProcTable {
	return &ProcTable{
		logger:     logger,
		file2Table: make(map[file]*ElfTable),
		options:    options,
		rootFS:     fmt.Sprintf("/proc/%d/root", options.Pid),
	}
}

func (p *ProcTable) SetErrListener(f func(err error)) {
	p.errListener = f
}

func (p *ProcTable) Pid() int {
	return p.options.Pid
}

// Error reports why the table is unusable, typically a vanished process.
func (p *ProcTable) Error() error {
	return p.err
}

func (p *ProcTable) Refresh() {
	if p.err != nil {
		return
	}
	proc, err := procfs.NewProc(p.options.Pid)
	if err == nil {
		var maps []*procfs.ProcMap
		maps, err = proc.ProcMaps()
		if err == nil {
			p.refreshProcMap(maps)
			return
		}
	}
	p.err = err
	if p.options.Metrics != nil {
		p.options.Metrics.ProcErrors.WithLabelValues(errorType(err)).Inc()
	}
	if p.errListener != nil {
		p.errListener(err)
	}
	level.Debug(p.logger).Log("msg", "failed to refresh proc maps", "pid", p.options.Pid, "err", err)
}

func (p *ProcTable) refreshProcMap(maps []*procfs.ProcMap) {
	p.ranges = p.ranges[:0]
	filesToKeep := make(map[file]struct{})
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		p.ranges = append(p.ranges, elfRange{mapRange: m})
		r := &p.ranges[len(p.ranges)-1]
		e := p.getElfTable(r)
		if e != nil {
			r.elfTable = e
			filesToKeep[r.file()] = struct{}{}
		}
	}
	var filesToDrop []file
	for f := range p.file2Table {
		if _, keep := filesToKeep[f]; !keep {
			filesToDrop = append(filesToDrop, f)
		}
	}
	for _, f := range filesToDrop {
		p.file2Table[f].Cleanup()
		delete(p.file2Table, f)
	}
}

func (r *elfRange) file() file {
	m := r.mapRange
	return file{
		dev:   m.Dev,
		inode: m.Inode,
		path:  m.Pathname,
	}
}

func (p *ProcTable) getElfTable(r *elfRange) *ElfTable {
	f := r.file()
	e, ok := p.file2Table[f]
	if !ok {
		e = p.createElfTable(r.mapRange)
		if e != nil {
			p.file2Table[f] = e
		}
	}
	return e
}

func (p *ProcTable) createElfTable(m *procfs.ProcMap) *ElfTable {
	if len(m.Pathname) == 0 || m.Pathname[0] != '/' {
		return nil
	}
	return NewElfTable(p.logger, m, p.rootFS, m.Pathname, p.options.ElfTableOptions)
}

func (p *ProcTable) Resolve(pc uint64) Symbol {
	if pc == 0xcccccccccccccccc || pc == 0x9090909090909090 {
		return Symbol{Name: "end_of_stack", Module: "[unknown]"}
	}
	i := sort.Search(len(p.ranges), func(i int) bool {
		return pc < uint64(p.ranges[i].mapRange.EndAddr)
	})
	if i >= len(p.ranges) {
		return Symbol{}
	}
	r := p.ranges[i]
	if pc < uint64(r.mapRange.StartAddr) || r.elfTable == nil {
		return Symbol{}
	}
	t := r.elfTable
	s := t.Resolve(pc)
	moduleOffset := pc - t.base
	if s == "" {
		return Symbol{Start: moduleOffset, Module: r.mapRange.Pathname}
	}
	return Symbol{Start: moduleOffset, Name: s, Module: r.mapRange.Pathname}
}

func (p *ProcTable) Cleanup() {
	for _, table := range p.file2Table {
		table.Cleanup()
	}
}

type ProcTableDebugInfo struct {
	ElfTables     map[string]elf2.SymTabDebugInfo `river:"elfs,block,optional"`
	Size          int                             `river:"size,attr,optional"`
	Pid           int                             `river:"pid,attr,optional"`
	LastUsedRound int                             `river:"last_used_round,attr,optional"`
}

func (p *ProcTable) DebugInfo() ProcTableDebugInfo {
	res := ProcTableDebugInfo{
		Pid:       p.options.Pid,
		Size:      len(p.file2Table),
		ElfTables: make(map[string]elf2.SymTabDebugInfo),
	}
	for f, e := range p.file2Table {
		d := e.DebugInfo()
		if d.Size != 0 {
			res.ElfTables[fmt.Sprintf("%x %d %s", f.dev, f.inode, f.path)] = d
		}
	}
	return res
}
