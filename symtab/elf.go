package symtab

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/procfs"

	elf2 "github.com/rlaisqls/ebpf-monitoring/symtab/elf"
)

var (
	errElfBaseNotFound = fmt.Errorf("elf base not found")
	errTableDead       = fmt.Errorf("non cached table dead")
)

type SymbolOptions struct {
	GoTableFallback bool
	DemangleOptions []demangle.Option
}

// ElfTable resolves addresses of one mapped executable region. Loading is
// deferred until the first Resolve so that short-lived processes never cost
// an ELF parse. Parsed tables are shared through ElfCache.
type ElfTable struct {
	fs          string
	elfFilePath string
	table       SymbolNameResolver
	base        uint64

	loaded       bool
	loadedCached bool
	err          error

	options ElfTableOptions
	logger  log.Logger
	procMap *procfs.ProcMap
}

type ElfTableOptions struct {
	ElfCache      *ElfCache
	Metrics       *Metrics // may be nil for tests
	SymbolOptions *SymbolOptions
}

func NewElfTable(logger log.Logger, procMap *procfs.ProcMap, fs string, elfFilePath string, options ElfTableOptions) *ElfTable {
	if options.SymbolOptions == nil {
		options.SymbolOptions = &SymbolOptions{}
	}
	return &ElfTable{
		procMap:     procMap,
		fs:          fs,
		elfFilePath: elfFilePath,
		logger:      logger,
		options:     options,
		table:       &noopSymbolNameResolver{},
	}
}

// findBase computes the load bias of the mapping: zero for ET_EXEC, otherwise
// the difference between the mapped start and the vaddr of the executable
// PT_LOAD segment whose file offset backs this mapping.
func (et *ElfTable) findBase(e *elf2.MMapedElfFile) bool {
	m := et.procMap
	if e.FileHeader.Type == elf.ET_EXEC {
		et.base = 0
		return true
	}
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD && (prog.Flags&elf.PF_X != 0) {
			if uint64(m.Offset) == prog.Off {
				et.base = uint64(m.StartAddr) - prog.Vaddr
				return true
			}
		}
	}
	return false
}

func (et *ElfTable) load() {
	if et.loaded {
		return
	}
	et.loaded = true
	fsElfFilePath := path.Join(et.fs, et.elfFilePath)

	me, err := elf2.NewMMapedElfFile(fsElfFilePath)
	if err != nil {
		et.err = err
		et.onLoadError()
		return
	}
	defer me.Close() // reopened lazily if this file ends up selected

	if !et.findBase(me) {
		et.err = errElfBaseNotFound
		return
	}
	buildID, err := me.BuildID()
	if err != nil && !errors.Is(err, elf2.ErrNoBuildIDSection) {
		et.err = err
		et.onLoadError()
		return
	}

	symbols := et.options.ElfCache.GetSymbolsByBuildID(buildID)
	if symbols != nil {
		et.table = symbols
		et.loadedCached = true
		return
	}
	fileInfo, err := os.Stat(fsElfFilePath)
	if err != nil {
		et.err = err
		et.onLoadError()
		return
	}
	symbols = et.options.ElfCache.GetSymbolsByStat(statFromFileInfo(fileInfo))
	if symbols != nil {
		et.table = symbols
		et.loadedCached = true
		return
	}

	debugFilePath := et.findDebugFile(buildID, me)
	if debugFilePath != "" {
		debugMe, err := elf2.NewMMapedElfFile(path.Join(et.fs, debugFilePath))
		if err != nil {
			et.err = err
			et.onLoadError()
			return
		}
		defer debugMe.Close()

		symbols, err = et.createSymbolTable(debugMe)
		if err != nil {
			et.err = err
			et.onLoadError()
			return
		}
		et.table = symbols
		et.options.ElfCache.CacheByBuildID(buildID, symbols)
		return
	}

	symbols, err = et.createSymbolTable(me)
	level.Debug(et.logger).Log("msg", "create symbol table", "f", me.FilePath())
	if err != nil {
		et.err = err
		et.onLoadError()
		return
	}

	et.table = symbols
	if buildID.Empty() {
		et.options.ElfCache.CacheByStat(statFromFileInfo(fileInfo), symbols)
	} else {
		et.options.ElfCache.CacheByBuildID(buildID, symbols)
	}
}

// createSymbolTable prefers the Go runtime's pclntab when the binary carries
// one: stripped Go binaries keep it, and .dynsym alone would misattribute Go
// frames to the few exported cgo entry points. The ELF symbol table is still
// consulted for the assembly and cgo code the pclntab does not cover.
func (et *ElfTable) createSymbolTable(me *elf2.MMapedElfFile) (SymbolNameResolver, error) {
	opt := &elf2.SymbolsOptions{DemangleOptions: et.options.SymbolOptions.DemangleOptions}
	goTable, goErr := me.NewGoTable()
	if goErr == nil && !et.options.SymbolOptions.GoTableFallback {
		return goTable, nil
	}
	symTable, symErr := et.createElfSymbolTable(me, opt)
	if symErr == nil && goErr == nil {
		return &elf2.GoTableWithFallback{GoTable: goTable, SymTable: symTable}, nil
	}
	if goErr == nil {
		return goTable, nil
	}
	if symErr == nil {
		return symTable, nil
	}
	return nil, fmt.Errorf("gotable: %s symtab: %s", goErr.Error(), symErr.Error())
}

func (et *ElfTable) createElfSymbolTable(me *elf2.MMapedElfFile, opt *elf2.SymbolsOptions) (*elf2.SymbolTable, error) {
	symTable, symErr := me.NewSymbolTable(opt)
	if symErr == nil {
		return symTable, nil
	}
	miniTable, miniErr := me.NewMiniDebugInfoSymbolTable(opt)
	if miniErr == nil {
		return miniTable, nil
	}
	return nil, fmt.Errorf("symtab: %s minidebug: %s", symErr.Error(), miniErr.Error())
}

func (et *ElfTable) Resolve(pc uint64) string {
	if !et.loaded {
		et.load()
	}
	if et.err != nil {
		return ""
	}
	pc -= et.base
	res := et.table.Resolve(pc)
	if res != "" {
		return res
	}
	if !et.table.IsDead() {
		return ""
	}
	if !et.loadedCached {
		et.err = errTableDead
		return ""
	}
	// a cached table backed by a vanished file: rebuild from scratch once
	et.table = &noopSymbolNameResolver{}
	et.loaded = false
	et.loadedCached = false
	et.load()
	if et.err != nil {
		return res
	}
	return et.table.Resolve(pc)
}

func (et *ElfTable) Cleanup() {
	if et.table != nil {
		et.table.Cleanup()
	}
}

func (et *ElfTable) findDebugFileWithBuildID(buildID elf2.BuildID) string {
	id := buildID.ID
	if len(id) < 3 || !buildID.GNU() {
		return ""
	}

	debugFile := fmt.Sprintf("/usr/lib/debug/.build-id/%s/%s.debug", id[:2], id[2:])
	fsDebugFile := path.Join(et.fs, debugFile)
	if _, err := os.Stat(fsDebugFile); err == nil {
		return debugFile
	}

	return ""
}

// findDebugFile follows the gdb separate-debug-file conventions:
// https://sourceware.org/gdb/onlinedocs/gdb/Separate-Debug-Files.html
func (et *ElfTable) findDebugFile(buildID elf2.BuildID, elfFile *elf2.MMapedElfFile) string {
	debugFile := et.findDebugFileWithBuildID(buildID)
	if debugFile != "" {
		return debugFile
	}
	return et.findDebugFileWithDebugLink(elfFile)
}

func (et *ElfTable) findDebugFileWithDebugLink(elfFile *elf2.MMapedElfFile) string {
	fs := et.fs
	elfFilePath := et.elfFilePath
	debugLinkSection := elfFile.Section(".gnu_debuglink")
	if debugLinkSection == nil {
		return ""
	}
	data, err := elfFile.SectionData(debugLinkSection)
	if err != nil {
		return ""
	}
	if len(data) < 6 {
		return ""
	}
	crc := data[len(data)-4:]
	_ = crc
	debugLink := cString(data)

	// /usr/bin/ls.debug
	fsDebugFile := path.Join(path.Dir(elfFilePath), debugLink)
	if _, err = os.Stat(path.Join(fs, fsDebugFile)); err == nil {
		return fsDebugFile
	}
	// /usr/bin/.debug/ls.debug
	fsDebugFile = path.Join(path.Dir(elfFilePath), ".debug", debugLink)
	if _, err = os.Stat(path.Join(fs, fsDebugFile)); err == nil {
		return fsDebugFile
	}
	// /usr/lib/debug/usr/bin/ls.debug
	fsDebugFile = path.Join("/usr/lib/debug", path.Dir(elfFilePath), debugLink)
	if _, err = os.Stat(path.Join(fs, fsDebugFile)); err == nil {
		return fsDebugFile
	}

	return ""
}

func cString(bs []byte) string {
	i := 0
	for ; i < len(bs); i++ {
		if bs[i] == 0 {
			break
		}
	}
	return string(bs[:i])
}

func (et *ElfTable) DebugInfo() elf2.SymTabDebugInfo {
	return et.table.DebugInfo()
}

func (et *ElfTable) onLoadError() {
	level.Error(et.logger).Log("msg", "failed to load elf table", "err", et.err,
		"f", et.elfFilePath,
		"fs", et.fs)
	if et.options.Metrics != nil {
		et.options.Metrics.ElfErrors.WithLabelValues(errorType(et.err)).Inc()
	}
}

func errorType(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "ErrNotExist"
	}
	if errors.Is(err, os.ErrPermission) {
		return "ErrPermission"
	}
	if errors.Is(err, os.ErrClosed) {
		return "ErrClosed"
	}
	if errors.Is(err, os.ErrInvalid) {
		return "ErrInvalid"
	}
	return "Other"
}
