package symtab

import (
	"fmt"

	"github.com/rlaisqls/ebpf-monitoring/symtab/elf"
)

// ElfCache shares symbol tables between processes mapping the same binary.
// Lookup is by build id when the binary has one, otherwise by dev:inode.
// Dead entries (backing file gone) are evicted on access.
type ElfCache struct {
	buildIDCache  *GCache[elf.BuildID, SymbolNameResolver]
	sameFileCache *GCache[Stat, SymbolNameResolver]
}

func NewElfCache(buildIDCacheOptions GCacheOptions, sameFileCacheOptions GCacheOptions) (*ElfCache, error) {
	buildIDCache, err := NewGCache[elf.BuildID, SymbolNameResolver](buildIDCacheOptions)
	if err != nil {
		return nil, fmt.Errorf("create build id cache %w", err)
	}
	sameFileCache, err := NewGCache[Stat, SymbolNameResolver](sameFileCacheOptions)
	if err != nil {
		return nil, fmt.Errorf("create same file cache %w", err)
	}
	return &ElfCache{buildIDCache: buildIDCache, sameFileCache: sameFileCache}, nil
}

func (e *ElfCache) GetSymbolsByBuildID(buildID elf.BuildID) SymbolNameResolver {
	if buildID.Empty() {
		return nil
	}
	res := e.buildIDCache.Get(buildID)
	if res == nil {
		return nil
	}
	if res.IsDead() {
		e.buildIDCache.Remove(buildID)
		return nil
	}
	return res
}

func (e *ElfCache) CacheByBuildID(buildID elf.BuildID, v SymbolNameResolver) {
	if buildID.Empty() || v == nil {
		return
	}
	e.buildIDCache.Cache(buildID, v)
}

func (e *ElfCache) GetSymbolsByStat(s Stat) SymbolNameResolver {
	if s == (Stat{}) {
		return nil
	}
	res := e.sameFileCache.Get(s)
	if res == nil {
		return nil
	}
	if res.IsDead() {
		e.sameFileCache.Remove(s)
		return nil
	}
	return res
}

func (e *ElfCache) CacheByStat(s Stat, v SymbolNameResolver) {
	if s == (Stat{}) || v == nil {
		return
	}
	e.sameFileCache.Cache(s, v)
}

func (e *ElfCache) Update(buildIDCacheOptions GCacheOptions, sameFileCacheOptions GCacheOptions) {
	e.buildIDCache.Update(buildIDCacheOptions)
	e.sameFileCache.Update(sameFileCacheOptions)
}

func (e *ElfCache) NextRound() {
	e.buildIDCache.NextRound()
	e.sameFileCache.NextRound()
}

func (e *ElfCache) Cleanup() {
	e.buildIDCache.Cleanup()
	e.sameFileCache.Cleanup()
}

type ElfCacheDebugInfo struct {
	BuildIDCache  GCacheDebugInfo[elf.SymTabDebugInfo] `river:"build_id_cache,attr,optional"`
	SameFileCache GCacheDebugInfo[elf.SymTabDebugInfo] `river:"same_file_cache,attr,optional"`
}

func (e *ElfCache) DebugInfo() ElfCacheDebugInfo {
	return ElfCacheDebugInfo{
		BuildIDCache: DebugInfo[elf.BuildID, SymbolNameResolver, elf.SymTabDebugInfo](
			e.buildIDCache,
			func(b elf.BuildID, v SymbolNameResolver, round int) elf.SymTabDebugInfo {
				res := v.DebugInfo()
				res.LastUsedRound = round
				return res
			}),
		SameFileCache: DebugInfo[Stat, SymbolNameResolver, elf.SymTabDebugInfo](
			e.sameFileCache,
			func(s Stat, v SymbolNameResolver, round int) elf.SymTabDebugInfo {
				res := v.DebugInfo()
				res.LastUsedRound = round
				return res
			}),
	}
}
