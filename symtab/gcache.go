package symtab

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Resource interface {
	Refresh()
	Cleanup()
}

type GCacheOptions struct {
	Size       int
	KeepRounds int
}

// GCache is a two-tier cache for expensive-to-build resources. The LRU tier
// bounds memory; the round tier keeps everything touched during the last
// KeepRounds profiling rounds alive regardless of LRU pressure, so a hot
// process does not get rebuilt mid-round. Entries carry the round they were
// last used in; Cleanup releases resources and expires stale round entries.
type GCache[K comparable, V Resource] struct {
	options    GCacheOptions
	roundCache map[K]*entry[V]
	lruCache   *lru.Cache[K, *entry[V]]
	round      int
}

type entry[V Resource] struct {
	v     V
	round int
}

func NewGCache[K comparable, V Resource](options GCacheOptions) (*GCache[K, V], error) {
	l, err := lru.New[K, *entry[V]](options.Size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache %w", err)
	}
	return &GCache[K, V]{
		options:    options,
		roundCache: make(map[K]*entry[V]),
		lruCache:   l,
	}, nil
}

func (g *GCache[K, V]) NextRound() {
	g.round++
}

func (g *GCache[K, V]) Get(k K) V {
	var zero V
	e, ok := g.lruCache.Get(k)
	if !ok {
		e, ok = g.roundCache[k]
	}
	if !ok {
		return zero
	}
	if e.round != g.round {
		e.round = g.round
		e.v.Refresh()
	}
	return e.v
}

// Cache inserts a freshly built resource, refreshing it so it is usable for
// the remainder of the current round.
func (g *GCache[K, V]) Cache(k K, v V) {
	e := &entry[V]{v: v, round: g.round}
	e.v.Refresh()
	g.lruCache.Add(k, e)
	g.roundCache[k] = e
}

func (g *GCache[K, V]) Update(options GCacheOptions) {
	g.lruCache.Resize(options.Size)
	g.options = options
}

func (g *GCache[K, V]) Remove(k K) {
	g.lruCache.Remove(k)
	delete(g.roundCache, k)
}

// Cleanup releases backing resources of every entry and drops round entries
// not used for KeepRounds rounds. LRU entries stay; their resources reopen
// lazily on next use.
func (g *GCache[K, V]) Cleanup() {
	for _, k := range g.lruCache.Keys() {
		if e, ok := g.lruCache.Peek(k); ok {
			e.v.Cleanup()
		}
	}
	nextRoundCache := make(map[K]*entry[V], len(g.roundCache))
	for k, e := range g.roundCache {
		e.v.Cleanup()
		if e.round >= g.round-g.options.KeepRounds {
			nextRoundCache[k] = e
		}
	}
	g.roundCache = nextRoundCache
}

func (g *GCache[K, V]) LRUSize() int {
	return g.lruCache.Len()
}

func (g *GCache[K, V]) RoundSize() int {
	return len(g.roundCache)
}

func (g *GCache[K, V]) Each(f func(k K, v V, round int)) {
	g.EachLRU(f)
	g.EachRound(f)
}

func (g *GCache[K, V]) EachLRU(f func(k K, v V, round int)) {
	for _, k := range g.lruCache.Keys() {
		if e, ok := g.lruCache.Peek(k); ok {
			f(k, e.v, e.round)
		}
	}
}

func (g *GCache[K, V]) EachRound(f func(k K, v V, round int)) {
	for k, e := range g.roundCache {
		f(k, e.v, e.round)
	}
}

type GCacheDebugInfo[T any] struct {
	LRUSize      int `river:"lru_size,attr,optional"`
	RoundSize    int `river:"round_size,attr,optional"`
	CurrentRound int `river:"current_round,attr,optional"`
	LRUDump      []T `river:"lru_dump,block,optional"`
	RoundDump    []T `river:"round_dump,block,optional"`
}

func DebugInfo[K comparable, V Resource, D any](g *GCache[K, V], ff func(K, V, int) D) GCacheDebugInfo[D] {
	res := GCacheDebugInfo[D]{
		LRUSize:      g.LRUSize(),
		RoundSize:    g.RoundSize(),
		CurrentRound: g.round,
		LRUDump:      make([]D, 0, g.LRUSize()),
		RoundDump:    make([]D, 0, g.RoundSize()),
	}
	g.EachLRU(func(k K, v V, round int) {
		res.LRUDump = append(res.LRUDump, ff(k, v, round))
	})
	g.EachRound(func(k K, v V, round int) {
		res.RoundDump = append(res.RoundDump, ff(k, v, round))
	})
	return res
}
