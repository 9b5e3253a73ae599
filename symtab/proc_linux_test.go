//go:build linux

package symtab

import (
	"os"
	"reflect"
	"runtime"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

// TestProcTableSelfResolution symbolizes the running test binary through
// /proc/self/maps and its pclntab.
func TestProcTableSelfResolution(t *testing.T) {
	sc, err := NewSymbolCache(log.NewNopLogger(), CacheOptions{
		PidCacheOptions:      GCacheOptions{Size: 32, KeepRounds: 2},
		BuildIDCacheOptions:  GCacheOptions{Size: 32, KeepRounds: 2},
		SameFileCacheOptions: GCacheOptions{Size: 32, KeepRounds: 2},
	}, NewMetrics(nil))
	require.NoError(t, err)
	sc.NextRound()

	// a table created mid-round must be usable immediately, without waiting
	// for the next round's refresh
	proc := sc.NewProcTable(PidKey(os.Getpid()), &SymbolOptions{GoTableFallback: true})

	funcs := []any{NewSymbolTab, NewElfCache, ConvertDemangleOptions}
	seen := map[string]bool{}
	for _, fn := range funcs {
		pc := reflect.ValueOf(fn).Pointer()
		expected := runtime.FuncForPC(pc).Name()
		sym := proc.Resolve(uint64(pc))
		require.Equal(t, expected, sym.Name)
		seen[sym.Name] = true
	}
	// distinct functions must not collapse onto one exported entry point
	require.Len(t, seen, len(funcs))
}
