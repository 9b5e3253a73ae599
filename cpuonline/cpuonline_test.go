package cpuonline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCPURange(t *testing.T) {
	testcases := []struct {
		in       string
		expected []uint
	}{
		{"0\n", []uint{0}},
		{"0-3\n", []uint{0, 1, 2, 3}},
		{"0-1,4-5\n", []uint{0, 1, 4, 5}},
		{"0,2,4\n", []uint{0, 2, 4}},
		{"0-2,7\n", []uint{0, 1, 2, 7}},
	}
	for _, tc := range testcases {
		cpus, err := ReadCPURange(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.expected, cpus)
	}
}

func TestReadCPURangeMalformed(t *testing.T) {
	_, err := ReadCPURange("zero\n")
	require.Error(t, err)
}
