package profbpf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadPidEvent(t *testing.T) {
	e, err := ReadPidEvent([]byte{3, 0, 0, 0, 0xef, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, PidEvent{Op: uint32(PidOpRequestExecProcessInfo), Pid: 239}, e)
}

func TestReadPidEventShort(t *testing.T) {
	_, err := ReadPidEvent([]byte{1, 0, 0})
	require.Error(t, err)
}
