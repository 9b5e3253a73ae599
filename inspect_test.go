package ebpfspy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectInterpreter(t *testing.T) {
	testcases := []struct {
		exe     string
		name    string
		version string
		ok      bool
	}{
		{"python3.11", "python", "3.11.0", true},
		{"python3", "python", "3.0.0", true},
		{"python", "python", "", true},
		{"uwsgi", "uwsgi", "", true},
		{"uwsgi2.0.21", "uwsgi", "2.0.21", true},
		{"python-wrapper", "", "", false},
		{"nginx", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range testcases {
		name, version, ok := detectInterpreter(tc.exe)
		require.Equal(t, tc.ok, ok, tc.exe)
		require.Equal(t, tc.name, name, tc.exe)
		if tc.version == "" {
			require.Nil(t, version, tc.exe)
		} else {
			require.NotNil(t, version, tc.exe)
			require.Equal(t, tc.version, version.String(), tc.exe)
		}
	}
}
