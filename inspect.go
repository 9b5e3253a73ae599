package ebpfspy

import (
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// ExeInspector answers what binary a pid runs. The default implementation
// reads /proc; tests substitute their own.
type ExeInspector interface {
	ExePath(pid uint32) (string, error)
	Comm(pid uint32) (string, error)
}

type procInspector struct{}

func (procInspector) ExePath(pid uint32) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

func (procInspector) Comm(pid uint32) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	if len(comm) > 0 && comm[len(comm)-1] == '\n' {
		comm = comm[:len(comm)-1]
	}
	return string(comm), nil
}

var interpreterRe = regexp.MustCompile(`^(python|uwsgi)(\d+(?:\.\d+)*)?$`)

// detectInterpreter recognizes interpreted-runtime binaries by their base
// name, e.g. python3.11. The version, when encoded in the name, comes back
// parsed so callers can gate on a supported range.
func detectInterpreter(exe string) (string, *semver.Version, bool) {
	m := interpreterRe.FindStringSubmatch(exe)
	if m == nil {
		return "", nil, false
	}
	name := m[1]
	if m[2] == "" {
		return name, nil, true
	}
	v, err := semver.NewVersion(m[2])
	if err != nil {
		return name, nil, true
	}
	return name, v, true
}
