package toolchain

import (
	"fmt"
	"math"
	"time"

	"github.com/jkaninda/scratchd/internal/sandbox"
)

// Limits are the engine-wide ceilings merged into every family profile.
type Limits struct {
	Timeout      time.Duration
	OutputBytes  int64
	ScratchBytes int64
}

type profileSpec struct {
	capabilities []string
	memoryMB     int
	pids         int
}

// profileSpecs is the static isolation table, one entry per family.
// Wine needs setuid/setgid/setfcap to initialize a prefix and an unbounded
// address space for its loader.
var profileSpecs = map[string]profileSpec{
	"gcc":  {memoryMB: 1024, pids: 32},
	"ido":  {memoryMB: 1024, pids: 32},
	"gas":  {memoryMB: 512, pids: 16},
	"mwcc": {capabilities: []string{"CAP_SETUID", "CAP_SETGID", "CAP_SETFCAP"}, pids: 128},
	"msvc": {capabilities: []string{"CAP_SETUID", "CAP_SETGID", "CAP_SETFCAP"}, pids: 128},
}

// buildProfiles freezes one sandbox.Profile per family.
func buildProfiles(limits Limits) (map[string]sandbox.Profile, error) {
	cpu := int(math.Ceil(limits.Timeout.Seconds()))
	out := make(map[string]sandbox.Profile, len(families))
	for name, fam := range families {
		spec, ok := profileSpecs[name]
		if !ok {
			return nil, fmt.Errorf("family %s has no sandbox profile", name)
		}
		p, err := sandbox.NewProfile(name, spec.capabilities, sandbox.Limits{
			CPUSeconds:   cpu,
			MemoryMB:     spec.memoryMB,
			OutputBytes:  limits.OutputBytes,
			ScratchBytes: limits.ScratchBytes,
			PIDs:         spec.pids,
		}, fam.Windows())
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
