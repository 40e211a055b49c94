package cluster

import (
	"fmt"
	"strings"
)

// PoolMode is the bitmask a pool reports for its operational mode. The zero
// value is fully enabled; every set bit disables one capability.
type PoolMode int

const (
	ModeEnabled           PoolMode = 0x00
	ModeDisabled          PoolMode = 0x01
	ModeDisabledFetch     PoolMode = 0x02
	ModeDisabledStore     PoolMode = 0x04
	ModeDisabledStage     PoolMode = 0x08
	ModeDisabledP2PClient PoolMode = 0x10
	ModeDisabledP2PServer PoolMode = 0x20
	ModeDisabledDead      PoolMode = 0x40

	ModeDisabledStrict = ModeDisabled | ModeDisabledFetch | ModeDisabledStore |
		ModeDisabledStage | ModeDisabledP2PClient | ModeDisabledP2PServer
	ModeDisabledRdOnly = ModeDisabled | ModeDisabledStore | ModeDisabledStage |
		ModeDisabledP2PClient
)

var modeNames = []struct {
	bit  PoolMode
	name string
}{
	{ModeDisabledFetch, "fetch"},
	{ModeDisabledStore, "store"},
	{ModeDisabledStage, "stage"},
	{ModeDisabledP2PClient, "p2p-client"},
	{ModeDisabledP2PServer, "p2p-server"},
	{ModeDisabledDead, "dead"},
}

// IsDisabled reports whether every bit of mask is set in m.
func (m PoolMode) IsDisabled(mask PoolMode) bool {
	return m&mask == mask
}

// IsEnabled reports whether no disable bit is set.
func (m PoolMode) IsEnabled() bool {
	return m == ModeEnabled
}

// String renders the mode as "enabled", "disabled" or
// "disabled(store,stage,...)".
func (m PoolMode) String() string {
	switch {
	case m == ModeEnabled:
		return "enabled"
	case m == ModeDisabledStrict:
		return "disabled(strict)"
	case m == ModeDisabledRdOnly:
		return "disabled(rdonly)"
	}
	var parts []string
	for _, n := range modeNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "disabled"
	}
	return "disabled(" + strings.Join(parts, ",") + ")"
}

// ParsePoolMode accepts the names used by the pool command line:
// enabled, disabled, strict, rdonly, dead.
func ParsePoolMode(s string) (PoolMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enabled", "":
		return ModeEnabled, nil
	case "disabled":
		return ModeDisabled, nil
	case "strict":
		return ModeDisabledStrict, nil
	case "rdonly":
		return ModeDisabledRdOnly, nil
	case "dead":
		return ModeDisabled | ModeDisabledDead, nil
	}
	return 0, fmt.Errorf("unknown pool mode %q", s)
}
