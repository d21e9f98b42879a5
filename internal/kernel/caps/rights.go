package caps

import (
	"fmt"
	"strings"
)

// Rights is the bitmask of operations a capability authorizes on its
// object. Rights only ever narrow: derivation and transfer both check
// that the requested mask is a subset of the source mask.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightGrant
	RightSend
	RightRecv
	RightAlloc
)

// RightsAll is every right a capability can carry.
const RightsAll = RightRead | RightWrite | RightExecute | RightGrant |
	RightSend | RightRecv | RightAlloc

// Has reports whether every bit of need is present.
func (r Rights) Has(need Rights) bool {
	return r&need == need
}

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightGrant, "grant"},
	{RightSend, "send"},
	{RightRecv, "receive"},
	{RightAlloc, "allocate"},
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, len(rightNames))
	for _, rn := range rightNames {
		if r&rn.bit != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseRight resolves one manifest right name. Short aliases are
// accepted for the long names.
func ParseRight(name string) (Rights, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		return RightRead, nil
	case "write":
		return RightWrite, nil
	case "execute", "exec":
		return RightExecute, nil
	case "grant":
		return RightGrant, nil
	case "send":
		return RightSend, nil
	case "receive", "recv":
		return RightRecv, nil
	case "allocate", "alloc":
		return RightAlloc, nil
	default:
		return 0, fmt.Errorf("unknown right %q", name)
	}
}

// ParseRights folds a list of manifest right names into one mask.
func ParseRights(names []string) (Rights, error) {
	var r Rights
	for _, n := range names {
		bit, err := ParseRight(n)
		if err != nil {
			return 0, err
		}
		r |= bit
	}
	return r, nil
}
