package delta

import (
	"fmt"
	"strings"

	"github.com/objtree/objtree/objid"
)

// ParseName parses an opaque delta name of the form "<to>" or
// "<from>-<to>", each half a 64-character hex id (spec §8 scenario S2).
// A bare "<to>" returns a zero from id, meaning "from scratch".
func ParseName(name string) (from, to objid.ID, err error) {
	if name == "" {
		return objid.ID{}, objid.ID{}, fmt.Errorf("delta: empty delta name")
	}

	if idx := strings.IndexByte(name, '-'); idx >= 0 {
		fromHex, toHex := name[:idx], name[idx+1:]
		from, err = objid.FromHex(fromHex)
		if err != nil {
			return objid.ID{}, objid.ID{}, fmt.Errorf("delta: invalid delta name %q: %w", name, err)
		}
		to, err = objid.FromHex(toHex)
		if err != nil {
			return objid.ID{}, objid.ID{}, fmt.Errorf("delta: invalid delta name %q: %w", name, err)
		}
		return from, to, nil
	}

	to, err = objid.FromHex(name)
	if err != nil {
		return objid.ID{}, objid.ID{}, fmt.Errorf("delta: invalid delta name %q: %w", name, err)
	}
	return objid.ID{}, to, nil
}
