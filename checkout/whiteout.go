package checkout

import "strings"

const whiteoutPrefix = ".wh."

// isWhiteout reports whether name is a Docker-style whiteout marker.
func isWhiteout(name string) bool {
	return strings.HasPrefix(name, whiteoutPrefix) && name != whiteoutPrefix
}

// whiteoutTarget returns the name a whiteout marker deletes.
func whiteoutTarget(name string) string {
	return strings.TrimPrefix(name, whiteoutPrefix)
}
