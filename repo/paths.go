package repo

import (
	"fmt"

	"github.com/objtree/objtree/objid"
)

const (
	configFileName = "config"
	objectsDir     = "objects"
	refsDir        = "refs"
	refsHeadsDir   = "refs/heads"
	refsRemotesDir = "refs/remotes"
	stateDir       = "state"
	tmpDir         = "tmp"
	uncompressedCacheDir = "uncompressed-objects-cache"
	deltasDir      = "deltas"
)

// loosePath returns the objects/<2>/<62>.<ext> relative path for id
// (spec §3.3). The caller supplies ext directly for metadata types and
// via Mode.fileExt() for file objects.
func loosePath(base string, id objid.ID, ext string) string {
	hex := id.String()
	return joinPath(base, hex[:2], fmt.Sprintf("%s.%s", hex[2:], ext))
}

func bucketPath(base string, id objid.ID) string {
	return joinPath(base, id.String()[:2])
}

// bucketDirPath is bucketPath without needing a full ID, for callers (the
// transaction committer) that only ever see a two-hex-character staging
// bucket directory name.
func bucketDirPath(base, prefix string) string {
	return joinPath(base, prefix)
}

func joinPath(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

func extFor(typ objid.Type, mode Mode) (string, error) {
	if typ == objid.TypeFile {
		return mode.fileExt(), nil
	}
	ext, ok := typ.Ext()
	if !ok {
		return "", fmt.Errorf("repo: object type %s has no loose extension", typ)
	}
	return ext, nil
}

func commitPartialPath(id objid.ID) string {
	return joinPath(stateDir, id.String()+".commitpartial")
}

func commitMetaPath(id objid.ID) string {
	return loosePath(objectsDir, id, "commitmeta")
}
