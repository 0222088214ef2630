package checkout

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
	"github.com/objtree/objtree/repo"
)

// populateUncompressedCache writes id's already-decompressed content into
// the repository's uncompressed-object cache (spec §4.4 "Cache
// population"), stripping setuid/setgid, and records its bucket as dirty
// so a later GC pass knows where to look. A failure here is not fatal to
// the checkout itself — it only means a future checkout falls back to
// decompressing id again — so errors are swallowed deliberately.
func (e *Engine) populateUncompressedCache(id objid.ID, content []byte) {
	if e.repoRoot() == "" {
		return
	}

	relPath := e.repo.UncompressedCachePath(id)
	fullPath := e.repoRoot() + "/" + relPath

	dir := fullPath[:strings.LastIndex(fullPath, "/")]
	_ = unix.Mkdir(dir, 0o755)

	tmpPath := fullPath + ".tmp"
	fd, err := unix.Open(tmpPath, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	if _, err := unix.Write(fd, content); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(tmpPath)
		return
	}
	// Setuid/setgid are always stripped from cache entries: they are
	// shared across every ModeUser checkout that hardlinks from here, so
	// none of them can be allowed to carry a privileged bit (spec §4.4).
	mode := uint32(0o644)
	if header, _, rc, err := e.repo.LoadFile(id); err == nil {
		_ = rc.Close()
		mode = header.Mode & 0o7777 &^ (setuidBit | setgidBit)
	}
	_ = unix.Fchmod(fd, mode)
	unix.Close(fd)

	if err := unix.Rename(tmpPath, fullPath); err != nil {
		_ = unix.Unlink(tmpPath)
		return
	}

	e.repo.MarkDirtyBucket(id.String()[:2])
}

// GC opportunistically collects uncompressed-object cache entries that no
// longer have any checkout hardlinked to them (spec §4.4 "Cache GC"): it
// only inspects buckets a checkout has actually touched since the last GC
// call, so its cost is proportional to recent checkout activity rather
// than total cache size, and it unlinks an entry once its link count
// drops to 1 (only the cache itself still references it).
func GC(r *repo.Repository) error {
	root := r.Root()
	if root == "" {
		return nil
	}

	for _, bucket := range r.DirtyBuckets() {
		dir := root + "/" + r.UncompressedCacheDir() + "/" + bucket
		entries, err := readDirNames(dir)
		if err != nil {
			continue
		}
		for _, name := range entries {
			path := dir + "/" + name
			var st unix.Stat_t
			if err := unix.Lstat(path, &st); err != nil {
				continue
			}
			if st.Nlink == 1 {
				_ = unix.Unlink(path)
			}
		}
	}
	return nil
}

func readDirNames(dir string) ([]string, error) {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "checkout.readDirNames", err)
	}
	defer unix.Close(fd)

	var names []string
	buf := make([]byte, 4096)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err != nil || n == 0 {
			break
		}
		_, _, infos := unix.ParseDirent(buf[:n], -1, nil)
		for _, name := range infos {
			if name == "." || name == ".." {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}
