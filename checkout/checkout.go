package checkout

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sys/unix"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
	"github.com/objtree/objtree/repo"
)

// setuidBit/setgidBit are the POSIX S_ISUID/S_ISGID mode bits, spelled out
// locally for the same reason repo/baremode.go spells out S_IFMT/S_IFLNK:
// these are compared against a header's recorded mode value, not a real
// inode via unix.Stat_t.
const (
	setuidBit = 0o4000
	setgidBit = 0o2000
)

// fixedMtime is the mtime finalizeDir gives every checked-out directory
// (spec §4.4 "fixed-mtime"). Files are not set to it: a copied file keeps
// the mtime of its write, and a hardlinked file shares its source object's
// inode and keeps that inode's mtime.
var fixedMtime = unix.Timespec{Sec: 0, Nsec: 0}

// Engine materializes a repository's commits into a destination directory
// (spec §4.4).
type Engine struct {
	repo     *repo.Repository
	dest     billy.Filesystem
	destRoot string // "" if dest is not OS-backed
	opts     Options
}

// New returns an Engine that checks commits of r out into dest.
func New(r *repo.Repository, dest billy.Filesystem, opts Options) *Engine {
	e := &Engine{repo: r, dest: dest, opts: opts}
	if rt, ok := dest.(interface{ Root() string }); ok {
		e.destRoot = rt.Root()
	}
	return e
}

// Checkout materializes commitID's tree, or the subtree at subpath, under
// destPath.
func (e *Engine) Checkout(commitID objid.ID, subpath, destPath string) error {
	if !e.opts.AllowPartial {
		partial, err := e.repo.IsCommitPartial(commitID)
		if err != nil {
			return err
		}
		if partial {
			return ostreeerr.New(ostreeerr.KindStateConflict, "checkout.Checkout",
				fmt.Errorf("commit %s is marked partial", commitID))
		}
	}

	raw, err := e.repo.LoadMetadata(commitID, objid.TypeCommit)
	if err != nil {
		return err
	}
	commit, err := object.DecodeCommit(raw)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindCorruptedObject, "checkout.Checkout", err)
	}

	treeID, metaID, err := e.resolveSubpath(commit.RootTree, commit.RootMeta, subpath)
	if err != nil {
		return err
	}

	return e.checkoutDir(treeID, metaID, destPath)
}

func (e *Engine) resolveSubpath(treeID, metaID objid.ID, subpath string) (objid.ID, objid.ID, error) {
	for _, part := range splitSubpath(subpath) {
		raw, err := e.repo.LoadMetadata(treeID, objid.TypeDirTree)
		if err != nil {
			return objid.ID{}, objid.ID{}, err
		}
		tree, err := object.DecodeDirTree(raw)
		if err != nil {
			return objid.ID{}, objid.ID{}, ostreeerr.New(ostreeerr.KindCorruptedObject, "checkout.resolveSubpath", err)
		}

		found := false
		for _, d := range tree.Dirs {
			if d.Name == part {
				treeID, metaID = d.Tree, d.Meta
				found = true
				break
			}
		}
		if !found {
			return objid.ID{}, objid.ID{}, ostreeerr.New(ostreeerr.KindNotFound, "checkout.resolveSubpath",
				fmt.Errorf("subpath component %q not found", part))
		}
	}
	return treeID, metaID, nil
}

func splitSubpath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinDest(parent, name string) string {
	if parent == "" || parent == "." {
		return name
	}
	return parent + "/" + name
}

// checkoutDir materializes one directory, mkdir-ing it before its children
// are placed and finalizing its own metadata only once they all are (spec
// §4.4 "per-directory finalization").
func (e *Engine) checkoutDir(treeID, metaID objid.ID, destPath string) error {
	if err := e.prepareDestDir(destPath); err != nil {
		return err
	}

	rawMeta, err := e.repo.LoadMetadata(metaID, objid.TypeDirMeta)
	if err != nil {
		return err
	}
	meta, err := object.DecodeDirMeta(rawMeta)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindCorruptedObject, "checkout.checkoutDir", err)
	}

	rawTree, err := e.repo.LoadMetadata(treeID, objid.TypeDirTree)
	if err != nil {
		return err
	}
	tree, err := object.DecodeDirTree(rawTree)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindCorruptedObject, "checkout.checkoutDir", err)
	}

	for _, f := range tree.Files {
		if e.opts.ProcessWhiteouts && isWhiteout(f.Name) {
			if err := e.applyWhiteout(joinDest(destPath, whiteoutTarget(f.Name))); err != nil {
				return err
			}
			continue
		}
		if err := e.checkoutFile(f.Content, joinDest(destPath, f.Name)); err != nil {
			return err
		}
	}

	for _, d := range tree.Dirs {
		if e.opts.ProcessWhiteouts && isWhiteout(d.Name) {
			if err := e.applyWhiteout(joinDest(destPath, whiteoutTarget(d.Name))); err != nil {
				return err
			}
			continue
		}
		if err := e.checkoutDir(d.Tree, d.Meta, joinDest(destPath, d.Name)); err != nil {
			return err
		}
	}

	return e.finalizeDir(destPath, meta)
}

// prepareDestDir creates destPath with restrictive permissions (spec §4.4
// "mkdir 0700 first"), so partially-populated children are never world-
// readable before the directory's real mode is finalized. A pre-existing
// directory is reused (this is how union checkouts merge); a pre-existing
// non-directory is only replaced under OverwriteUnionFiles.
func (e *Engine) prepareDestDir(destPath string) error {
	info, err := e.dest.Stat(destPath)
	if err != nil {
		return e.dest.MkdirAll(destPath, 0o700)
	}
	if info.IsDir() {
		return nil
	}
	if e.opts.Overwrite != OverwriteUnionFiles {
		return ostreeerr.New(ostreeerr.KindStateConflict, "checkout.prepareDestDir",
			fmt.Errorf("%s exists and is not a directory", destPath))
	}
	if err := e.dest.Remove(destPath); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.prepareDestDir", err)
	}
	return e.dest.MkdirAll(destPath, 0o700)
}

// finalizeDir applies a directory's real mode/owner/xattrs/mtime only
// after every child has been placed (spec §4.4), so a reader never
// observes the directory in its final, possibly-read-only state while it
// is still being populated.
func (e *Engine) finalizeDir(destPath string, meta object.DirMeta) error {
	if e.destRoot == "" {
		return nil
	}
	fullPath := e.destRoot + "/" + destPath

	if e.opts.Mode == ModeNone {
		_ = unix.Chown(fullPath, int(meta.UID), int(meta.GID))
	}
	if err := unix.Chmod(fullPath, e.effectiveMode(meta.Mode)&0o7777); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.finalizeDir", err)
	}
	if e.opts.Mode == ModeNone {
		for _, x := range meta.Xattrs {
			_ = unix.Setxattr(fullPath, string(x.Name), x.Value, 0)
		}
	}

	if !e.opts.DisableFsync {
		if fd, err := unix.Open(fullPath, unix.O_RDONLY, 0); err == nil {
			_ = unix.Fsync(fd)
			_ = unix.Close(fd)
		}
	}

	times := []unix.Timespec{fixedMtime, fixedMtime}
	_ = unix.UtimesNanoAt(unix.AT_FDCWD, fullPath, times, unix.AT_SYMLINK_NOFOLLOW)
	return nil
}

// effectiveMode strips setuid/setgid under ModeUser (spec §4.4), since an
// unprivileged checkout must never hand a caller a setuid bit it did not
// already have the privilege to create honestly.
func (e *Engine) effectiveMode(mode uint32) uint32 {
	if e.opts.Mode == ModeUser {
		return mode &^ (setuidBit | setgidBit)
	}
	return mode
}

func (e *Engine) applyWhiteout(destPath string) error {
	if err := gbRemoveAll(e.dest, destPath); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.applyWhiteout", err)
	}
	return nil
}

// checkoutFile materializes one file object at destPath, hardlinking from
// the best applicable source before falling back to a copy (spec §4.4
// step 2).
func (e *Engine) checkoutFile(id objid.ID, destPath string) error {
	if err := e.prepareDestFile(destPath); err != nil {
		return err
	}

	if e.destRoot != "" {
		if src, ok := e.hardlinkSource(id); ok {
			if e.tryHardlink(src, destPath) {
				if e.opts.RecordDevino {
					e.recordDevino(destPath, id)
				}
				return nil
			}
			if e.opts.NoCopyFallback {
				return ostreeerr.New(ostreeerr.KindUnsupported, "checkout.checkoutFile",
					fmt.Errorf("hardlink failed for %s and copy fallback is disabled", destPath))
			}
		}
	}

	return e.copyFile(id, destPath)
}

// prepareDestFile enforces the overwrite policy against a pre-existing
// destination entry before anything is written there.
func (e *Engine) prepareDestFile(destPath string) error {
	_, err := e.dest.Lstat(destPath)
	if err != nil {
		return nil
	}
	if e.opts.Overwrite != OverwriteUnionFiles {
		return ostreeerr.New(ostreeerr.KindStateConflict, "checkout.prepareDestFile",
			fmt.Errorf("%s already exists", destPath))
	}
	return nil
}

// hardlinkSource returns the loose-object path id can be hardlinked from
// directly, per the mode-specific source chain spec §4.4 names: (bare
// repo, checkout mode=none), (bare-user repo, checkout mode=user), or
// (archive repo, checkout mode=user) via the uncompressed-object cache.
func (e *Engine) hardlinkSource(id objid.ID) (string, bool) {
	switch {
	case e.repo.Mode() == repo.ModeBare && e.opts.Mode == ModeNone:
		return e.repo.BareFileObjectPath(id)
	case e.repo.Mode() == repo.ModeBareUser && e.opts.Mode == ModeUser:
		return e.repo.BareFileObjectPath(id)
	case e.repo.Mode() == repo.ModeArchive && e.opts.Mode == ModeUser && e.opts.EnableUncompressedCache:
		path := e.repo.UncompressedCachePath(id)
		if e.repoRoot() == "" {
			return "", false
		}
		if _, err := unix.Lstat(e.repoRoot()+"/"+path, &unix.Stat_t{}); err != nil {
			return "", false
		}
		return path, true
	default:
		return "", false
	}
}

func (e *Engine) repoRoot() string { return e.repo.Root() }

// tryHardlink attempts linkat(repo-root/src -> dest-root/destPath). Under
// OverwriteUnionFiles an existing destPath is replaced by linking to a
// temporary name and renaming it over destPath; otherwise EEXIST counts
// as success (spec §4.4). Any other link error is a soft failure and the
// caller falls back to copy.
func (e *Engine) tryHardlink(srcRelPath, destPath string) bool {
	srcPath := e.repoRoot() + "/" + srcRelPath
	dstPath := e.destRoot + "/" + destPath

	err := unix.Linkat(unix.AT_FDCWD, srcPath, unix.AT_FDCWD, dstPath, unix.AT_SYMLINK_NOFOLLOW)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.EEXIST) && e.opts.Overwrite == OverwriteUnionFiles {
		tmpPath := dstPath + ".checkout-tmp"
		_ = unix.Unlink(tmpPath)
		if err := unix.Linkat(unix.AT_FDCWD, srcPath, unix.AT_FDCWD, tmpPath, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return false
		}
		err = unix.Rename(tmpPath, dstPath)
		// rename(2) leaves both names in place when they already share an inode.
		_ = unix.Unlink(tmpPath)
		return err == nil
	}
	if errors.Is(err, unix.EEXIST) {
		return true
	}
	return false
}

// copyFile streams id's content into destPath, applying real owner/mode/
// xattrs per opts.Mode, and (for an archive-mode, ModeUser checkout)
// populates the uncompressed-object cache for future hardlink-first
// checkouts (spec §4.4 "Cache population").
func (e *Engine) copyFile(id objid.ID, destPath string) error {
	header, _, rc, err := e.repo.LoadFile(id)
	if err != nil {
		return err
	}
	defer rc.Close()

	if header.Symlink != "" {
		return e.copySymlink(header, destPath)
	}

	buf, err := io.ReadAll(rc)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.copyFile", err)
	}

	if err := e.writeDestFile(destPath, buf); err != nil {
		return err
	}

	if err := e.applyFileAttrs(destPath, header); err != nil {
		return err
	}

	if e.repo.Mode() == repo.ModeArchive && e.opts.Mode == ModeUser && e.opts.EnableUncompressedCache {
		e.populateUncompressedCache(id, buf)
	}

	if e.opts.RecordDevino {
		e.recordDevino(destPath, id)
	}

	return nil
}

func (e *Engine) copySymlink(header object.FileHeader, destPath string) error {
	if err := e.dest.Symlink(header.Symlink, destPath); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.copySymlink", err)
	}
	if e.destRoot != "" && e.opts.Mode == ModeNone {
		_ = unix.Lchown(e.destRoot+"/"+destPath, int(header.UID), int(header.GID))
	}
	return nil
}

func (e *Engine) writeDestFile(destPath string, content []byte) error {
	tmp := destPath + ".checkout-tmp"
	f, err := e.dest.Create(tmp)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.writeDestFile", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = e.dest.Remove(tmp)
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.writeDestFile", err)
	}
	if err := f.Close(); err != nil {
		_ = e.dest.Remove(tmp)
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.writeDestFile", err)
	}
	if err := e.dest.Rename(tmp, destPath); err != nil {
		_ = e.dest.Remove(tmp)
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.writeDestFile", err)
	}
	return nil
}

func (e *Engine) applyFileAttrs(destPath string, header object.FileHeader) error {
	if e.destRoot == "" {
		return nil
	}
	fullPath := e.destRoot + "/" + destPath

	fd, err := unix.Open(fullPath, unix.O_WRONLY, 0)
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.applyFileAttrs", err)
	}
	defer unix.Close(fd)

	if e.opts.Mode == ModeNone {
		_ = unix.Fchown(fd, int(header.UID), int(header.GID))
	}
	if err := unix.Fchmod(fd, e.effectiveMode(header.Mode)&0o7777); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "checkout.applyFileAttrs", err)
	}
	if e.opts.Mode == ModeNone {
		for _, x := range header.Xattrs {
			_ = unix.Fsetxattr(fd, string(x.Name), x.Value, 0)
		}
	}
	if !e.opts.DisableFsync {
		_ = unix.Fsync(fd)
	}
	return nil
}

func (e *Engine) recordDevino(destPath string, id objid.ID) {
	if e.destRoot == "" {
		return
	}
	var st unix.Stat_t
	if err := unix.Lstat(e.destRoot+"/"+destPath, &st); err != nil {
		return
	}
	e.repo.Devino().Record(uint64(st.Dev), st.Ino, id)
}

// gbRemoveAll removes path from fs, tolerating it already being absent,
// mirroring repo's own removeAll helper (kept local since checkout has no
// access to repo's unexported one).
func gbRemoveAll(fs billy.Filesystem, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return fs.Remove(path)
	}
	entries, err := fs.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := gbRemoveAll(fs, joinDest(path, entry.Name())); err != nil {
			return err
		}
	}
	return fs.Remove(path)
}
