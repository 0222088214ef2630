// Package repo implements repository lifecycle, configuration,
// transaction staging, and the loose object store (spec §4.2, §3.5, §6).
package repo

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
)

// rooter is implemented by billy filesystems backed by a real OS
// directory (osfs.OS); it is how this package reaches the handful of
// POSIX operations (hardlinks, xattrs, fsync) go-billy's Filesystem
// interface does not itself expose.
type rooter interface {
	Root() string
}

// Repository owns a directory and everything spec §3.5 says it owns: its
// config, a parent-repo fallback chain, a dirty-bucket set for the
// uncompressed cache (spec §4.4), a remotes set (out of this spec's
// scope beyond bookkeeping), a devino cache, and at most one open
// transaction.
type Repository struct {
	fs     billy.Filesystem
	root   string // absolute host path, "" if fs is not OS-backed
	config Config
	parent *Repository

	mu           sync.Mutex
	dirtyBuckets map[string]struct{}
	remotes      map[string]struct{}

	devino *DevinoCache

	txnMu sync.Mutex
	txn   *Transaction

	locks map[string]int // relative lock path -> held fd, see fsops.go
}

// Open opens an existing repository rooted at fs, reading its config and
// following its parent chain (spec §3.5).
func Open(fs billy.Filesystem) (*Repository, error) {
	f, err := fs.Open(configFileName)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindNotFound, "repo.Open", err)
	}
	raw, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Open", err)
	}

	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Open", err)
	}

	r := &Repository{
		fs:           fs,
		config:       cfg,
		dirtyBuckets: make(map[string]struct{}),
		remotes:      make(map[string]struct{}),
		devino:       newDevinoCache(),
	}
	if rt, ok := fs.(rooter); ok {
		r.root = rt.Root()
	}

	if cfg.Parent != "" {
		parentFS := osfs.New(cfg.Parent)
		parent, err := Open(parentFS)
		if err != nil {
			return nil, fmt.Errorf("repo: open parent %s: %w", cfg.Parent, err)
		}
		r.parent = parent
	}

	if err := r.cleanupOrphanedStaging(); err != nil {
		return nil, err
	}

	return r, nil
}

// Create initializes a new repository at fs with the given config and
// then opens it (spec §6.1, §6.2).
func Create(fs billy.Filesystem, cfg Config) (*Repository, error) {
	if cfg.RepoVersion == 0 {
		cfg.RepoVersion = 1
	}
	if cfg.RepoVersion != 1 {
		return nil, ostreeerr.New(ostreeerr.KindInvalidFormat, "repo.Create",
			fmt.Errorf("core.repo_version must be 1, got %d", cfg.RepoVersion))
	}

	for _, dir := range []string{objectsDir, refsHeadsDir, refsRemotesDir, stateDir, tmpDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Create", err)
		}
	}
	if cfg.Mode == ModeArchive && cfg.EnableUncompressedCache {
		if err := fs.MkdirAll(uncompressedCacheDir, 0o755); err != nil {
			return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Create", err)
		}
	}

	f, err := fs.Create(configFileName)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Create", err)
	}
	if _, err := f.Write(encodeConfig(cfg)); err != nil {
		_ = f.Close()
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Create", err)
	}
	if err := f.Close(); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.Create", err)
	}

	return Open(fs)
}

// Config returns the repository's parsed configuration.
func (r *Repository) Config() Config { return r.config }

// Mode returns the repository's storage mode.
func (r *Repository) Mode() Mode { return r.config.Mode }

// Parent returns the fallback repository this one reads through on a
// local miss, or nil if there is none (spec §3.5 "Parent chain").
func (r *Repository) Parent() *Repository { return r.parent }

// Filesystem returns the billy.Filesystem this repository is rooted at,
// for callers (checkout, delta) that need to open sibling paths like
// deltas/ directly.
func (r *Repository) Filesystem() billy.Filesystem { return r.fs }

// Devino returns the repository's devino cache (spec §3.5).
func (r *Repository) Devino() *DevinoCache { return r.devino }

// Root returns the repository's absolute host path, or "" if its
// filesystem is not OS-backed. The checkout package uses this to reach
// the handful of POSIX operations (hardlink, xattr, fsync) go-billy's
// Filesystem interface does not expose, the same way this package does.
func (r *Repository) Root() string { return r.root }

// BareFileObjectPath returns the path, relative to the repository root,
// of id's loose file object in bare or bare-user mode, where the object
// is stored as a real regular file/symlink eligible for a direct
// hardlink (spec §4.4 step 2). It returns ok=false in archive mode,
// where file objects are zlib-compressed and not byte-identical to any
// checked-out file.
func (r *Repository) BareFileObjectPath(id objid.ID) (string, bool) {
	if r.config.Mode == ModeArchive {
		return "", false
	}
	return loosePath(objectsDir, id, r.config.Mode.fileExt()), true
}

// UncompressedCachePath returns the path, relative to the repository
// root, of id's entry in the uncompressed-object cache (spec §4.4 "Cache
// population").
func (r *Repository) UncompressedCachePath(id objid.ID) string {
	return loosePath(uncompressedCacheDir, id, "file")
}

// UncompressedCacheDir returns the uncompressed-object cache's root
// directory, relative to the repository root.
func (r *Repository) UncompressedCacheDir() string { return uncompressedCacheDir }

func (r *Repository) markDirtyBucket(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirtyBuckets[prefix] = struct{}{}
}

// dirtyBucketsSnapshot returns (and clears) the set of prefixes touched
// since the last call, for checkout.GC (spec §4.4 "Cache GC").
func (r *Repository) dirtyBucketsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.dirtyBuckets))
	for p := range r.dirtyBuckets {
		out = append(out, p)
	}
	r.dirtyBuckets = make(map[string]struct{})
	return out
}

// DirtyBuckets exposes dirtyBucketsSnapshot for the checkout package.
func (r *Repository) DirtyBuckets() []string { return r.dirtyBucketsSnapshot() }

// MarkDirtyBucket exposes markDirtyBucket for the checkout package, which
// records a bucket as dirty whenever it populates the uncompressed cache.
func (r *Repository) MarkDirtyBucket(prefix string) { r.markDirtyBucket(prefix) }

// AddRemote / RemoveRemote / Remotes give minimal bookkeeping over the
// remotes set spec §3.5 says the Repository owns; remote transport itself
// is out of this spec's scope (spec §1).
func (r *Repository) AddRemote(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[name] = struct{}{}
}

func (r *Repository) RemoveRemote(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remotes, name)
}

func (r *Repository) Remotes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.remotes))
	for n := range r.remotes {
		out = append(out, n)
	}
	return out
}
