package repo

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/objtree/objtree/internal/bootid"
	"github.com/objtree/objtree/ostreeerr"
)

const stagingPrefix = "staging-"

const testErrorEnv = "OSTREE_REPO_TEST_ERROR"

// Transaction is a single thread's exclusive right to write new objects
// into one Repository (spec §4.2 "Staging directories", §5). New objects
// land in its staging directory, mirroring the final objects/ layout, and
// reach objects/ only once Commit renames them in.
type Transaction struct {
	repo    *Repository
	dirName string // e.g. "staging-<bootid>-<rand>"
	bootID  string
}

// NewTransaction starts a transaction on r. Only one may be open at a
// time per Repository handle; starting a second is a programmer error
// surfaced as a StateConflict (spec §5).
func (r *Repository) NewTransaction() (*Transaction, error) {
	r.txnMu.Lock()
	defer r.txnMu.Unlock()

	if r.txn != nil {
		return nil, ostreeerr.New(ostreeerr.KindStateConflict, "repo.NewTransaction",
			fmt.Errorf("a transaction is already open on this repository handle"))
	}

	boot, err := bootid.Get()
	if err != nil {
		boot = "unknown"
	}

	dirName := fmt.Sprintf("%s%s-%s", stagingPrefix, boot, uuid.NewString())
	dirPath := joinPath(tmpDir, dirName)
	if err := r.fs.MkdirAll(dirPath, 0o755); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.NewTransaction", err)
	}

	lockPath := joinPath(tmpDir, dirName+"-lock")
	lf, err := r.fs.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.NewTransaction", err)
	}
	_ = lf.Close()
	if err := r.flockExclusive(lockPath); err != nil {
		return nil, ostreeerr.New(ostreeerr.KindIOError, "repo.NewTransaction", err)
	}

	txn := &Transaction{repo: r, dirName: dirName, bootID: boot}
	r.txn = txn
	return txn, nil
}

// StagingDir returns the transaction's staging directory, relative to the
// repository root.
func (t *Transaction) StagingDir() string {
	return joinPath(tmpDir, t.dirName)
}

func (t *Transaction) lockPath() string {
	return joinPath(tmpDir, t.dirName+"-lock")
}

// Commit renames every staged object into the primary objects directory,
// in arbitrary order (spec §3.5, §5), then removes the staging directory.
// On failure the staging directory is left in place so a retry can reuse
// the work already done (spec §7).
func (t *Transaction) Commit() error {
	r := t.repo

	if os.Getenv(testErrorEnv) == "pre-commit" {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit",
			fmt.Errorf("%s=pre-commit", testErrorEnv))
	}

	buckets, err := r.fs.ReadDir(t.StagingDir())
	if err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit", err)
	}

	for _, bucket := range buckets {
		if !bucket.IsDir() || len(bucket.Name()) != 2 {
			continue
		}
		bucketStagingPath := joinPath(t.StagingDir(), bucket.Name())
		entries, err := r.fs.ReadDir(bucketStagingPath)
		if err != nil {
			return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit", err)
		}

		destBucket := bucketDirPath(objectsDir, bucket.Name())
		if err := r.fs.MkdirAll(destBucket, 0o755); err != nil {
			return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit", err)
		}

		for _, entry := range entries {
			src := joinPath(bucketStagingPath, entry.Name())
			dst := joinPath(destBucket, entry.Name())
			if err := r.fs.Rename(src, dst); err != nil {
				return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit", err)
			}
		}
	}

	if err := r.fsyncDir(objectsDir); err != nil && r.config.Fsync {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.Commit", err)
	}

	if err := t.cleanup(); err != nil {
		return err
	}

	r.txnMu.Lock()
	r.txn = nil
	r.txnMu.Unlock()
	return nil
}

// Abort discards the transaction's staging directory without committing
// anything (spec §5, §7). A second Abort call on an already-aborted
// transaction is a no-op.
func (t *Transaction) Abort() error {
	if err := t.cleanup(); err != nil {
		return err
	}
	r := t.repo
	r.txnMu.Lock()
	if r.txn == t {
		r.txn = nil
	}
	r.txnMu.Unlock()
	return nil
}

func (t *Transaction) cleanup() error {
	r := t.repo
	if err := removeAll(r.fs, t.StagingDir()); err != nil {
		return ostreeerr.New(ostreeerr.KindIOError, "repo.Transaction.cleanup", err)
	}
	r.funlock(t.lockPath())
	_ = r.fs.Remove(t.lockPath())
	return nil
}

// cleanupOrphanedStaging removes staging directories left behind by a
// prior process (spec §4.2): a reboot-orphan (bootid prefix mismatch) is
// always safe to remove; a crash-orphan (same bootid, but whose lock file
// is acquirable, meaning no live process holds it) is also removed.
func (r *Repository) cleanupOrphanedStaging() error {
	entries, err := r.fs.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ostreeerr.New(ostreeerr.KindIOError, "repo.cleanupOrphanedStaging", err)
	}

	currentBoot, err := bootid.Get()
	if err != nil {
		currentBoot = "unknown"
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Name(), stagingPrefix)
		// The random suffix is a UUID, which itself contains dashes.
		idx := len(rest) - len(uuid.Nil.String()) - 1
		if idx < 0 || rest[idx] != '-' {
			continue
		}
		boot := rest[:idx]

		dirPath := joinPath(tmpDir, e.Name())
		lockPath := joinPath(tmpDir, e.Name()+"-lock")

		if boot != currentBoot {
			_ = removeAll(r.fs, dirPath)
			_ = r.fs.Remove(lockPath)
			continue
		}

		if r.flockExclusive(lockPath) == nil {
			r.funlock(lockPath)
			_ = removeAll(r.fs, dirPath)
			_ = r.fs.Remove(lockPath)
		}
	}

	return nil
}
