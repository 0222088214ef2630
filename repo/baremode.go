package repo

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/xattr"
)

// ostreeMetaXattr names the extended attribute bare-user mode uses to
// carry a file's true uid/gid/mode/xattrs (spec §3.4), since the real
// inode's owner is always forced to the invoking user in that mode.
const ostreeMetaXattr = "user.ostreemeta"

// modeTypeMask/modeTypeSymlink are the POSIX S_IFMT/S_IFLNK bit patterns,
// spelled out locally since bare-user mode compares against a mode value
// recovered from an xattr, not a real inode, so there is nothing to ask
// unix.Lstat for here.
const (
	modeTypeMask    = 0o170000
	modeTypeSymlink = 0o120000
)

func isSymlinkMode(mode uint32) bool {
	return mode&modeTypeMask == modeTypeSymlink
}

// writeBareFile stores a file object the way bare mode requires (spec
// §3.3, §3.4): a real symlink when header.Symlink is set, otherwise a
// real regular file, with genuine owner/mode/xattrs straight from the
// filesystem. On a filesystem that is not OS-backed (r.root == ""), none
// of chown/symlink-ownership/xattr are reachable through go-billy, so
// this falls back to writing the canonical uncompressed framing
// verbatim — the same bytes LoadFile already knows how to parse back out
// — which keeps round-tripping correct for in-memory use and tests at
// the cost of not exercising real filesystem metadata there.
func (r *Repository) writeBareFile(stagingPath string, header object.FileHeader, payload []byte) error {
	if r.root == "" {
		return r.writeRawFile(stagingPath, object.EncodeUncompressedFraming(header, payload))
	}

	fullPath := r.root + "/" + stagingPath

	if header.Symlink != "" {
		if err := unix.Symlink(header.Symlink, fullPath); err != nil {
			return fmt.Errorf("repo: symlink: %w", err)
		}
		_ = unix.Lchown(fullPath, int(header.UID), int(header.GID))
		return nil
	}

	if err := r.writeRawFile(stagingPath, payload); err != nil {
		return err
	}

	fd, err := unix.Open(fullPath, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("repo: reopen for ownership: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Fchown(fd, int(header.UID), int(header.GID)); err != nil {
		return fmt.Errorf("repo: fchown: %w", err)
	}
	if err := unix.Fchmod(fd, header.Mode&0o7777); err != nil {
		return fmt.Errorf("repo: fchmod: %w", err)
	}
	if err := xattr.WriteToFd(fd, header.Xattrs); err != nil {
		return fmt.Errorf("repo: xattrs: %w", err)
	}
	return nil
}

// writeBareUserFile stores a file object the way bare-user mode requires
// (spec §3.4): always a real regular file — even for a symlink, whose
// target is stored as that file's content — with real permission bits
// but an owner forced to the invoking user, and true uid/gid/mode/xattrs
// packed into the user.ostreemeta xattr. Falls back the same way
// writeBareFile does when the filesystem is not OS-backed.
func (r *Repository) writeBareUserFile(stagingPath string, header object.FileHeader, payload []byte) error {
	content := payload
	if header.Symlink != "" {
		content = []byte(header.Symlink)
	}

	if r.root == "" {
		return r.writeRawFile(stagingPath, object.EncodeUncompressedFraming(header, payload))
	}

	if err := r.writeRawFile(stagingPath, content); err != nil {
		return err
	}

	fullPath := r.root + "/" + stagingPath
	fd, err := unix.Open(fullPath, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("repo: reopen for ownership: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Fchmod(fd, header.Mode&0o7777); err != nil {
		return fmt.Errorf("repo: fchmod: %w", err)
	}

	meta := object.DirMeta{UID: header.UID, GID: header.GID, Mode: header.Mode, Xattrs: header.Xattrs}
	if err := unix.Fsetxattr(fd, ostreeMetaXattr, meta.Encode(nil), 0); err != nil {
		return fmt.Errorf("repo: %s: %w", ostreeMetaXattr, err)
	}
	return nil
}

// writeRawFile writes raw to relPath within the repository's filesystem,
// via the billy.Filesystem interface (so it works identically whether or
// not the filesystem is OS-backed).
func (r *Repository) writeRawFile(relPath string, raw []byte) error {
	f, err := r.fs.Create(relPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// loadBareFile recovers a bare-mode file object's header and content
// straight from the filesystem. On a non-OS-backed filesystem it instead
// parses the canonical framing, matching writeBareFile's fallback.
func (r *Repository) loadBareFile(path string) (object.FileHeader, io.ReadCloser, error) {
	if r.root == "" {
		f, err := r.fs.Open(path)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		raw, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		header, payload, err := object.DecodeUncompressedFraming(raw)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		return header, io.NopCloser(bytes.NewReader(payload)), nil
	}

	fullPath := r.root + "/" + path
	var st unix.Stat_t
	if err := unix.Lstat(fullPath, &st); err != nil {
		return object.FileHeader{}, nil, err
	}

	header := object.FileHeader{UID: st.Uid, GID: st.Gid, Mode: uint32(st.Mode)}

	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		target, err := unix.Readlink(fullPath)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		header.Symlink = target
		return header, io.NopCloser(bytes.NewReader(nil)), nil
	}

	fd, err := unix.Open(fullPath, unix.O_RDONLY, 0)
	if err != nil {
		return object.FileHeader{}, nil, err
	}

	xl, err := xattr.ReadFromFd(fd)
	if err != nil {
		_ = unix.Close(fd)
		return object.FileHeader{}, nil, err
	}
	header.Xattrs = xl

	return header, &fdReadCloser{fd: fd}, nil
}

// loadBareUserFile recovers a bare-user-mode file object's header and
// content, trusting the user.ostreemeta xattr for true ownership/mode/
// xattrs rather than the real (owner-forced) inode.
func (r *Repository) loadBareUserFile(path string) (object.FileHeader, io.ReadCloser, error) {
	if r.root == "" {
		f, err := r.fs.Open(path)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		raw, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		header, payload, err := object.DecodeUncompressedFraming(raw)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		return header, io.NopCloser(bytes.NewReader(payload)), nil
	}

	fullPath := r.root + "/" + path
	fd, err := unix.Open(fullPath, unix.O_RDONLY, 0)
	if err != nil {
		return object.FileHeader{}, nil, err
	}

	metaRaw, err := readXattr(fd, ostreeMetaXattr)
	if err != nil {
		_ = unix.Close(fd)
		return object.FileHeader{}, nil, err
	}
	meta, err := object.DecodeDirMeta(metaRaw)
	if err != nil {
		_ = unix.Close(fd)
		return object.FileHeader{}, nil, err
	}

	header := object.FileHeader{UID: meta.UID, GID: meta.GID, Mode: meta.Mode, Xattrs: meta.Xattrs}

	if isSymlinkMode(meta.Mode) {
		raw, err := io.ReadAll(&fdReadCloser{fd: fd})
		_ = unix.Close(fd)
		if err != nil {
			return object.FileHeader{}, nil, err
		}
		header.Symlink = string(raw)
		return header, io.NopCloser(bytes.NewReader(nil)), nil
	}

	return header, &fdReadCloser{fd: fd}, nil
}

// fdReadCloser adapts a raw file descriptor to io.ReadCloser via pread,
// for the handful of bare/bare-user loads that open a fd directly to
// reach fgetxattr before streaming its content.
type fdReadCloser struct {
	fd  int
	off int64
}

func (f *fdReadCloser) Read(p []byte) (int, error) {
	n, err := unix.Pread(f.fd, p, f.off)
	if err != nil {
		return n, err
	}
	f.off += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *fdReadCloser) Close() error {
	return unix.Close(f.fd)
}

func readXattr(fd int, name string) ([]byte, error) {
	size, err := unix.Fgetxattr(fd, name, nil)
	if err != nil {
		return nil, fmt.Errorf("repo: %s: %w", name, err)
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := unix.Fgetxattr(fd, name, buf); err != nil {
			return nil, fmt.Errorf("repo: %s: %w", name, err)
		}
	}
	return buf, nil
}
