package repo

import "fmt"

// Mode selects how file objects are stored on disk and where their true
// ownership comes from (spec §3.4).
type Mode int

const (
	// ModeBare stores file objects as real regular files/symlinks with
	// real owner, mode bits, and xattrs straight from the filesystem.
	ModeBare Mode = iota
	// ModeBareUser stores real regular files with real mode bits but a
	// forced owner (the invoker); true owner/mode/xattrs live in a
	// user.ostreemeta xattr.
	ModeBareUser
	// ModeArchive stores file objects as a file-object stream with a
	// zlib-compressed payload; owner/mode/xattrs come from the header.
	ModeArchive
)

// String implements fmt.Stringer, matching the config file's spelling
// (spec §6.2).
func (m Mode) String() string {
	switch m {
	case ModeBare:
		return "bare"
	case ModeBareUser:
		return "bare-user"
	case ModeArchive:
		return "archive"
	default:
		return fmt.Sprintf("invalid-mode(%d)", int(m))
	}
}

// ParseMode parses the config file's mode= value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "bare":
		return ModeBare, nil
	case "bare-user":
		return ModeBareUser, nil
	case "archive":
		return ModeArchive, nil
	default:
		return 0, fmt.Errorf("repo: unrecognized mode %q", s)
	}
}

// fileExt returns the loose-object filename extension used for file
// objects in this mode (spec §3.3): "file" for the bare modes, "filez"
// for archive mode.
func (m Mode) fileExt() string {
	if m == ModeArchive {
		return "filez"
	}
	return "file"
}
