// Package checkout implements materializing a repository's immutable
// tree into a mutable destination directory (spec §4.4): hardlink-first
// with copy fallback, union-overwrite semantics, Docker-style whiteout
// handling, and the uncompressed-object cache used by archive-mode user
// checkouts, plus its opportunistic garbage collector.
package checkout

// Mode selects how ownership and privileged bits are handled.
type Mode int

const (
	// ModeNone preserves uid/gid/mode exactly, including setuid/setgid.
	// Only meaningful when the invoker has the privilege to chown.
	ModeNone Mode = iota
	// ModeUser skips chown entirely and strips setuid/setgid from the
	// mode bits it does apply.
	ModeUser
)

// Overwrite selects how a checkout behaves against a non-empty
// destination.
type Overwrite int

const (
	// OverwriteNone refuses the checkout on any pre-existing conflicting
	// name.
	OverwriteNone Overwrite = iota
	// OverwriteUnionFiles replaces conflicting files (via temp+rename)
	// and merges conflicting directories.
	OverwriteUnionFiles
)

// Options is the closed set of checkout knobs named in spec §4.4.
type Options struct {
	Mode      Mode
	Overwrite Overwrite

	// EnableUncompressedCache allows archive-mode ModeUser checkouts to
	// populate the uncompressed-object cache when hardlinking from it.
	EnableUncompressedCache bool

	// NoCopyFallback aborts the checkout instead of copying when a
	// hardlink attempt fails.
	NoCopyFallback bool

	// ProcessWhiteouts interprets ".wh.NAME" entries as delete markers
	// for NAME in the union target, instead of materializing them
	// verbatim.
	ProcessWhiteouts bool

	// RecordDevino records (dev, ino) -> id in the repository's devino
	// cache for every regular file the checkout hardlinks or copies (spec
	// §4.4 "devino_to_csum_cache").
	RecordDevino bool

	// DisableFsync skips fsync on written files and finalized directories.
	DisableFsync bool

	// AllowPartial permits checking out a commit marked
	// state/<id>.commitpartial (spec's supplemented commit-partial
	// feature). The default, false, refuses with a StateConflict,
	// mirroring the original's refusal to check out an incomplete commit.
	AllowPartial bool
}
