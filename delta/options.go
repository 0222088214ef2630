package delta

import "github.com/objtree/objtree/object"

// Tuning defaults from spec §4.5 "Tuning parameters".
const (
	DefaultMinFallbackSize = 4 * 1024 * 1024
	DefaultMaxBsdiffSize   = 128 * 1024 * 1024
	DefaultMaxChunkSize    = 32 * 1024 * 1024
)

// detachedMetaRelpathKey is the superblock metadata dict key the
// to-commit's detached metadata sidecar is folded under (spec §4.5
// "Superblock" field 1's "<detached-metadata-relpath>: a{sv}" and
// generation step 7). The spec names this by placeholder rather than a
// literal string; this module fixes one concrete key, the same way it
// fixes a concrete byte layout elsewhere for a placeholder the spec
// leaves open (see DESIGN.md).
const detachedMetaRelpathKey = "detached-metadata"

// GenOptions configures Generate (spec §4.5 "Tuning parameters").
type GenOptions struct {
	// MinFallbackSize is the size above which a regular-file object is
	// refused and listed as a fallback instead of packed. 0 disables
	// fallback entirely (every object, however large, is packed).
	MinFallbackSize uint64
	// MaxBsdiffSize caps the old/new object size bsdiff will attempt;
	// above it the generator falls straight to open-splice-close.
	MaxBsdiffSize uint64
	// MaxChunkSize is the uncompressed byte budget a part accumulates
	// before the generator seals it and starts a new one.
	MaxChunkSize uint64
	// BsdiffEnabled turns off the bsdiff fallback entirely when false,
	// leaving rollsum-or-nothing as the only reuse strategy.
	BsdiffEnabled bool
	// Compress controls whether sealed parts are LZMA-compressed. Always
	// true in practice (spec's "compression" parameter names only LZMA
	// today); exposed for tests that want to inspect an uncompressed body.
	Compress bool
	// InlineParts folds small deltas' part bytes directly into the
	// superblock instead of writing sibling files (spec "inline-parts",
	// default false).
	InlineParts bool
	// Timestamp is the superblock's creation time (seconds since epoch).
	Timestamp uint64
	// Metadata is carried verbatim into the superblock's own metadata
	// dict (spec §4.5 "Superblock" field 1).
	Metadata object.Metadata
}

// DefaultGenOptions returns the spec's documented tuning defaults.
func DefaultGenOptions() GenOptions {
	return GenOptions{
		MinFallbackSize: DefaultMinFallbackSize,
		MaxBsdiffSize:   DefaultMaxBsdiffSize,
		MaxChunkSize:    DefaultMaxChunkSize,
		BsdiffEnabled:   true,
		Compress:        true,
	}
}

// ApplyOptions configures Apply (spec §4.5 "Offline application").
type ApplyOptions struct {
	// SkipChecksum skips verifying a loaded part's compressed bytes
	// against its PartHeader.Checksum before decoding it. Only sibling
	// (non-inline) parts are checksummed in the first place; this just
	// lets a caller that already trusts its storage skip the extra hash.
	SkipChecksum bool
}

// PartSource loads a part's on-disk bytes, given its header and index
// within the superblock (sibling files are conventionally named by the
// part's checksum hex string; inline parts come from the superblock
// itself). inline reports whether raw came from the superblock, in which
// case its checksum is not re-verified (spec: it was already covered by
// the superblock's own transport integrity).
type PartSource func(index int, header PartHeader) (raw []byte, inline bool, err error)

// InlinePartSource builds a PartSource that serves a part from sb's own
// InlineData when present, and otherwise delegates to next (typically a
// sibling-file loader).
func InlinePartSource(sb Superblock, next PartSource) PartSource {
	return func(index int, header PartHeader) ([]byte, bool, error) {
		if index < len(sb.InlineData) && sb.InlineData[index] != nil {
			return sb.InlineData[index], true, nil
		}
		return next(index, header)
	}
}
