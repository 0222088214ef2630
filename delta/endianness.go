package delta

import "encoding/binary"

// endiannessMetadataKey is the superblock metadata key that, when
// present, is authoritative over the heuristic below (spec §4.5
// "Endianness detection").
const endiannessMetadataKey = "ostree.endianness"

// compressedSizeSlackRatio is how far a part's compressed size may
// exceed its declared uncompressed size before that part alone is taken
// as evidence of a byteswapped producer.
const compressedSizeSlackRatio = 1.20

// averageObjectSizeByteswapThreshold is the second heuristic signal: an
// implausibly large average per-object size, consistent with a 32-bit
// length field having been read byteswapped.
const averageObjectSizeByteswapThreshold = uint64(1) << 32

// EndiannessResult reports whether a superblock appears to have been
// produced by a generator of different byte order than this host.
// Heuristic reports whether the answer came from the fallback heuristic
// rather than an explicit metadata key, so callers can warn when acting
// on a guess.
type EndiannessResult struct {
	Byteswapped bool
	Heuristic   bool
}

// DetectEndianness implements the two-step procedure spec §4.5 documents:
// an explicit "ostree.endianness" metadata key is authoritative; absent
// that, (a) any part whose compressed size exceeds its uncompressed size
// by more than 20% implies byteswap, else (b) an average object size
// across all parts exceeding 2^32 implies byteswap.
func DetectEndianness(sb Superblock) EndiannessResult {
	if v, ok := sb.Metadata[endiannessMetadataKey]; ok {
		if s, ok := v.AsString(); ok {
			return EndiannessResult{Byteswapped: s != hostEndiannessChar()}
		}
	}

	for _, p := range sb.Parts {
		if p.UncompressedSize == 0 {
			continue
		}
		if float64(p.CompressedSize) > float64(p.UncompressedSize)*compressedSizeSlackRatio {
			return EndiannessResult{Byteswapped: true, Heuristic: true}
		}
	}

	var totalObjects, totalSize uint64
	for _, p := range sb.Parts {
		totalObjects += uint64(len(p.Objects))
		totalSize += p.UncompressedSize
	}
	if totalObjects > 0 && totalSize/totalObjects > averageObjectSizeByteswapThreshold {
		return EndiannessResult{Byteswapped: true, Heuristic: true}
	}

	return EndiannessResult{Byteswapped: false, Heuristic: true}
}

// hostEndiannessChar names this host's native byte order the same way
// the superblock's own "ostree.endianness" metadata value is spelled
// (spec §4.5 "Superblock" field 1): "l" for little, "B" for big.
func hostEndiannessChar() string {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], 1)
	if buf[0] == 1 {
		return "l"
	}
	return "B"
}
