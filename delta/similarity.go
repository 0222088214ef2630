package delta

import (
	"bytes"
	"path"

	"github.com/objtree/objtree/internal/rollsum"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/repo"
)

// similarityWindow is the ±30% size window spec §4.5's similar-pair
// search allows (step 2).
const similarityWindow = 0.30

// rollsumCoverageThreshold is the fraction of the new file's bytes that
// must come from matched ranges before the generator prefers a rollsum
// plan over a bsdiff patch (spec §4.5 step 3).
const rollsumCoverageThreshold = 0.50

// rollsumBlockSize is the fixed block granularity matches are found at.
// Spec leaves the exact window size unspecified; this module picks one
// small enough to find matches in the modest-sized fixtures its own
// tests exercise while staying a meaningful multiple of a cache line.
const rollsumBlockSize = 64

// fromCandidate is one file object in FROM's tree, indexed for the
// similar-pair search.
type fromCandidate struct {
	ID   objid.ID
	Size uint64
}

// basenameIndex groups FROM's file objects by path basename (spec §4.5
// step 2's "basename match" half of the similar-pair search).
func basenameIndex(r *repo.Repository, from objid.ID) (map[string][]fromCandidate, error) {
	index := make(map[string][]fromCandidate)
	if from.IsZero() {
		return index, nil
	}

	err := r.Walk(from, func(entry repo.WalkEntry) error {
		if entry.IsDir {
			return nil
		}
		_, size, rc, err := r.LoadFile(entry.Content)
		if err != nil {
			return err
		}
		_ = rc.Close()
		base := path.Base(entry.Path)
		index[base] = append(index[base], fromCandidate{ID: entry.Content, Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

// findSimilar picks the best same-basename candidate within ±30% of
// size, per spec §4.5 step 2. Among candidates inside the window it
// prefers the one closest in size.
func findSimilar(candidates []fromCandidate, size uint64) (fromCandidate, bool) {
	lo := uint64(float64(size) * (1 - similarityWindow))
	hi := uint64(float64(size) * (1 + similarityWindow))

	var best fromCandidate
	var bestDelta uint64
	found := false
	for _, c := range candidates {
		if c.Size < lo || c.Size > hi {
			continue
		}
		delta := size - c.Size
		if size < c.Size {
			delta = c.Size - size
		}
		if !found || delta < bestDelta {
			best, bestDelta, found = c, delta, true
		}
	}
	return best, found
}

// matchRange is one contiguous run of to[ToOffset:ToOffset+Length] that
// is byte-identical to from[FromOffset:FromOffset+Length].
type matchRange struct {
	FromOffset, ToOffset, Length int
}

// rollsumMatch scans to for block-aligned ranges that already exist
// somewhere in from, using rollsum as a fast pre-filter before confirming
// with a byte comparison (spec §4.5 step 3, glossary "Rollsum"). It
// returns the matches found, in to-order, and the fraction of to's bytes
// they cover.
func rollsumMatch(from, to []byte) ([]matchRange, float64) {
	if len(from) < rollsumBlockSize || len(to) < rollsumBlockSize {
		return nil, 0
	}

	blockIndex := make(map[uint32][]int)
	for off := 0; off+rollsumBlockSize <= len(from); off += rollsumBlockSize {
		sum := rollsum.Of(from[off : off+rollsumBlockSize])
		blockIndex[sum] = append(blockIndex[sum], off)
	}

	var matches []matchRange
	covered := 0

	roll := rollsum.New(rollsumBlockSize)
	pos := 0
	for pos+rollsumBlockSize <= len(to) {
		roll.Reset()
		var sum uint32
		for i := 0; i < rollsumBlockSize; i++ {
			sum = roll.Roll(to[pos+i])
		}

		matched := false
		for _, foff := range blockIndex[sum] {
			if bytes.Equal(from[foff:foff+rollsumBlockSize], to[pos:pos+rollsumBlockSize]) {
				matches = append(matches, matchRange{FromOffset: foff, ToOffset: pos, Length: rollsumBlockSize})
				covered += rollsumBlockSize
				pos += rollsumBlockSize
				matched = true
				break
			}
		}
		if !matched {
			pos++
		}
	}

	if len(to) == 0 {
		return matches, 0
	}
	return matches, float64(covered) / float64(len(to))
}
