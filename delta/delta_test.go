package delta

import (
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/require"

	"github.com/objtree/objtree/commitbuilder"
	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
	"github.com/objtree/objtree/repo"
)

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	cfg := repo.DefaultConfig()
	cfg.Mode = repo.ModeBare
	r, err := repo.Create(osfs.New(t.TempDir()), cfg)
	require.NoError(t, err)
	return r
}

// importClosure copies commitID and everything it transitively reaches in
// src into dst, the way a peer that already holds an older commit would
// arrive at having FROM present locally before a delta is applied.
func importClosure(t *testing.T, dst, src *repo.Repository, commitID objid.ID) {
	t.Helper()
	require.NoError(t, dst.Import(src, commitID, objid.TypeCommit, true))
	require.NoError(t, src.Walk(commitID, func(entry repo.WalkEntry) error {
		if entry.IsDir {
			require.NoError(t, dst.Import(src, entry.MetaID, objid.TypeDirMeta, true))
			require.NoError(t, dst.Import(src, entry.TreeID, objid.TypeDirTree, true))
			return nil
		}
		return dst.Import(src, entry.Content, objid.TypeFile, true)
	}))
}

// readFileAt reads the full content of a file object (symlink target for
// symlinks, payload otherwise), for comparing NEW trees across repos.
func readFileAt(t *testing.T, r *repo.Repository, id objid.ID) []byte {
	t.Helper()
	header, _, rc, err := r.LoadFile(id)
	require.NoError(t, err)
	if header.Symlink != "" {
		return []byte(header.Symlink)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	return content
}

// buildFromCommit writes a root "a.txt" and "sub/b.txt", returning the
// commit id.
func buildFromCommit(t *testing.T, r *repo.Repository, aContent, bContent string) objid.ID {
	t.Helper()
	txn, err := r.NewTransaction()
	require.NoError(t, err)

	b := commitbuilder.New(r, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader(aContent))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader(bContent))
	require.NoError(t, err)

	commitID, err := commitbuilder.BuildCommit(b, "from", "", 0, objid.ID{}, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return commitID
}

func partSourceFor(partBytes [][]byte) PartSource {
	return func(index int, header PartHeader) ([]byte, bool, error) {
		return partBytes[index], false, nil
	}
}

// TestGenerateApplyRoundTrip covers spec §8 property 9: generating a
// delta F -> T and applying it into a repository that already has F
// reproduces T, and re-applying the same delta is a no-op.
func TestGenerateApplyRoundTrip(t *testing.T) {
	src := newTestRepo(t)
	aOriginal := strings.Repeat("A", 4000)
	fromID := buildFromCommit(t, src, aOriginal, "nested original")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	// Same long prefix plus a short suffix: rollsum should find most of
	// the old content intact.
	aModified := aOriginal + "TAIL-APPENDED"
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader(aModified))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("nested original"))
	require.NoError(t, err)
	_, err = b.AddFile("new.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("brand new file"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	opts := DefaultGenOptions()
	sb, partBytes, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)
	require.Empty(t, sb.Fallbacks)
	require.NotEmpty(t, sb.Parts)

	dst := newTestRepo(t)
	importClosure(t, dst, src, fromID)

	source := partSourceFor(partBytes)
	require.NoError(t, Apply(dst, sb, source, ApplyOptions{}))

	has, err := dst.Has(toID, objid.TypeCommit)
	require.NoError(t, err)
	require.True(t, has)

	var gotPaths []string
	gotContent := map[string][]byte{}
	require.NoError(t, dst.Walk(toID, func(entry repo.WalkEntry) error {
		if entry.IsDir {
			return nil
		}
		gotPaths = append(gotPaths, entry.Path)
		gotContent[entry.Path] = readFileAt(t, dst, entry.Content)
		return nil
	}))
	require.ElementsMatch(t, []string{"/a.txt", "/sub/b.txt", "/new.txt"}, gotPaths)
	require.Equal(t, aModified, string(gotContent["/a.txt"]))
	require.Equal(t, "nested original", string(gotContent["/sub/b.txt"]))
	require.Equal(t, "brand new file", string(gotContent["/new.txt"]))

	// Idempotent re-apply: every declared object is already local, so
	// every part is skipped and the commit write is a no-op.
	require.NoError(t, Apply(dst, sb, source, ApplyOptions{}))
}

// TestGenerateApplyCarriesDetachedMetadata covers spec.md:297, 385-387 and
// 401: a to-commit's detached metadata sidecar (commitmeta) travels inside
// the superblock's metadata dict and is restored on apply, without the
// caller's own GenOptions.Metadata being mutated in the process.
func TestGenerateApplyCarriesDetachedMetadata(t *testing.T) {
	src := newTestRepo(t)
	fromID := buildFromCommit(t, src, "a content", "b content")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("a content modified"))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("b content"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	sidecar := []byte("detached signature bytes")
	require.NoError(t, src.WriteCommitMeta(toID, sidecar))

	opts := DefaultGenOptions()
	opts.Metadata = object.Metadata{"caller-key": object.StringValue("caller-value")}
	sb, partBytes, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)

	// The caller's own map must come back untouched.
	require.Len(t, opts.Metadata, 1)
	_, hasDetached := opts.Metadata[detachedMetaRelpathKey]
	require.False(t, hasDetached, "Generate must not mutate the caller's Metadata map")

	v, ok := sb.Metadata[detachedMetaRelpathKey]
	require.True(t, ok, "superblock metadata must carry the detached sidecar")
	got, ok := v.AsBytes()
	require.True(t, ok)
	require.Equal(t, sidecar, got)

	dst := newTestRepo(t)
	importClosure(t, dst, src, fromID)
	require.NoError(t, Apply(dst, sb, partSourceFor(partBytes), ApplyOptions{}))

	restored, err := dst.ReadCommitMeta(toID)
	require.NoError(t, err)
	require.Equal(t, sidecar, restored)
}

// TestGenerateOmitsDetachedMetadataKeyWhenAbsent ensures Generate doesn't
// invent a sidecar entry when the to-commit has none.
func TestGenerateOmitsDetachedMetadataKeyWhenAbsent(t *testing.T) {
	src := newTestRepo(t)
	fromID := buildFromCommit(t, src, "a content", "b content")
	toID := buildFromCommit(t, src, "a content modified", "b content")

	sb, _, err := Generate(src, fromID, toID, DefaultGenOptions())
	require.NoError(t, err)
	_, ok := sb.Metadata[detachedMetaRelpathKey]
	require.False(t, ok)
}

// TestApplyRejectsMalformedOpcodeStream covers spec §8 property 10:
// opcode protocol violations are rejected, with no trusted commit left
// reachable afterward.
func TestApplyRejectsMalformedOpcodeStream(t *testing.T) {
	src := newTestRepo(t)
	fromID := buildFromCommit(t, src, "a content", "b content")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("a content changed"))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("b content"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	opts := DefaultGenOptions()
	sb, partBytes, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)
	require.NotEmpty(t, sb.Parts)

	dst := newTestRepo(t)
	importClosure(t, dst, src, fromID)

	body, err := decodePartFile(partBytes[0])
	require.NoError(t, err)
	require.NotEmpty(t, body.Ops)

	corrupted := append([]byte(nil), body.Ops...)
	corrupted[0] = 0xAA // unknown opcode byte
	corruptBody := body
	corruptBody.Ops = corrupted
	corruptRaw, err := encodePartFile(corruptBody, opts.Compress)
	require.NoError(t, err)

	corruptParts := append([][]byte(nil), partBytes...)
	corruptParts[0] = corruptRaw
	corruptSB := sb
	corruptSB.Parts = append([]PartHeader(nil), sb.Parts...)
	corruptSB.Parts[0].Checksum = objid.Sum256(corruptRaw)
	corruptSB.Parts[0].CompressedSize = uint64(len(corruptRaw))

	err = Apply(dst, corruptSB, partSourceFor(corruptParts), ApplyOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ostreeerr.InvalidFormat))

	// No transaction was committed, so the to-commit must not be markable
	// as fully present: it was never cleared of its partial marker.
	partial, perr := dst.IsCommitPartial(toID)
	require.NoError(t, perr)
	require.True(t, partial)
}

// TestApplyRejectsOutOfRangeBlobOffset covers the other half of spec §8
// property 10: an out-of-range blob offset is a protocol error too.
func TestApplyRejectsOutOfRangeBlobOffset(t *testing.T) {
	src := newTestRepo(t)
	fromID := buildFromCommit(t, src, "a content", "b content")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("a content changed"))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("b content"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	opts := DefaultGenOptions()
	sb, partBytes, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)
	require.NotEmpty(t, sb.Parts)

	dst := newTestRepo(t)
	importClosure(t, dst, src, fromID)

	body, err := decodePartFile(partBytes[0])
	require.NoError(t, err)

	// Empty the blob so whichever opcode comes first names a blob range
	// that no longer exists and fails executeOps' range check.
	corruptBody := body
	corruptBody.Blob = nil
	corruptRaw, err := encodePartFile(corruptBody, opts.Compress)
	require.NoError(t, err)

	corruptParts := append([][]byte(nil), partBytes...)
	corruptParts[0] = corruptRaw
	corruptSB := sb
	corruptSB.Parts = append([]PartHeader(nil), sb.Parts...)
	corruptSB.Parts[0].Checksum = objid.Sum256(corruptRaw)
	corruptSB.Parts[0].CompressedSize = uint64(len(corruptRaw))

	err = Apply(dst, corruptSB, partSourceFor(corruptParts), ApplyOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ostreeerr.InvalidFormat))
}

// TestDetectEndiannessMetadataKeyAuthoritative covers spec §8 property 11:
// an explicit ostree.endianness key overrides the heuristic in either
// direction.
func TestDetectEndiannessMetadataKeyAuthoritative(t *testing.T) {
	host := hostEndiannessChar()
	other := "B"
	if host == "B" {
		other = "l"
	}

	same := Superblock{Metadata: object.Metadata{endiannessMetadataKey: object.StringValue(host)}}
	res := DetectEndianness(same)
	require.False(t, res.Byteswapped)
	require.False(t, res.Heuristic)

	swapped := Superblock{Metadata: object.Metadata{endiannessMetadataKey: object.StringValue(other)}}
	res = DetectEndianness(swapped)
	require.True(t, res.Byteswapped)
	require.False(t, res.Heuristic)
}

// TestDetectEndiannessHeuristicFallback covers the no-metadata-key path:
// a part whose compressed size badly exceeds its declared uncompressed
// size is taken as evidence the producer's integers were byteswapped.
func TestDetectEndiannessHeuristicFallback(t *testing.T) {
	clean := Superblock{Parts: []PartHeader{{CompressedSize: 100, UncompressedSize: 200}}}
	res := DetectEndianness(clean)
	require.False(t, res.Byteswapped)
	require.True(t, res.Heuristic)

	swapped := Superblock{Parts: []PartHeader{{CompressedSize: 300, UncompressedSize: 200}}}
	res = DetectEndianness(swapped)
	require.True(t, res.Byteswapped)
	require.True(t, res.Heuristic)

	hugeAvg := Superblock{Parts: []PartHeader{{
		CompressedSize:   100,
		UncompressedSize: uint64(1) << 34,
		Objects:          []ObjectRef{{Type: objid.TypeFile}},
	}}}
	res = DetectEndianness(hugeAvg)
	require.True(t, res.Byteswapped)
	require.True(t, res.Heuristic)
}

// TestParseNameScenarioS2 covers spec §8 scenario S2: a delta name is
// either a bare "<to>" hex id or "<from>-<to>".
func TestParseNameScenarioS2(t *testing.T) {
	a := objid.Sum256([]byte("commit a"))
	b := objid.Sum256([]byte("commit b"))

	from, to, err := ParseName(a.String() + "-" + b.String())
	require.NoError(t, err)
	require.Equal(t, a, from)
	require.Equal(t, b, to)

	from, to, err = ParseName(b.String())
	require.NoError(t, err)
	require.True(t, from.IsZero())
	require.Equal(t, b, to)

	_, _, err = ParseName("")
	require.Error(t, err)

	_, _, err = ParseName("GARBAGE")
	require.Error(t, err)

	_, _, err = ParseName("GARBAGE-" + b.String())
	require.Error(t, err)

	_, _, err = ParseName(a.String() + "-GARBAGE")
	require.Error(t, err)
}

// TestGenerateIdenticalCommitsIsEmpty covers spec §8 scenario S5:
// generating a delta between two identical commits yields no parts and
// no fallbacks, and applying it is a no-op.
func TestGenerateIdenticalCommitsIsEmpty(t *testing.T) {
	r := newTestRepo(t)
	commitID := buildFromCommit(t, r, "unchanged a", "unchanged b")

	sb, partBytes, err := Generate(r, commitID, commitID, DefaultGenOptions())
	require.NoError(t, err)
	require.Empty(t, sb.Parts)
	require.Empty(t, sb.Fallbacks)
	require.Empty(t, partBytes)

	require.NoError(t, Apply(r, sb, partSourceFor(partBytes), ApplyOptions{}))
}

// TestGenerateSelectsBsdiffWhenRollsumCoverageIsLow covers spec §8
// scenario S6: a same-basename, same-size candidate whose bytes are
// independent of the new file's, so rollsum coverage falls under 50%, falls
// back to bsdiff, emitting exactly one open/set-read-source/bspatch/close
// sequence for that object.
func TestGenerateSelectsBsdiffWhenRollsumCoverageIsLow(t *testing.T) {
	src := newTestRepo(t)

	// Fill both files with independent random bytes so no 64-byte rollsum
	// block survives intact, while keeping the basename and overall size
	// within the similarity window.
	half := 512
	oldBuf := make([]byte, half*2)
	rng := rand.New(rand.NewSource(1))
	rng.Read(oldBuf)
	newBuf := make([]byte, half*2)
	rng.Read(newBuf) // wholly independent bytes: no 64-byte run in common

	fromID := buildFromCommit(t, src, string(oldBuf), "nested original")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader(string(newBuf)))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("nested original"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	matches, coverage := rollsumMatch(oldBuf, newBuf)
	require.Less(t, coverage, rollsumCoverageThreshold, "test fixture must force coverage under threshold, matches=%v", matches)

	opts := DefaultGenOptions()
	sb, partBytes, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)
	require.NotEmpty(t, sb.Parts)

	body, err := decodePartFile(partBytes[0])
	require.NoError(t, err)

	// Walk the opcode stream the same way executeOps does, so
	// OpOpenSpliceClose's two possible operand shapes (meta vs file) are
	// told apart by the declared object's type rather than guessed at.
	objects := sb.Parts[0].Objects
	rd := &opReader{b: body.Ops}
	var sequence []byte
	objIdx := 0
	open := false
	for !rd.done() {
		op, ok := rd.byte()
		if !ok {
			break
		}
		sequence = append(sequence, op)
		switch op {
		case OpOpenSpliceClose:
			ref := objects[objIdx]
			if ref.Type == objid.TypeFile {
				_, _ = rd.varint() // modeIdx
				_, _ = rd.varint() // xattrIdx
				_, _ = rd.varint() // size
				_, _ = rd.varint() // blobOffset
			} else {
				_, _ = rd.varint() // size
				_, _ = rd.varint() // blobOffset
			}
			objIdx++
		case OpOpen:
			_, _ = rd.varint()
			_, _ = rd.varint()
			_, _ = rd.varint()
			open = true
		case OpSetReadSource:
			_, _ = rd.varint()
		case OpUnsetReadSource:
		case OpWrite:
			_, _ = rd.varint()
			_, _ = rd.varint()
		case OpBspatch:
			_, _ = rd.varint()
			_, _ = rd.varint()
		case OpClose:
			require.True(t, open)
			open = false
			objIdx++
		default:
			t.Fatalf("unexpected opcode %d", op)
		}
	}
	require.Equal(t, len(objects), objIdx)

	require.Equal(t, 1, strings.Count(string(sequence), string([]byte{OpOpen, OpSetReadSource, OpBspatch, OpClose})),
		"expected exactly one open/set-read-source/bspatch/close sequence")

	dst := newTestRepo(t)
	importClosure(t, dst, src, fromID)
	require.NoError(t, Apply(dst, sb, partSourceFor(partBytes), ApplyOptions{}))

	got := readFileAt(t, dst, mustFindFileID(t, dst, toID, "/a.txt"))
	require.Equal(t, string(newBuf), string(got))
}

// TestNewObjectsMatchesGeneratedObjectSet checks NewObjects' standalone
// reach(to)\reach(from) computation agrees with the object set Generate
// actually packs, for a caller that wants to size a delta before
// generating it.
func TestNewObjectsMatchesGeneratedObjectSet(t *testing.T) {
	src := newTestRepo(t)
	fromID := buildFromCommit(t, src, "a content", "b content")

	txn, err := src.NewTransaction()
	require.NoError(t, err)
	b := commitbuilder.New(src, txn)
	b.SetDirMeta("", object.DirMeta{Mode: 0o40755})
	b.SetDirMeta("sub", object.DirMeta{Mode: 0o40755})
	_, err = b.AddFile("a.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("a content changed"))
	require.NoError(t, err)
	_, err = b.AddFile("sub/b.txt", object.FileHeader{Mode: 0o100644}, strings.NewReader("b content"))
	require.NoError(t, err)
	toID, err := commitbuilder.BuildCommit(b, "to", "", 0, fromID, object.Metadata{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	opts := DefaultGenOptions()
	sb, _, err := Generate(src, fromID, toID, opts)
	require.NoError(t, err)

	wantRefs := map[ObjectRef]bool{}
	for _, p := range sb.Parts {
		for _, ref := range p.Objects {
			wantRefs[ref] = true
		}
	}
	// The to-commit is new too; it travels embedded in the superblock
	// (ToCommitRaw) rather than in a part.
	wantRefs[ObjectRef{Type: objid.TypeCommit, ID: toID}] = true

	got, err := NewObjects(src, fromID, toID)
	require.NoError(t, err)
	gotRefs := map[ObjectRef]bool{}
	for _, ref := range got {
		gotRefs[ref] = true
	}
	require.Equal(t, wantRefs, gotRefs)
}

func mustFindFileID(t *testing.T, r *repo.Repository, commitID objid.ID, wantPath string) objid.ID {
	t.Helper()
	var found objid.ID
	require.NoError(t, r.Walk(commitID, func(entry repo.WalkEntry) error {
		if !entry.IsDir && entry.Path == wantPath {
			found = entry.Content
		}
		return nil
	}))
	require.False(t, found.IsZero(), "path %s not found", wantPath)
	return found
}
