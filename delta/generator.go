package delta

import (
	"io"
	"path"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"

	"github.com/objtree/objtree/object"
	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/repo"
	"github.com/objtree/objtree/varint"
	"github.com/objtree/objtree/xattr"
)

// newObjectRef pairs a NEW object with the tree path it was found at
// (for the two metadata objects of a directory, that directory's own path,
// which the similar-pair search never reads), in the order Generate's TO
// walk visited it.
type newObjectRef struct {
	ref  ObjectRef
	path string
}

// Generate produces a static delta packing every object reachable from
// to but not from (spec §4.5 "Generation algorithm"). It returns the
// superblock plus, parallel to sb.Parts by index, each part's on-disk
// bytes (already compressed per opts.Compress) for the caller to persist
// via WritePartsToFilesystem or fold into sb.InlineData.
func Generate(r *repo.Repository, from, to objid.ID, opts GenOptions) (Superblock, [][]byte, error) {
	toCommitRaw, err := r.LoadMetadata(to, objid.TypeCommit)
	if err != nil {
		return Superblock{}, nil, err
	}

	detachedMeta, err := r.ReadCommitMeta(to)
	if err != nil {
		return Superblock{}, nil, err
	}
	metadata := opts.Metadata
	if len(detachedMeta) > 0 {
		metadata = make(object.Metadata, len(opts.Metadata)+1)
		for k, v := range opts.Metadata {
			metadata[k] = v
		}
		metadata[detachedMetaRelpathKey] = object.BytesValue(detachedMeta)
	}

	fromSet := map[ObjectRef]struct{}{}
	if !from.IsZero() {
		fromSet, err = reach(r, from)
		if err != nil {
			return Superblock{}, nil, err
		}
	}

	var walkOrder []newObjectRef
	seen := map[ObjectRef]bool{}
	err = r.Walk(to, func(entry repo.WalkEntry) error {
		if entry.IsDir {
			for _, ref := range [2]ObjectRef{
				{Type: objid.TypeDirTree, ID: entry.TreeID},
				{Type: objid.TypeDirMeta, ID: entry.MetaID},
			} {
				if _, old := fromSet[ref]; old || seen[ref] {
					continue
				}
				seen[ref] = true
				walkOrder = append(walkOrder, newObjectRef{ref: ref, path: entry.Path})
			}
			return nil
		}
		ref := ObjectRef{Type: objid.TypeFile, ID: entry.Content}
		if _, old := fromSet[ref]; old || seen[ref] {
			return nil
		}
		seen[ref] = true
		walkOrder = append(walkOrder, newObjectRef{ref: ref, path: entry.Path})
		return nil
	})
	if err != nil {
		return Superblock{}, nil, err
	}

	basenames, err := basenameIndex(r, from)
	if err != nil {
		return Superblock{}, nil, err
	}

	var parts []PartHeader
	var partBytes [][]byte
	var fallbacks []FallbackEntry
	cur := newPartBuilder()

	sealPart := func() error {
		if len(cur.objects) == 0 {
			return nil
		}
		body := cur.body()
		uncompressedLen := len(body.encode(nil))
		raw, err := encodePartFile(body, opts.Compress)
		if err != nil {
			return err
		}
		parts = append(parts, PartHeader{
			Version:          1,
			Checksum:         objid.Sum256(raw),
			CompressedSize:   uint64(len(raw)),
			UncompressedSize: uint64(uncompressedLen),
			Objects:          cur.objects,
		})
		partBytes = append(partBytes, raw)
		cur = newPartBuilder()
		return nil
	}

	for _, item := range walkOrder {
		switch item.ref.Type {
		case objid.TypeDirTree, objid.TypeDirMeta:
			raw, err := r.LoadMetadata(item.ref.ID, item.ref.Type)
			if err != nil {
				return Superblock{}, nil, err
			}
			cur.emitOpenSpliceCloseMeta(item.ref, raw)

		case objid.TypeFile:
			header, _, rc, err := r.LoadFile(item.ref.ID)
			if err != nil {
				return Superblock{}, nil, err
			}
			var content []byte
			if header.Symlink != "" {
				content = []byte(header.Symlink)
			} else {
				content, err = io.ReadAll(rc)
				_ = rc.Close()
				if err != nil {
					return Superblock{}, nil, err
				}
			}

			if opts.MinFallbackSize > 0 && uint64(len(content)) > opts.MinFallbackSize {
				fallbacks = append(fallbacks, FallbackEntry{
					Type:             item.ref.Type,
					ID:               item.ref.ID,
					CompressedSize:   uint64(len(content)),
					UncompressedSize: uint64(len(content)),
				})
				continue
			}

			if !tryPackSimilar(cur, r, basenames, item.ref, header, content, item.path, opts) {
				cur.emitOpenSpliceCloseFile(item.ref, header, content)
			}
		}

		if uint64(len(cur.blob)) >= opts.MaxChunkSize {
			if err := sealPart(); err != nil {
				return Superblock{}, nil, err
			}
		}
	}
	if err := sealPart(); err != nil {
		return Superblock{}, nil, err
	}

	var inlineData [][]byte
	if opts.InlineParts {
		inlineData = partBytes
	}

	sb := Superblock{
		Metadata:    metadata,
		Timestamp:   opts.Timestamp,
		From:        from,
		To:          to,
		ToCommitRaw: toCommitRaw,
		Parts:       parts,
		Fallbacks:   fallbacks,
		InlineData:  inlineData,
	}
	return sb, partBytes, nil
}

// tryPackSimilar attempts the rollsum-or-bsdiff reuse path (spec §4.5
// steps 2-3) for a regular file's new content against a same-basename,
// similarly-sized candidate already local from FROM. It reports whether
// it emitted anything, leaving the open-splice-close fallback to the
// caller when it returns false.
func tryPackSimilar(b *partBuilder, r *repo.Repository, basenames map[string][]fromCandidate, ref ObjectRef, header object.FileHeader, content []byte, toPath string, opts GenOptions) bool {
	if isSymlinkMode(header.Mode) {
		return false
	}
	candidates := basenames[path.Base(toPath)]
	if len(candidates) == 0 {
		return false
	}
	cand, ok := findSimilar(candidates, uint64(len(content)))
	if !ok {
		return false
	}

	fromHeader, _, fromRc, err := r.LoadFile(cand.ID)
	if err != nil {
		return false
	}
	var fromContent []byte
	if fromHeader.Symlink != "" {
		fromContent = []byte(fromHeader.Symlink)
	} else {
		fromContent, err = io.ReadAll(fromRc)
		_ = fromRc.Close()
		if err != nil {
			return false
		}
	}

	if matches, coverage := rollsumMatch(fromContent, content); coverage >= rollsumCoverageThreshold {
		b.emitRollsumFile(ref, header, cand.ID, content, matches)
		return true
	}

	if opts.BsdiffEnabled &&
		uint64(len(fromContent)) <= opts.MaxBsdiffSize &&
		uint64(len(content)) <= opts.MaxBsdiffSize {
		patch, err := bsdiff.Bytes(fromContent, content)
		if err == nil {
			b.emitBsdiffFile(ref, header, cand.ID, patch, len(content))
			return true
		}
	}

	return false
}

// partBuilder accumulates one part's mode/xattr dedup tables, blob, and
// opcode stream, handing out stable indices for repeated (uid,gid,mode)
// and xattr.List values.
type partBuilder struct {
	modes       []ModeEntry
	modeIndex   map[ModeEntry]uint64
	xattrGroups []xattr.List
	xattrIndex  map[string]uint64
	blob        []byte
	ops         []byte
	objects     []ObjectRef
}

func newPartBuilder() *partBuilder {
	return &partBuilder{
		modeIndex:  map[ModeEntry]uint64{},
		xattrIndex: map[string]uint64{},
	}
}

func (b *partBuilder) modeIdx(h object.FileHeader) uint64 {
	key := ModeEntry{UID: h.UID, GID: h.GID, Mode: h.Mode}
	if idx, ok := b.modeIndex[key]; ok {
		return idx
	}
	idx := uint64(len(b.modes))
	b.modes = append(b.modes, key)
	b.modeIndex[key] = idx
	return idx
}

func (b *partBuilder) xattrIdx(xl xattr.List) uint64 {
	key := xattrKey(xl)
	if idx, ok := b.xattrIndex[key]; ok {
		return idx
	}
	idx := uint64(len(b.xattrGroups))
	b.xattrGroups = append(b.xattrGroups, xl)
	b.xattrIndex[key] = idx
	return idx
}

func (b *partBuilder) appendBlob(data []byte) uint64 {
	offset := uint64(len(b.blob))
	b.blob = append(b.blob, data...)
	return offset
}

// emitOpenSpliceCloseMeta packs a dir-tree or dir-meta object whole.
func (b *partBuilder) emitOpenSpliceCloseMeta(ref ObjectRef, raw []byte) {
	offset := b.appendBlob(raw)
	b.ops = append(b.ops, OpOpenSpliceClose)
	b.ops = varint.Encode(b.ops, uint64(len(raw)))
	b.ops = varint.Encode(b.ops, offset)
	b.objects = append(b.objects, ref)
}

// emitOpenSpliceCloseFile packs a file object whole: content is either
// the full payload or, for a symlink, its target string.
func (b *partBuilder) emitOpenSpliceCloseFile(ref ObjectRef, header object.FileHeader, content []byte) {
	modeIdx := b.modeIdx(header)
	xattrIdx := b.xattrIdx(header.Xattrs)
	offset := b.appendBlob(content)
	b.ops = append(b.ops, OpOpenSpliceClose)
	b.ops = varint.Encode(b.ops, modeIdx)
	b.ops = varint.Encode(b.ops, xattrIdx)
	b.ops = varint.Encode(b.ops, uint64(len(content)))
	b.ops = varint.Encode(b.ops, offset)
	b.objects = append(b.objects, ref)
}

// emitRollsumFile packs a file object as open + set-read-source +
// alternating write (gap bytes from blob, matched ranges from the read
// source) + close (spec §4.5 step 3's rollsum path).
func (b *partBuilder) emitRollsumFile(ref ObjectRef, header object.FileHeader, fromID objid.ID, to []byte, matches []matchRange) {
	modeIdx := b.modeIdx(header)
	xattrIdx := b.xattrIdx(header.Xattrs)

	b.ops = append(b.ops, OpOpen)
	b.ops = varint.Encode(b.ops, modeIdx)
	b.ops = varint.Encode(b.ops, xattrIdx)
	b.ops = varint.Encode(b.ops, uint64(len(to)))

	idOffset := b.appendBlob(fromID.Bytes())
	b.ops = append(b.ops, OpSetReadSource)
	b.ops = varint.Encode(b.ops, idOffset)
	sourceSet := true

	writeGap := func(gap []byte) {
		if sourceSet {
			b.ops = append(b.ops, OpUnsetReadSource)
			sourceSet = false
		}
		gapOffset := b.appendBlob(gap)
		b.ops = append(b.ops, OpWrite)
		b.ops = varint.Encode(b.ops, uint64(len(gap)))
		b.ops = varint.Encode(b.ops, gapOffset)
	}

	pos := 0
	for _, m := range matches {
		if m.ToOffset > pos {
			writeGap(to[pos:m.ToOffset])
		}
		if !sourceSet {
			b.ops = append(b.ops, OpSetReadSource)
			b.ops = varint.Encode(b.ops, idOffset)
			sourceSet = true
		}
		b.ops = append(b.ops, OpWrite)
		b.ops = varint.Encode(b.ops, uint64(m.Length))
		b.ops = varint.Encode(b.ops, uint64(m.FromOffset))
		pos = m.ToOffset + m.Length
	}
	if pos < len(to) {
		writeGap(to[pos:])
	}

	b.ops = append(b.ops, OpClose)
	b.objects = append(b.objects, ref)
}

// emitBsdiffFile packs a file object as open + set-read-source + bspatch
// + close (spec §4.5 step 3's bsdiff fallback).
func (b *partBuilder) emitBsdiffFile(ref ObjectRef, header object.FileHeader, fromID objid.ID, patch []byte, toLen int) {
	modeIdx := b.modeIdx(header)
	xattrIdx := b.xattrIdx(header.Xattrs)

	b.ops = append(b.ops, OpOpen)
	b.ops = varint.Encode(b.ops, modeIdx)
	b.ops = varint.Encode(b.ops, xattrIdx)
	b.ops = varint.Encode(b.ops, uint64(toLen))

	idOffset := b.appendBlob(fromID.Bytes())
	b.ops = append(b.ops, OpSetReadSource)
	b.ops = varint.Encode(b.ops, idOffset)

	patchOffset := b.appendBlob(patch)
	b.ops = append(b.ops, OpBspatch)
	b.ops = varint.Encode(b.ops, uint64(len(patch)))
	b.ops = varint.Encode(b.ops, patchOffset)

	b.ops = append(b.ops, OpClose)
	b.objects = append(b.objects, ref)
}

func (b *partBuilder) body() PartBody {
	return PartBody{Modes: b.modes, XattrGroups: b.xattrGroups, Blob: b.blob, Ops: b.ops}
}
