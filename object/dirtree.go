package object

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/varint"
)

// FileEntry names one regular file or symlink in a dir-tree listing.
type FileEntry struct {
	Name    string
	Content objid.ID
}

// DirEntry names one subdirectory in a dir-tree listing.
type DirEntry struct {
	Name string
	Tree objid.ID
	Meta objid.ID
}

// DirTree is the ordered listing of one directory's children (spec §3.1).
// Files and directories are each sorted byte-lexicographically by name,
// and the two lists are independent namespaces on disk (this package does
// not enforce that a file and directory don't share a name; callers that
// build trees from a real filesystem never produce that).
type DirTree struct {
	Files []FileEntry
	Dirs  []DirEntry
}

// Sort orders Files and Dirs by Name, the canonical order Encode requires.
func (t *DirTree) Sort() {
	sort.Slice(t.Files, func(i, j int) bool { return t.Files[i].Name < t.Files[j].Name })
	sort.Slice(t.Dirs, func(i, j int) bool { return t.Dirs[i].Name < t.Dirs[j].Name })
}

// Encode appends the canonical serialization of t to dst. t must already
// be sorted (call Sort first); Encode does not sort defensively so that a
// caller assembling a tree bottom-up controls exactly when sorting happens.
func (t DirTree) Encode(dst []byte) []byte {
	dst = varint.Encode(dst, uint64(len(t.Files)))
	for _, f := range t.Files {
		dst = encodeString(dst, f.Name)
		dst = append(dst, f.Content[:]...)
	}

	dst = varint.Encode(dst, uint64(len(t.Dirs)))
	for _, d := range t.Dirs {
		dst = encodeString(dst, d.Name)
		dst = append(dst, d.Tree[:]...)
		dst = append(dst, d.Meta[:]...)
	}
	return dst
}

// DecodeDirTree parses a DirTree previously written by Encode. It
// validates that both lists are sorted and name-unique, per spec §3.2.
func DecodeDirTree(b []byte) (DirTree, error) {
	var t DirTree
	off := 0

	fileCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return t, fmt.Errorf("object: dirtree file count: %w", err)
	}
	off += n

	t.Files = make([]FileEntry, 0, fileCount)
	for i := uint64(0); i < fileCount; i++ {
		name, n, err := decodeString(b[off:])
		if err != nil {
			return t, fmt.Errorf("object: dirtree file name: %w", err)
		}
		off += n
		if len(b)-off < objid.Size {
			return t, fmt.Errorf("object: dirtree: truncated file id")
		}
		id, _ := objid.FromBytes(b[off : off+objid.Size])
		off += objid.Size
		t.Files = append(t.Files, FileEntry{Name: name, Content: id})
	}

	dirCount, n, err := varint.Decode(b[off:])
	if err != nil {
		return t, fmt.Errorf("object: dirtree dir count: %w", err)
	}
	off += n

	t.Dirs = make([]DirEntry, 0, dirCount)
	for i := uint64(0); i < dirCount; i++ {
		name, n, err := decodeString(b[off:])
		if err != nil {
			return t, fmt.Errorf("object: dirtree dir name: %w", err)
		}
		off += n
		if len(b)-off < objid.Size*2 {
			return t, fmt.Errorf("object: dirtree: truncated dir ids")
		}
		tid, _ := objid.FromBytes(b[off : off+objid.Size])
		off += objid.Size
		mid, _ := objid.FromBytes(b[off : off+objid.Size])
		off += objid.Size
		t.Dirs = append(t.Dirs, DirEntry{Name: name, Tree: tid, Meta: mid})
	}

	if off != len(b) {
		return t, fmt.Errorf("object: dirtree: %d trailing bytes", len(b)-off)
	}

	if err := checkSortedUnique(t.Files); err != nil {
		return t, fmt.Errorf("object: dirtree files: %w", err)
	}
	if err := checkSortedUniqueDirs(t.Dirs); err != nil {
		return t, fmt.Errorf("object: dirtree dirs: %w", err)
	}

	return t, nil
}

func checkSortedUnique(files []FileEntry) error {
	for i := 1; i < len(files); i++ {
		c := bytes.Compare([]byte(files[i-1].Name), []byte(files[i].Name))
		if c == 0 {
			return fmt.Errorf("duplicate name %q", files[i].Name)
		}
		if c > 0 {
			return fmt.Errorf("names not sorted at %q", files[i].Name)
		}
	}
	return nil
}

func checkSortedUniqueDirs(dirs []DirEntry) error {
	for i := 1; i < len(dirs); i++ {
		c := bytes.Compare([]byte(dirs[i-1].Name), []byte(dirs[i].Name))
		if c == 0 {
			return fmt.Errorf("duplicate name %q", dirs[i].Name)
		}
		if c > 0 {
			return fmt.Errorf("names not sorted at %q", dirs[i].Name)
		}
	}
	return nil
}
