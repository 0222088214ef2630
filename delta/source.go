package delta

import (
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
)

// SuperblockRelPath returns the repository-relative path a delta's
// superblock lives at (spec §4.5 step 7): "deltas/<name-prefix>/<name-
// rest>/superblock", the same two-level bucketing loose objects use,
// applied to the delta's own opaque name string instead of a hash.
func SuperblockRelPath(name string) string {
	if len(name) < 2 {
		return "deltas/" + name + "/superblock"
	}
	return "deltas/" + name[:2] + "/" + name[2:] + "/superblock"
}

// FilesystemPartSource builds a PartSource that reads a non-inline part
// from dir/<checksum-hex>, the convention WritePartsToFilesystem uses
// (spec §4.5: parts not folded inline live as sibling files next to the
// superblock).
func FilesystemPartSource(fs billy.Filesystem, dir string) PartSource {
	return func(index int, header PartHeader) ([]byte, bool, error) {
		name := dir + "/" + header.Checksum.String()
		f, err := fs.Open(name)
		if err != nil {
			return nil, false, fmt.Errorf("delta: open part %s: %w", name, err)
		}
		defer f.Close()

		raw, err := io.ReadAll(f)
		if err != nil {
			return nil, false, fmt.Errorf("delta: read part %s: %w", name, err)
		}
		return raw, false, nil
	}
}

// WritePartsToFilesystem writes every non-inline part of sb to
// dir/<checksum-hex>, the counterpart FilesystemPartSource reads back.
func WritePartsToFilesystem(fs billy.Filesystem, dir string, sb Superblock, partBytes [][]byte) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("delta: mkdir %s: %w", dir, err)
	}
	for i, p := range sb.Parts {
		if i < len(sb.InlineData) && sb.InlineData[i] != nil {
			continue
		}
		name := dir + "/" + p.Checksum.String()
		f, err := fs.Create(name)
		if err != nil {
			return fmt.Errorf("delta: create part %s: %w", name, err)
		}
		if _, err := f.Write(partBytes[i]); err != nil {
			_ = f.Close()
			return fmt.Errorf("delta: write part %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("delta: close part %s: %w", name, err)
		}
	}
	return nil
}
