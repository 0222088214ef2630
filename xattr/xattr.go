// Package xattr models the sorted (name, value) extended-attribute list
// shared by dir-meta objects and file object headers (spec §3.2), plus
// helpers that read and write a file descriptor's extended attributes.
package xattr

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Pair is one extended attribute.
type Pair struct {
	Name  []byte
	Value []byte
}

// List is a xattr list kept sorted by Name, the canonical order spec §3.2
// requires before serialization.
type List []Pair

// Sort orders l by Name, ascending byte-lexicographic order.
func (l List) Sort() {
	sort.Slice(l, func(i, j int) bool {
		return bytes.Compare(l[i].Name, l[j].Name) < 0
	})
}

// Sorted reports whether l is already in canonical order.
func (l List) Sorted() bool {
	for i := 1; i < len(l); i++ {
		if bytes.Compare(l[i-1].Name, l[i].Name) >= 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of l.
func (l List) Clone() List {
	out := make(List, len(l))
	for i, p := range l {
		out[i] = Pair{Name: append([]byte(nil), p.Name...), Value: append([]byte(nil), p.Value...)}
	}
	return out
}

// ReadFromFd reads every extended attribute of the file descriptor fd and
// returns them as a sorted List. Used by bare-mode loaders (spec §4.3)
// where true ownership is native and xattrs live directly on the inode.
func ReadFromFd(fd int) (List, error) {
	size, err := unix.Flistxattr(fd, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.ENODATA {
			return nil, nil
		}
		return nil, fmt.Errorf("xattr: flistxattr: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	namebuf := make([]byte, size)
	n, err := unix.Flistxattr(fd, namebuf)
	if err != nil {
		return nil, fmt.Errorf("xattr: flistxattr: %w", err)
	}
	names := splitNames(namebuf[:n])

	var list List
	for _, name := range names {
		vsize, err := unix.Fgetxattr(fd, name, nil)
		if err != nil {
			continue
		}
		val := make([]byte, vsize)
		if vsize > 0 {
			if _, err := unix.Fgetxattr(fd, name, val); err != nil {
				continue
			}
		}
		list = append(list, Pair{Name: []byte(name), Value: val})
	}

	list.Sort()
	return list, nil
}

// WriteToFd applies every pair in l to the file descriptor fd.
func WriteToFd(fd int, l List) error {
	for _, p := range l {
		if err := unix.Fsetxattr(fd, string(p.Name), p.Value, 0); err != nil {
			return fmt.Errorf("xattr: fsetxattr %s: %w", p.Name, err)
		}
	}
	return nil
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
