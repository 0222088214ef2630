// Package ostreeerr defines the error taxonomy shared by repo, checkout,
// and delta (spec §7): a small closed set of kinds, not names, so callers
// can branch on errors.Is/errors.As regardless of which package raised
// them.
package ostreeerr

import (
	"errors"
	"fmt"

	"github.com/objtree/objtree/objid"
)

// Kind is one of the error taxonomy's closed set of categories.
type Kind int

const (
	// KindNotFound: missing object, missing commit, missing part file.
	KindNotFound Kind = iota + 1
	// KindCorruptedObject: checksum mismatch, invalid header, malformed
	// varint, truncated object.
	KindCorruptedObject
	// KindInvalidFormat: wrong repo version, unrecognized mode, bad
	// opcode, out-of-range offset, unsupported compression.
	KindInvalidFormat
	// KindStateConflict: object exists with different content, a
	// transaction is already open, a ref still points at a commit being
	// deleted.
	KindStateConflict
	// KindPermissionDenied: EPERM/EACCES on loose-object I/O.
	KindPermissionDenied
	// KindIOError: any other underlying syscall failure.
	KindIOError
	// KindUnsupported: a feature disabled at build time (no LZMA, etc).
	KindUnsupported
	// KindDeltaRequiresNetwork: offline delta apply with a non-empty
	// fallback list.
	KindDeltaRequiresNetwork
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindCorruptedObject:
		return "corrupted object"
	case KindInvalidFormat:
		return "invalid format"
	case KindStateConflict:
		return "state conflict"
	case KindPermissionDenied:
		return "permission denied"
	case KindIOError:
		return "io error"
	case KindUnsupported:
		return "unsupported"
	case KindDeltaRequiresNetwork:
		return "delta requires network"
	default:
		return "unknown"
	}
}

// Error is a kinded error wrapping an optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports target-kind equality so errors.Is(err, ostreeerr.NotFound)
// works regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinels usable with errors.Is, one per Kind, with no Op/Err set.
var (
	NotFound             = &Error{Kind: KindNotFound}
	Corrupted            = &Error{Kind: KindCorruptedObject}
	InvalidFormat        = &Error{Kind: KindInvalidFormat}
	StateConflict        = &Error{Kind: KindStateConflict}
	PermissionDenied     = &Error{Kind: KindPermissionDenied}
	IOError              = &Error{Kind: KindIOError}
	Unsupported          = &Error{Kind: KindUnsupported}
	DeltaRequiresNetwork = &Error{Kind: KindDeltaRequiresNetwork}
)

// CorruptedObject is the specific corrupted-object error carrying both
// the expected and observed ids (spec §7, §8 property 3).
type CorruptedObject struct {
	Expected, Got objid.ID
}

func (e *CorruptedObject) Error() string {
	return fmt.Sprintf("corrupted object: expected=%s got=%s", e.Expected, e.Got)
}

// Is lets errors.Is(err, ostreeerr.Corrupted) match a *CorruptedObject too.
func (e *CorruptedObject) Is(target error) bool {
	return target == error(Corrupted)
}

// AsCorruptedObject extracts a *CorruptedObject from err, if any.
func AsCorruptedObject(err error) (*CorruptedObject, bool) {
	var co *CorruptedObject
	if errors.As(err, &co) {
		return co, true
	}
	return nil, false
}
