// Package ustr2 implements the bounded, immutable name type used for
// Process, Thread, and Vmo names (spec §3's "Name" field on each kernel
// object). It generalizes biscuit's ustr package -- an immutable
// byte-slice path type with Eq/Extend/IndexByte helpers -- from
// filesystem path components to short free-form object names, and adds
// Unicode normalization via golang.org/x/text so two names that render
// identically but differ in codepoint sequence (e.g. combining marks)
// compare equal.
package ustr2

import (
	"golang.org/x/text/unicode/norm"

	"github.com/oichkatzele/radonkernel/internal/kerr"
)

// MaxLen bounds a kernel object name (spec §3 names are short,
// diagnostic-only labels, never paths).
const MaxLen = 32

// Name is an immutable, NFC-normalized object name.
type Name string

// Empty is the zero-value Name assigned to an object created without
// an explicit name.
var Empty = Name("")

// New validates and normalizes s into a Name: rejects embedded NUL
// bytes and anything over MaxLen bytes after normalization (spec §3
// names are diagnostic labels, not attacker-controlled buffers, but
// the kernel core still bounds them like any other user-supplied
// string).
func New(s string) (Name, kerr.Err_t) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return Empty, kerr.EINVAL
		}
	}
	normalized := norm.NFC.String(s)
	if len(normalized) > MaxLen {
		return Empty, kerr.EINVAL
	}
	return Name(normalized), 0
}

// MustNew is New without an error return, for internal call sites that
// pass a compile-time-constant name known to be valid.
func MustNew(s string) Name {
	n, err := New(s)
	if err != 0 {
		panic("ustr2: invalid constant name " + s)
	}
	return n
}

// Eq reports whether two Names are identical after normalization.
func (n Name) Eq(o Name) bool { return n == o }

// String returns the underlying string.
func (n Name) String() string { return string(n) }

// IsEmpty reports whether the name was left unset.
func (n Name) IsEmpty() bool { return n == Empty }
