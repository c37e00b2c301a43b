// Package validation holds the checks applied to every value read from an
// untrusted ELF file, the recursion guard used while resolving section graphs,
// and the per-file diagnostics collected when a section has to be dropped or
// demoted.
package validation

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Class is the error taxonomy. Structural, Capacity and CrossReference
// findings are recoverable per section on read. Resource errors abort.
type Class int

const (
	Structural Class = iota + 1
	Capacity
	CrossReference
	Resource
)

func (c Class) String() string {
	switch c {
	case Structural:
		return "structural"
	case Capacity:
		return "capacity"
	case CrossReference:
		return "cross_reference"
	case Resource:
		return "resource"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrEntrySize       = errors.New("size is not a multiple of the entry size")
	ErrRange           = errors.New("range exceeds bounds")
	ErrOverflow        = errors.New("arithmetic overflow")
	ErrAlignment       = errors.New("alignment is not a power of two")
	ErrCycle           = errors.New("section references itself")
	ErrDepth           = errors.New("resolution depth exceeded")
	ErrLinkType        = errors.New("link names a section of the wrong type")
)

// NoSection is used for findings that are not tied to one section.
const NoSection = math.MaxUint32

// Error is a classified finding about one section of one file.
type Error struct {
	Class   Class
	Section uint32
	Name    string
	File    string
	Err     error
}

func (e *Error) Error() string {
	if e.Section == NoSection {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: section %d (%s): %s: %v", e.File, e.Section, e.Name, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error not yet attributed to a file.
func Errorf(class Class, section uint32, name string, format string, args ...interface{}) *Error {
	return &Error{Class: class, Section: section, Name: name, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(class Class, section uint32, name string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Section: section, Name: name, Err: err}
}

// ClassOf reports the class of err, defaulting to Resource for errors that
// were never classified.
func ClassOf(err error) Class {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Class
	}
	return Resource
}

// IsRecoverable reports whether err allows the rest of the file to load.
func IsRecoverable(err error) bool {
	switch ClassOf(err) {
	case Structural, Capacity, CrossReference:
		return true
	}
	return false
}
