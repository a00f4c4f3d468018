package pe

import "github.com/pkg/errors"

var (
	// ErrUnresolvable is returned when an address maps to no section.
	ErrUnresolvable = errors.New("address not mapped by any section")
	// ErrMalformed marks inconsistent input such as a missing thunk array.
	ErrMalformed = errors.New("malformed input")
	// ErrStructural marks a resource tree that is not a tree.
	ErrStructural = errors.New("structural violation")
	// ErrInvariant marks a caller error, like data required by an operation being absent.
	ErrInvariant = errors.New("invariant violation")
)
