package regulation

import "github.com/pkg/errors"

// ErrUnsupported is the capability-gap signal: the controller does not
// implement the requested hardware feature. It is expected control flow, not a
// failure; callers react by substituting the software equivalent. A genuine
// hardware or communication error must never wrap ErrUnsupported.
var ErrUnsupported = errors.New("not supported by this controller")

// Unsupported returns ErrUnsupported annotated with the capability name.
func Unsupported(op string) error {
	return errors.Wrap(ErrUnsupported, op)
}

// IsUnsupported reports whether err is a capability gap rather than a real
// failure.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
