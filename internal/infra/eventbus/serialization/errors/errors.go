package serializationerrors

import "fmt"

// ErrMissingField indicates that a required wire field was absent or empty.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing required field %q", e.Field) }
