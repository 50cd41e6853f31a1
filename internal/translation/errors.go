package translation

import (
	"errors"
	"fmt"
)

// RequiredElementError marks a required schema element whose data could not
// be resolved from the bundle. Always fatal.
type RequiredElementError struct {
	Schema  string
	Element string
	Reason  string
}

func (e *RequiredElementError) Error() string {
	return fmt.Sprintf("required element %s.%s: %s", e.Schema, e.Element, e.Reason)
}

// SchemaError marks a malformed schema or expression. Always fatal, since it
// is a configuration bug rather than a data problem.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string { return "schema error: " + e.Msg }

func newSchemaError(format string, args ...interface{}) *SchemaError {
	return &SchemaError{Msg: fmt.Sprintf(format, args...)}
}

// ConversionError marks valid data that could not be written to the target
// message. Fatal in strict mode only.
type ConversionError struct {
	Element string
	Target  string
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("element %s: assign to %s: %v", e.Element, e.Target, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// IsConversionError reports whether err is (or wraps) a ConversionError.
func IsConversionError(err error) bool {
	var ce *ConversionError
	return errors.As(err, &ce)
}
