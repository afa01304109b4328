package template

import (
	"errors"
	"fmt"
)

var ErrTemplateNotFound = errors.New("template not found")

// ValidationError names the field that made a template unacceptable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing required field: %s", e.Field)
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}
