package answer

import (
	"errors"
	"fmt"
)

var ErrQuestionRequired = errors.New("question is required")

// GenerationError reports that no usable SQL was produced for the question.
// Neither cache tier is written.
type GenerationError struct {
	Question string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate sql: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports that the generated SQL failed to run. Neither cache
// tier is written.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute sql: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
