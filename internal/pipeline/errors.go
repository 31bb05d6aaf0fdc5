package pipeline

import "errors"

var (
	// ErrFatalCache means the resolution cache can no longer be read or
	// written. The run stops dispatching and returns it with a partial report.
	ErrFatalCache = errors.New("fatal cache error")

	// ErrInput means the sentence input could not be parsed
	ErrInput = errors.New("invalid sentence input")
)
