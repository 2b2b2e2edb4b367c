package domain

import "errors"

// Failure classes. Adapters and the core wrap these with fmt.Errorf("%w: ...")
// so callers can classify with errors.Is.
var (
	// ErrIO: input source unreadable or output destination unwritable.
	ErrIO = errors.New("io error")

	// ErrParse: malformed field while loading records.
	ErrParse = errors.New("parse error")

	// ErrModel: scoring backend unavailable, timed out, or returned a mismatched shape.
	ErrModel = errors.New("model error")

	// ErrData: a transaction's client has no profile. Structurally unreachable.
	ErrData = errors.New("data error")
)
