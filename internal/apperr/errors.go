// Package apperr defines the error taxonomy shared by the engine and its surfaces.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrInvalidPattern reports a malformed regular expression in a search query.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrProviderFailure reports a failed or timed-out collaborator call
	// (concept extraction or embedding). The triggering mutation was rolled
	// back and may be retried.
	ErrProviderFailure = errors.New("provider failure")

	// ErrDimensionMismatch reports an embedding whose length differs from the
	// vector index dimension. Indexing stays halted until a re-embedding rebuild.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexCorruption reports a derived index that disagrees with the note
	// registry. It is only recoverable by rebuilding from the registry.
	ErrIndexCorruption = errors.New("index corruption")
)

// Retryable reports whether err is worth retrying unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderFailure)
}
