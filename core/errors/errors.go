// Package errors classifies ledger and replay failures so callers can route
// quarantine, retry and operator-facing reporting without string matching.
package errors

import "errors"

type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryVerification      Category = "verification_failed"
	CategoryDependencyMissing Category = "dependency_missing"
	CategoryIOFailure         Category = "io_failure"
	CategoryStateContention   Category = "state_contention"
	CategoryInternalFailure   Category = "internal_failure"
)

// Codes for the ledger error taxonomy.
const (
	CodeValidationFailure     = "validation_failure"
	CodeAppendConflict        = "append_conflict"
	CodeChainIntegrityFailure = "chain_integrity_failure"
	CodeNotFound              = "not_found"
	CodeForkConflict          = "fork_conflict"
	CodeDependencyMissing     = "dependency_missing"
	CodeStorageFailure        = "storage_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// ValidationFailure marks a parity failure. The ritual quarantines the state;
// nothing was sealed.
func ValidationFailure(cause error) error {
	return Wrap(cause, CategoryVerification, CodeValidationFailure, "inspect failing parity rules; the state was quarantined", false)
}

// AppendConflict marks a lost compare-and-append race or an out-of-order record.
func AppendConflict(cause error) error {
	return Wrap(cause, CategoryStateContention, CodeAppendConflict, "re-read the ledger head and retry the ritual", true)
}

// ChainIntegrity marks broken linkage or a content hash mismatch. Never retried.
func ChainIntegrity(cause error) error {
	return Wrap(cause, CategoryVerification, CodeChainIntegrityFailure, "the affected range is untrusted; investigate the reported record", false)
}

func NotFound(cause error) error {
	return Wrap(cause, CategoryInvalidInput, CodeNotFound, "request a time inside the recorded range", false)
}

func ForkConflict(cause error) error {
	return Wrap(cause, CategoryInvalidInput, CodeForkConflict, "fork from a record index present in the ledger", false)
}

func DependencyMissing(cause error) error {
	return Wrap(cause, CategoryDependencyMissing, CodeDependencyMissing, "restore the required oracle and retry", true)
}

func StorageFailure(cause error) error {
	return Wrap(cause, CategoryIOFailure, CodeStorageFailure, "check the ledger storage backend", true)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// Is reports whether err carries the given taxonomy code anywhere in its chain.
func Is(err error, code string) bool {
	return code != "" && CodeOf(err) == code
}
