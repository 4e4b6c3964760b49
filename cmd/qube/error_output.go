package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	coreerrors "github.com/davidahmann/qube/core/errors"
)

const (
	exitOK                = 0
	exitInternalFailure   = 1
	exitVerifyFailed      = 2
	exitInvalidInput      = 6
	exitMissingDependency = 8
)

// errorFields is embedded in every command output.
type errorFields struct {
	Error         string              `json:"error,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	ErrorCategory coreerrors.Category `json:"error_category,omitempty"`
	Retryable     *bool               `json:"retryable,omitempty"`
	Hint          string              `json:"hint,omitempty"`
}

// failure fills the envelope from err, falling back to the defaults for
// exitCode when err is not classified.
func failure(err error, exitCode int) errorFields {
	if err == nil {
		return errorFields{}
	}
	category := coreerrors.CategoryOf(err)
	if category == "" {
		category = defaultErrorCategory(exitCode)
	}
	code := coreerrors.CodeOf(err)
	if code == "" {
		code = defaultErrorCode(exitCode)
	}
	hint := coreerrors.HintOf(err)
	if hint == "" {
		hint = defaultHint(exitCode)
	}
	retryable := coreerrors.RetryableOf(err) || category == coreerrors.CategoryStateContention
	return errorFields{
		Error:         err.Error(),
		ErrorCode:     code,
		ErrorCategory: category,
		Retryable:     &retryable,
		Hint:          hint,
	}
}

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := json.Marshal(output)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitCode
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryVerification:
		return exitVerifyFailed
	case coreerrors.CategoryDependencyMissing:
		return exitMissingDependency
	case coreerrors.CategoryIOFailure, coreerrors.CategoryStateContention, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	case exitMissingDependency:
		return coreerrors.CategoryDependencyMissing
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitMissingDependency:
		return coreerrors.CodeDependencyMissing
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and input files"
	case exitVerifyFailed:
		return "the ledger failed verification; inspect the reported record"
	case exitMissingDependency:
		return "configure the state predictor and retry"
	default:
		return "retry after checking the ledger directory and logs"
	}
}
