package protocol

import (
	"errors"
	"fmt"
)

const (
	// Document store round trip failed; the request is aborted without retry.
	ErrStoreFailure = "E_STORE_FAILURE"
	// Order text or blackboard value could not be parsed.
	ErrMalformedInput = "E_MALFORMED_INPUT"
	// A command reached a stage that cannot handle it. Always a bug.
	ErrContractViolation = "E_CONTRACT_VIOLATION"
	ErrNotFound          = "E_NOT_FOUND"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrStoreFailure:      {},
	ErrMalformedInput:    {},
	ErrContractViolation: {},
	ErrNotFound:          {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error tags a failure with one of the codes above so the transport layer can
// pick a response without string matching.
type Error struct {
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func StoreFailure(op string, err error) error {
	return &Error{Code: ErrStoreFailure, Op: op, Err: err}
}

func MalformedInput(op string, err error) error {
	return &Error{Code: ErrMalformedInput, Op: op, Err: err}
}

func ContractViolation(op string, err error) error {
	return &Error{Code: ErrContractViolation, Op: op, Err: err}
}

// CodeOf returns the code of the outermost tagged error, ErrInternal for
// untagged errors and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}
