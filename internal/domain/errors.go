package domain

import (
	stderrors "errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries.
type ErrorKind string

const (
	KindAuth     ErrorKind = "auth"
	KindStore    ErrorKind = "store"
	KindProvider ErrorKind = "provider"
	KindTool     ErrorKind = "tool"
	KindConflict ErrorKind = "conflict"
)

// Error carries a kind and an optional machine-readable code.
type Error struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// AuthError marks an invalid or missing token.
func AuthError(err error) error { return newError(KindAuth, "", err) }

// StoreError marks a session store failure.
func StoreError(err error) error { return newError(KindStore, "", err) }

// ProviderError marks a failed run or a dropped provider transport.
func ProviderError(code string, err error) error { return newError(KindProvider, code, err) }

// ToolError marks a failed external collaborator call.
func ToolError(err error) error { return newError(KindTool, "", err) }

// ConflictError marks a refused connection for an already bound session.
func ConflictError(err error) error { return newError(KindConflict, "", err) }

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// CodeOf returns the code of the first domain error in the chain.
func CodeOf(err error) string {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}
