package poolmanager

import (
	"errors"
	"fmt"
)

// ErrorKind classifies placement failures. The kind travels with the reply so
// callers can react without parsing messages.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindQuotaExceeded
	KindNoEligiblePool
	KindSelection
	KindInternal
	KindBusy
	KindTimeout
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindQuotaExceeded:
		return "quota-exceeded"
	case KindNoEligiblePool:
		return "no-eligible-pool"
	case KindSelection:
		return "selection"
	case KindInternal:
		return "internal"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stable error codes carried in SelectPoolReply.Code.
const (
	CodePoolDead         = 666
	CodeUnexpected       = 10010
	CodeNoPoolConfigured = 10011
	CodeNoPoolOnline     = 10012
	CodeFileNotOnline    = 10013
	CodeQuotaExceeded    = 10014
	CodeBusy             = 10015
	CodeTimeout          = 10016
)

// SelectionError is a placement failure surfaced to the requesting caller.
type SelectionError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
}

// NewSelectionError builds a SelectionError.
func NewSelectionError(kind ErrorKind, code int, format string, args ...any) *SelectionError {
	return &SelectionError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrQuotaExceeded reports that the hard quota of a storage class is used up.
func ErrQuotaExceeded(storageClass string) *SelectionError {
	return NewSelectionError(KindQuotaExceeded, CodeQuotaExceeded,
		"hard quota exceeded for storage class %s", storageClass)
}

// AsSelectionError unwraps err into a *SelectionError if it is one.
func AsSelectionError(err error) (*SelectionError, bool) {
	var se *SelectionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ConfigurationError reports a malformed configuration value. It is handled
// where it occurs and never reaches placement callers.
type ConfigurationError struct {
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Value, e.Reason)
}
