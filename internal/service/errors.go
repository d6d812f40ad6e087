package service

import (
	"errors"
	"fmt"
)

// ErrProviderUnavailable is returned when no provider client is configured.
// The refresh loop keeps running and keeps failing cleanly.
var ErrProviderUnavailable = errors.New("provider unavailable")

var errPanic = errors.New("recovered panic")

// ErrorKind tags a ProviderError so failures are counted from structure, not messages.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindCallFailed  ErrorKind = "call_failed"
	KindParseFailed ErrorKind = "parse_failed"
)

// ProviderError is one isolated provider failure. Op is the OASA action and
// Key the stop ID or route code the call was made for.
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s(%s) %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func unavailable(op string) *ProviderError {
	return &ProviderError{Kind: KindUnavailable, Op: op, Err: ErrProviderUnavailable}
}

func callFailed(op, key string, err error) *ProviderError {
	return &ProviderError{Kind: KindCallFailed, Op: op, Key: key, Err: err}
}

func parseFailed(op, key string, err error) *ProviderError {
	return &ProviderError{Kind: KindParseFailed, Op: op, Key: key, Err: err}
}
