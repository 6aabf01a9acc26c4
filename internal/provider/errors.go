package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrEmptyResponse marks an accepted response that carried no usable text.
var ErrEmptyResponse = errors.New("provider returned empty response")

// Class partitions attempt failures by the reaction they demand.
type Class int

const (
	ClassUnknown Class = iota

	// ClassRateLimit means the credential ran out of quota. The
	// dispatcher bans it and rotates the tier.
	ClassRateLimit

	// ClassTimeout means the attempt exceeded its deadline.
	ClassTimeout

	// ClassTransient covers provider faults worth retrying elsewhere.
	ClassTransient

	// ClassFatal means no retry can succeed; the dispatch aborts.
	ClassFatal

	// ClassEmpty marks an accepted response without usable text.
	ClassEmpty
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTimeout:
		return "timeout"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Tier       string
	Class      Class
	StatusCode int
	Message    string
	err        error
}

func NewError(providerName, tier string, class Class, statusCode int, message string, cause error) *Error {
	return &Error{
		Provider:   providerName,
		Tier:       tier,
		Class:      class,
		StatusCode: statusCode,
		Message:    message,
		err:        cause,
	}
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s: %s (status %d)", e.Provider, e.Tier, e.Class, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Tier, e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// ClassOf extracts the failure class from err. Errors that do not wrap a
// *Error report ClassUnknown.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnknown
}

// ClassifyStatus maps a non-2xx HTTP status to a failure class. Anything
// ambiguous lands in ClassTransient so a single odd status never kills a
// dispatch that another tier could serve.
func ClassifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 408 || status == 504:
		return ClassTimeout
	case status == 400 || status == 401 || status == 403 || status == 404:
		return ClassFatal
	default:
		return ClassTransient
	}
}

// ClassifyTransportError maps an error from the HTTP round trip to a
// failure class. Context cancellation must be filtered out by the caller
// before classification.
func ClassifyTransportError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassTransient
}
