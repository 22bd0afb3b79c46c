package bilibili

import (
	"errors"
	"fmt"
)

// Upstream failure classes. Every error returned by Client matches exactly
// one of them with errors.Is.
var (
	ErrNotFound    = errors.New("bilibili: not found")
	ErrBlocked     = errors.New("bilibili: blocked by risk control")
	ErrRateLimited = errors.New("bilibili: rate limited")
	ErrGeneric     = errors.New("bilibili: request failed")
)

// Platform codes with a fixed meaning.
const (
	CodeRiskControl = -352
	CodeTooFrequent = -799
)

var notFoundCodes = map[int]bool{
	-400:     true,
	-404:     true,
	-626:     true, // user does not exist
	60004:    true, // live: room does not exist
	62002:    true, // dynamic invisible
	19002003: true, // live: room info missing
}

// APIError is a non-zero platform code in a response envelope.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili %s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == e.class()
}

func (e *APIError) class() error {
	switch {
	case e.Code == CodeRiskControl:
		return ErrBlocked
	case e.Code == CodeTooFrequent:
		return ErrRateLimited
	case notFoundCodes[e.Code]:
		return ErrNotFound
	}
	return ErrGeneric
}

// transportError covers timeouts, HTTP status failures and undecodable bodies.
type transportError struct {
	endpoint string
	err      error
}

func (e *transportError) Error() string        { return fmt.Sprintf("bilibili %s: %v", e.endpoint, e.err) }
func (e *transportError) Unwrap() error        { return e.err }
func (e *transportError) Is(target error) bool { return target == ErrGeneric }

// Kind is the classification of an upstream error.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindBlocked
	KindRateLimited
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindBlocked:
		return "blocked"
	case KindRateLimited:
		return "rate_limited"
	}
	return "generic"
}

// Classify maps err onto the failure taxonomy. Errors not produced by this
// package are generic.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindGeneric
}

// Describe renders an admin-facing message for an upstream failure,
// including what to do about it.
func Describe(err error) string {
	switch Classify(err) {
	case KindBlocked:
		return "Bilibili risk control rejected the request. Refresh bilibili.cookie with a logged-in session."
	case KindRateLimited:
		return "Bilibili reports requests are too frequent. Increase poller.schedule or lower bilibili.rate_per_sec."
	case KindNone:
		return ""
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return fmt.Sprintf("Bilibili check failed: code %d, %s", ae.Code, ae.Message)
	}
	return "Bilibili check failed: " + err.Error()
}
