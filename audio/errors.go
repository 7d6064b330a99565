package audio

import (
	"errors"
	"strings"
)

// Capture capability failures. A *CapabilityError matches exactly one of
// these with errors.Is.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone found")
	ErrDeviceBusy       = errors.New("microphone is in use by another application")
	ErrUnsupportedSetup = errors.New("microphone does not support the requested format")
	ErrInsecureContext  = errors.New("microphone access requires a secure context")
	ErrCaptureFailed    = errors.New("microphone could not be started")
)

type CapabilityError struct {
	Kind error
	Err  error
}

func (e *CapabilityError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var classifyRules = []struct {
	kind     error
	keywords []string
}{
	{ErrPermissionDenied, []string{"permission", "access denied", "not allowed", "notallowed", "unauthorized", "eacces"}},
	{ErrInsecureContext, []string{"insecure", "secure context"}},
	{ErrDeviceBusy, []string{"busy", "in use", "already", "notreadable", "could not start"}},
	{ErrNoDevice, []string{"no such", "not found", "no device", "no source", "notfound", "does not exist", "connection refused"}},
	{ErrUnsupportedSetup, []string{"format", "sample rate", "not supported", "unsupported", "constraint", "overconstrained", "invalid argument"}},
}

// Classify maps a backend capture error onto the capability taxonomy.
// Errors that already carry a kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, r := range classifyRules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return &CapabilityError{Kind: r.kind, Err: err}
			}
		}
	}
	return &CapabilityError{Kind: ErrCaptureFailed, Err: err}
}

// Kind returns the capability sentinel for err, or nil.
func Kind(err error) error {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return nil
}
