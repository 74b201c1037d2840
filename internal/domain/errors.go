package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable half of a failure.
type ErrorKind string

// media
const (
	PermissionDenied         ErrorKind = "permission_denied"
	DeviceNotFound           ErrorKind = "device_not_found"
	DeviceBusy               ErrorKind = "device_busy"
	ConstraintsUnsatisfiable ErrorKind = "constraints_unsatisfiable"
)

// credential
const (
	NetworkUnavailable ErrorKind = "network_unavailable"
	Unauthorized       ErrorKind = "unauthorized"
)

// registration
const (
	NetworkError ErrorKind = "network_error"
	AuthRejected ErrorKind = "auth_rejected"
)

// signaling
const (
	Timeout         ErrorKind = "timeout"
	BackendRejected ErrorKind = "backend_rejected"
	LegDropped      ErrorKind = "leg_dropped"
)

const (
	InvalidNumber ErrorKind = "invalid_number"
	Internal      ErrorKind = "internal"
)

var (
	ErrInvalidNumber  = errors.New("invalid number")
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrDegraded       = errors.New("softphone registration degraded")
)

type MediaError struct {
	Kind ErrorKind
	Err  error
}

func (e *MediaError) Error() string { return wrapMsg("media", e.Kind, e.Err) }
func (e *MediaError) Unwrap() error { return e.Err }

type CredentialError struct {
	Kind ErrorKind
	Err  error
}

func (e *CredentialError) Error() string { return wrapMsg("credential", e.Kind, e.Err) }
func (e *CredentialError) Unwrap() error { return e.Err }

type RegistrationError struct {
	Kind ErrorKind
	Err  error
}

func (e *RegistrationError) Error() string { return wrapMsg("registration", e.Kind, e.Err) }
func (e *RegistrationError) Unwrap() error { return e.Err }

// SignalingError covers the call leg and the call backend.
// Status carries the HTTP status for BackendRejected, zero otherwise.
type SignalingError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Status != 0 {
		return wrapMsg("signaling", e.Kind, fmt.Errorf("status %d: %w", e.Status, e.Err))
	}
	return wrapMsg("signaling", e.Kind, e.Err)
}
func (e *SignalingError) Unwrap() error { return e.Err }

type InvalidNumberError struct {
	Raw    string
	Reason string
}

func (e *InvalidNumberError) Error() string {
	return fmt.Sprintf("invalid number %q: %s", e.Raw, e.Reason)
}

func (e *InvalidNumberError) Is(target error) bool { return target == ErrInvalidNumber }

func wrapMsg(class string, kind ErrorKind, err error) string {
	if err == nil {
		return fmt.Sprintf("%s: %s", class, kind)
	}
	return fmt.Sprintf("%s: %s: %v", class, kind, err)
}

// Failure is what a UI banner needs: a kind to branch on and a message to show.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f Failure) Error() string { return string(f.Kind) + ": " + f.Message }

var failureMessages = map[ErrorKind]string{
	PermissionDenied:         "Microphone permission denied. Allow microphone access and retry.",
	DeviceNotFound:           "No microphone found. Check that an audio input device is connected.",
	DeviceBusy:               "Microphone is in use by another application.",
	ConstraintsUnsatisfiable: "The microphone does not support the requested audio settings.",
	NetworkUnavailable:       "Could not reach the call service. Check the network connection.",
	Unauthorized:             "The call service refused the credential request.",
	NetworkError:             "Could not register the softphone with the signaling service.",
	AuthRejected:             "The signaling service rejected the softphone credential.",
	Timeout:                  "The call did not progress in time.",
	BackendRejected:          "The call service rejected the call request.",
	LegDropped:               "The call audio connection dropped.",
	InvalidNumber:            "The number is not a valid international number, e.g. +573001234567.",
	Internal:                 "Unexpected error while handling the call.",
}

// FailureOf classifies err into the taxonomy. Unknown errors are Internal.
func FailureOf(err error) Failure {
	kind := KindOf(err)
	return Failure{Kind: kind, Message: failureMessages[kind]}
}

// KindOf extracts the ErrorKind carried by err.
func KindOf(err error) ErrorKind {
	var (
		me  *MediaError
		ce  *CredentialError
		re  *RegistrationError
		se  *SignalingError
		fal Failure
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &me):
		return me.Kind
	case errors.As(err, &ce):
		return ce.Kind
	case errors.As(err, &re):
		return re.Kind
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrInvalidNumber):
		return InvalidNumber
	case errors.As(err, &fal):
		return fal.Kind
	default:
		return Internal
	}
}
