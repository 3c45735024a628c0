package client

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of transcription failure classes. Each failure
// mode is constructed explicitly at its throw site, so downstream code can
// match on the kind instead of sniffing error text.
type ErrorKind string

const (
	ErrKindConfig    ErrorKind = "config"
	ErrKindNetwork   ErrorKind = "network"
	ErrKindAPI       ErrorKind = "api"
	ErrKindAPIQuota  ErrorKind = "api_quota"
	ErrKindAPISafety ErrorKind = "api_safety"
	ErrKindAPIAuth   ErrorKind = "api_auth"
	ErrKindFile      ErrorKind = "file"
	ErrKindParse     ErrorKind = "parse"
	ErrKindGeneric   ErrorKind = "generic"
)

// TranscribeError carries the failure class alongside the underlying cause.
type TranscribeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TranscribeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcribe: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("transcribe: %s: %s", e.Kind, e.Msg)
}

func (e *TranscribeError) Unwrap() error {
	return e.Err
}

func newTranscribeError(kind ErrorKind, msg string, err error) *TranscribeError {
	return &TranscribeError{Kind: kind, Msg: msg, Err: err}
}

// Classify extracts the failure class from an error chain. Anything that is
// not a TranscribeError is treated as generic.
func Classify(err error) ErrorKind {
	var te *TranscribeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindGeneric
}

// UserMessage maps an error chain to the short, user-safe sentence persisted
// on terminal failure. No raw causes or internal identifiers leak through.
func UserMessage(err error) string {
	switch Classify(err) {
	case ErrKindConfig:
		return "The transcription service is not properly configured. Please contact support."
	case ErrKindNetwork:
		return "Could not reach the transcription service. Please check your internet connection and try again."
	case ErrKindFile:
		return "There was a problem reading your image file. Please try uploading it again."
	case ErrKindParse:
		return "The transcription result could not be processed. Please try again."
	case ErrKindAPIQuota:
		return "The transcription service is temporarily over capacity. Please try again later."
	case ErrKindAPISafety:
		return "The image could not be transcribed due to content restrictions."
	case ErrKindAPIAuth:
		return "The transcription service rejected our credentials. Please contact support."
	case ErrKindAPI:
		return "The transcription service returned an error. Please try again later."
	default:
		return "An unexpected error occurred. Please try again later."
	}
}
