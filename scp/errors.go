package scp

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the engine matches exactly one of
// these through errors.Is.
var (
	ErrProtocol      = errors.New("scp: protocol error")
	ErrPathViolation = errors.New("scp: path violation")
	ErrTransport     = errors.New("scp: transport error")
	ErrPeerReported  = errors.New("scp: peer reported error")
	ErrLocalIO       = errors.New("scp: local i/o error")
)

// Error describes a failed session step.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // protocol step, e.g. "parse", "resolve", "write"
	Path string // remote-relative or local path, when known
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// PeerError is a failure reported by the remote end, either as a non-zero
// acknowledgement byte or as a non-zero exit status.
type PeerError struct {
	Code    byte
	Message string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %d", e.Code)
	}
	return fmt.Sprintf("remote status %d: %s", e.Code, e.Message)
}

func protocolErrorf(op, format string, args ...any) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: fmt.Errorf(format, args...)}
}

func pathViolation(name string, reason string) error {
	return &Error{Kind: ErrPathViolation, Op: "resolve", Path: name, Err: errors.New(reason)}
}

func localIOError(op, path string, err error) error {
	return &Error{Kind: ErrLocalIO, Op: op, Path: path, Err: err}
}

func transportError(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// asEngineError reports whether err already carries one of the engine kinds.
func asEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
