package imapserver

import (
	"errors"
	"fmt"
)

// Command handlers abort by panicking with an imapError; conn.runCommand
// recovers it and writes the tagged response its kind calls for. Any other
// error value that escapes a handler aborts the connection; a panic with a
// non-error value fails only that command, with "NO internal error".

// errKind selects the tagged response for a failed command.
type errKind int

const (
	errSyntax errKind = iota // Tagged BAD, connection stays alive.
	errUser                  // Tagged NO.
	errServer                // Tagged NO, logged at error level.
)

func (k errKind) String() string {
	switch k {
	case errSyntax:
		return "syntax"
	case errUser:
		return "user"
	}
	return "server"
}

// imapError is one command failure: its kind, an optional response code
// (rendered between brackets in the tagged line) and the underlying error.
type imapError struct {
	kind errKind
	code string
	err  error
}

func (e imapError) Error() string {
	s := e.kind.String() + " error: " + e.err.Error()
	if e.code != "" {
		s += " [" + e.code + "]"
	}
	return s
}

func (e imapError) Unwrap() error { return e.err }

func xerror(kind errKind, code, format string, args ...any) {
	panic(imapError{kind, code, fmt.Errorf(format, args...)})
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xerror(errServer, "", "%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func xsyntaxErrorf(format string, args ...any) {
	xerror(errSyntax, "", format, args...)
}

func xsyntaxCodeErrorf(code, format string, args ...any) {
	xerror(errSyntax, code, format, args...)
}

func xuserErrorf(format string, args ...any) {
	xerror(errUser, "", format, args...)
}

func xusercodeErrorf(code, format string, args ...any) {
	xerror(errUser, code, format, args...)
}

func xserverErrorf(format string, args ...any) {
	xerror(errServer, "", format, args...)
}

var (
	errIO       = errors.New("io error")       // Fatal, closes the connection without a tagged response.
	errProtocol = errors.New("protocol error") // Desync, also fatal.
	cleanClose  = errors.New("clean close")    // Sentinel for LOGOUT.
)

func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol)
}
