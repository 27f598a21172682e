// Package exitcode provides standardized exit codes for gemaudit
package exitcode

import "errors"

// Exit codes for the gemaudit CLI. A clean scan and a scan that could not
// complete never share a code.
const (
	Success         = 0
	Vulnerable      = 1
	ConfigError     = 2
	DatabaseError   = 3
	FileSystemError = 4
	Interrupted     = 130
)

// String returns a human-readable description of the exit code
func String(code int) string {
	switch code {
	case Success:
		return "Success"
	case Vulnerable:
		return "Vulnerabilities found"
	case ConfigError:
		return "Configuration error"
	case DatabaseError:
		return "Advisory database error"
	case FileSystemError:
		return "File system error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}

// Error attaches an exit code to an error returned by a command.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return String(e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err tagged with code; nil stays nil.
func Wrap(code int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Silent reports code without an error message, e.g. when findings were
// already printed.
func Silent(code int) error {
	return &Error{Code: code}
}

// FromError maps an error to its exit code. Untagged errors are treated as
// configuration problems, which is what cobra reports for bad flags and
// arguments.
func FromError(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ConfigError
}

// IsSilent reports whether err carries only an exit code.
func IsSilent(err error) bool {
	var coded *Error
	return errors.As(err, &coded) && coded.Err == nil
}
