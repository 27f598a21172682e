package advisorydb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
)

var (
	// ErrDatabaseNotFound indicates the database directory does not exist.
	ErrDatabaseNotFound = errors.New("advisory database not found")

	// ErrDatabaseCorrupt indicates the database layout or some of its records
	// could not be read.
	ErrDatabaseCorrupt = errors.New("advisory database corrupt")
)

// CorruptError lists the records skipped while loading. It is returned
// together with a usable Database; the caller decides whether to continue.
type CorruptError struct {
	Root     string
	Failures []*advisory.RecordError
}

func (e *CorruptError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("advisory database %s: 1 record skipped: %v", e.Root, e.Failures[0])
	}
	paths := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		paths = append(paths, f.Path)
	}
	return fmt.Sprintf("advisory database %s: %d records skipped (%s)", e.Root, len(e.Failures), strings.Join(paths, ", "))
}

func (e *CorruptError) Unwrap() error { return ErrDatabaseCorrupt }

// IsNotFound reports whether err means the database is missing.
func IsNotFound(err error) bool { return errors.Is(err, ErrDatabaseNotFound) }

// IsCorrupt reports whether err means the database is damaged.
func IsCorrupt(err error) bool { return errors.Is(err, ErrDatabaseCorrupt) }

// SkippedRecords extracts per-record failures from an Open error.
func SkippedRecords(err error) []*advisory.RecordError {
	var corrupt *CorruptError
	if errors.As(err, &corrupt) {
		return corrupt.Failures
	}
	return nil
}
