// Package report renders scan results for people and for CI systems.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/scanner"
)

// Format selects a renderer.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatHTML  Format = "html"
	FormatJUnit Format = "junit"
)

// Formats lists the supported formats.
var Formats = []Format{FormatText, FormatJSON, FormatHTML, FormatJUnit}

// ParseFormat validates a user supplied format name.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	if f == "" {
		return FormatText, nil
	}
	if !slices.Contains(Formats, f) {
		return "", fmt.Errorf("unsupported format: %s", name)
	}
	return f, nil
}

// Options tune rendering.
type Options struct {
	// Verbose prints advisory descriptions instead of titles.
	Verbose bool
	// Color enables ANSI colors in text output.
	Color bool
	// Width wraps text descriptions; zero selects 80 columns.
	Width int

	Version     string
	Lockfile    string
	Database    string
	GeneratedAt time.Time
}

func (o Options) generatedAt() time.Time {
	if o.GeneratedAt.IsZero() {
		return time.Now().UTC()
	}
	return o.GeneratedAt
}

// Write renders res to w in the given format.
func Write(w io.Writer, format Format, res *scanner.Result, opts Options) error {
	switch format {
	case FormatText, "":
		return NewText(w, opts).WriteResult(res)
	case FormatJSON:
		return JSON(w, res, opts)
	case FormatHTML:
		return HTML(w, res, opts)
	case FormatJUnit:
		return JUnit(w, res, opts)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// Summary is the closing line of a text report.
func Summary(vulnerable bool) string {
	if vulnerable {
		return "Vulnerabilities found!"
	}
	return "No vulnerabilities found"
}

func solution(patched []string) string {
	if len(patched) == 0 {
		return ""
	}
	return strings.Join(patched, ", ")
}

const noPatchSolution = "remove or disable this gem until a patch is available!"
