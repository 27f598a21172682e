// Package manifest reads the resolved dependency set of a Ruby project from
// its Gemfile.lock.
package manifest

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/gemversion"
)

// SourceType identifies where a gem was resolved from.
type SourceType string

const (
	SourceRegistry SourceType = "registry"
	SourceGit      SourceType = "git"
	SourcePath     SourceType = "path"
)

// Source is a declared origin for one or more gems.
type Source struct {
	Type SourceType
	URI  string
	// Revision is the locked commit for git sources.
	Revision string
	// Ref is the branch or tag requested for git sources, when recorded.
	Ref string
}

func (s Source) String() string {
	switch s.Type {
	case SourceGit:
		if s.Revision != "" {
			return fmt.Sprintf("%s (at %s)", s.URI, shortRevision(s.Revision))
		}
		return s.URI
	case SourcePath:
		return "path: " + s.URI
	default:
		return s.URI
	}
}

// IsZero reports whether no source was recorded.
func (s Source) IsZero() bool { return s.Type == "" && s.URI == "" }

func (s Source) key() string {
	return strings.Join([]string{string(s.Type), s.URI, s.Revision, s.Ref}, "\x00")
}

// Dependency is a resolved gem at an exact version.
type Dependency struct {
	Name    string
	Version gemversion.Version
	// Platform is the platform suffix from the lockfile, e.g. x86_64-linux.
	Platform string
	Source   Source
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Version)
}

func shortRevision(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
