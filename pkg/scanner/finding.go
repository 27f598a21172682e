package scanner

import (
	"fmt"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/manifest"
)

// Kind discriminates Finding variants.
type Kind string

const (
	KindInsecureSource Kind = "insecure_source"
	KindUnpatchedGem   Kind = "unpatched_gem"
)

// Finding is one reportable scan result. The set of implementations is
// closed: InsecureSource and UnpatchedGem.
type Finding interface {
	Kind() Kind
	fmt.Stringer
	finding()
}

// InsecureSource reports a source declared over an untrusted transport. Name
// is the first dependency resolved from it, empty when none is.
type InsecureSource struct {
	Name   string
	Source manifest.Source
}

func (InsecureSource) Kind() Kind { return KindInsecureSource }
func (InsecureSource) finding()   {}

func (f InsecureSource) String() string {
	if f.Name == "" {
		return "insecure source " + f.Source.URI
	}
	return fmt.Sprintf("insecure source %s for %s", f.Source.URI, f.Name)
}

// UnpatchedGem reports a locked gem version matched by an advisory.
type UnpatchedGem struct {
	Dependency manifest.Dependency
	Advisory   *advisory.Advisory
}

func (UnpatchedGem) Kind() Kind { return KindUnpatchedGem }
func (UnpatchedGem) finding()   {}

func (f UnpatchedGem) String() string {
	return fmt.Sprintf("%s %s: %s", f.Dependency.Name, f.Dependency.Version, f.Advisory.PrimaryID())
}

// Counts tallies findings per kind.
type Counts struct {
	InsecureSources int `json:"insecure_sources"`
	UnpatchedGems   int `json:"unpatched_gems"`
	// VulnerableGems is the number of distinct dependencies with at least one
	// UnpatchedGem finding.
	VulnerableGems int `json:"vulnerable_gems"`
}

// Total is the number of findings counted.
func (c Counts) Total() int { return c.InsecureSources + c.UnpatchedGems }

// Count tallies findings.
func Count(findings []Finding) Counts {
	var c Counts
	gems := make(map[string]bool)
	for _, f := range findings {
		switch f := f.(type) {
		case InsecureSource:
			c.InsecureSources++
		case UnpatchedGem:
			c.UnpatchedGems++
			key := f.Dependency.Name + "@" + f.Dependency.Version.String()
			if !gems[key] {
				gems[key] = true
				c.VulnerableGems++
			}
		}
	}
	return c
}
