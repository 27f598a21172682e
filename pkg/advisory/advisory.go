// Package advisory models a single ruby-advisory-db record and decides whether
// a locked gem version is affected by it.
package advisory

import (
	"slices"
	"strings"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/gemversion"
)

// Criticality is the coarse severity of an advisory.
type Criticality string

const (
	CriticalityUnknown Criticality = "unknown"
	CriticalityLow     Criticality = "low"
	CriticalityMedium  Criticality = "medium"
	CriticalityHigh    Criticality = "high"
)

// NormalizeCriticality maps free-form severity text onto a Criticality.
func NormalizeCriticality(input string) Criticality {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "critical", "high":
		return CriticalityHigh
	case "medium", "moderate", "med":
		return CriticalityMedium
	case "low", "none", "negligible":
		return CriticalityLow
	default:
		return CriticalityUnknown
	}
}

// criticalityFromCVSSv2 uses the thresholds bundler-audit has always applied
// to ruby-advisory-db scores.
func criticalityFromCVSSv2(score float64) Criticality {
	switch {
	case score < 0 || score > 10:
		return CriticalityUnknown
	case score < 3.3:
		return CriticalityLow
	case score < 6.6:
		return CriticalityMedium
	default:
		return CriticalityHigh
	}
}

func criticalityFromCVSSv3(score float64) Criticality {
	switch {
	case score < 0 || score > 10:
		return CriticalityUnknown
	case score < 4.0:
		return CriticalityLow
	case score < 7.0:
		return CriticalityMedium
	default:
		return CriticalityHigh
	}
}

// Related holds cross references listed by a record.
type Related struct {
	CVE []string
	URL []string
}

// Advisory is one vulnerability record. Values are shared between readers of
// a database snapshot and must be treated as read-only.
type Advisory struct {
	// ID is the record file name without extension.
	ID   string
	Path string

	Gem       string
	Framework string
	Platform  string

	// CVE, OSVDB and GHSA hold the bare identifiers as written in the record
	// ("2015-3225", "119878", "xxxx-xxxx-xxxx").
	CVE   string
	OSVDB string
	GHSA  string

	URL         string
	Title       string
	Description string
	Date        time.Time

	CVSSv2      float64
	CVSSv3      float64
	Criticality Criticality

	UnaffectedVersions []gemversion.Requirement
	PatchedVersions    []gemversion.Requirement

	Related Related
}

// CVEID returns the identifier in "CVE-YYYY-NNNN" form, or "".
func (a *Advisory) CVEID() string { return prefixed("CVE-", a.CVE) }

// OSVDBID returns the identifier in "OSVDB-NNNN" form, or "".
func (a *Advisory) OSVDBID() string { return prefixed("OSVDB-", a.OSVDB) }

// GHSAID returns the identifier in "GHSA-xxxx-xxxx-xxxx" form, or "".
func (a *Advisory) GHSAID() string { return prefixed("GHSA-", a.GHSA) }

func prefixed(prefix, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToUpper(id), prefix) {
		return prefix + id[len(prefix):]
	}
	return prefix + id
}

// Identifiers lists every identifier the advisory can be referred to by,
// each once. The record ID is dropped when it repeats a CVE, OSVDB or GHSA id.
func (a *Advisory) Identifiers() []string {
	ids := make([]string, 0, 4)
	for _, id := range []string{a.CVEID(), a.OSVDBID(), a.GHSAID(), a.ID} {
		if id == "" || slices.ContainsFunc(ids, func(known string) bool { return strings.EqualFold(known, id) }) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// PrimaryID is the identifier shown to users: CVE, else OSVDB, else GHSA,
// else the record ID.
func (a *Advisory) PrimaryID() string {
	for _, id := range []string{a.CVEID(), a.OSVDBID(), a.GHSAID()} {
		if id != "" {
			return id
		}
	}
	return a.ID
}

// HasIdentifier reports whether id (case-insensitive) names this advisory.
func (a *Advisory) HasIdentifier(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	for _, known := range a.Identifiers() {
		if strings.EqualFold(known, id) {
			return true
		}
	}
	return false
}

// Unaffected reports whether v falls in a range the advisory never affected.
func (a *Advisory) Unaffected(v gemversion.Version) bool {
	return gemversion.AnySatisfied(a.UnaffectedVersions, v)
}

// Patched reports whether v falls in a patched range.
func (a *Advisory) Patched(v gemversion.Version) bool {
	return gemversion.AnySatisfied(a.PatchedVersions, v)
}

// IsVulnerable reports whether v is affected. Without a matching unaffected
// or patched range the version is assumed vulnerable.
func (a *Advisory) IsVulnerable(v gemversion.Version) bool {
	return !a.Unaffected(v) && !a.Patched(v)
}

// HasFix reports whether any patched range exists. An advisory without one
// has no fix released yet.
func (a *Advisory) HasFix() bool { return len(a.PatchedVersions) > 0 }

// PatchedStrings renders the patched ranges for display.
func (a *Advisory) PatchedStrings() []string { return requirementStrings(a.PatchedVersions) }

// UnaffectedStrings renders the unaffected ranges for display.
func (a *Advisory) UnaffectedStrings() []string { return requirementStrings(a.UnaffectedVersions) }

func requirementStrings(reqs []gemversion.Requirement) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.String()
	}
	return out
}
