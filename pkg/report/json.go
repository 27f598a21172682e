package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/scanner"
	"github.com/package-url/packageurl-go"
)

type jsonReport struct {
	Tool        string        `json:"tool"`
	Version     string        `json:"version,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Lockfile    string        `json:"lockfile,omitempty"`
	Database    string        `json:"database,omitempty"`
	Vulnerable  bool          `json:"vulnerable"`
	Summary     jsonSummary   `json:"summary"`
	Results     []jsonFinding `json:"results"`
	Ignored     []jsonFinding `json:"ignored,omitempty"`
}

type jsonSummary struct {
	Dependencies int `json:"dependencies"`
	scanner.Counts
}

type jsonFinding struct {
	Type     scanner.Kind  `json:"type"`
	Gem      string        `json:"gem"`
	Version  string        `json:"version,omitempty"`
	Purl     string        `json:"purl,omitempty"`
	Source   *jsonSource   `json:"source,omitempty"`
	Advisory *jsonAdvisory `json:"advisory,omitempty"`
}

type jsonSource struct {
	Type     string `json:"type"`
	URI      string `json:"uri"`
	Revision string `json:"revision,omitempty"`
}

type jsonAdvisory struct {
	ID                 string   `json:"id"`
	Identifiers        []string `json:"identifiers"`
	Criticality        string   `json:"criticality"`
	CVSSv2             float64  `json:"cvss_v2,omitempty"`
	CVSSv3             float64  `json:"cvss_v3,omitempty"`
	URL                string   `json:"url,omitempty"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	Date               string   `json:"date,omitempty"`
	PatchedVersions    []string `json:"patched_versions"`
	UnaffectedVersions []string `json:"unaffected_versions"`
}

// JSON writes a machine readable report.
func JSON(w io.Writer, res *scanner.Result, opts Options) error {
	out := jsonReport{
		Tool:        "gemaudit",
		Version:     opts.Version,
		GeneratedAt: opts.generatedAt(),
		Lockfile:    opts.Lockfile,
		Database:    opts.Database,
		Vulnerable:  res.Vulnerable(),
		Summary:     jsonSummary{Dependencies: res.Dependencies, Counts: res.Counts},
		Results:     make([]jsonFinding, 0, len(res.Findings)),
	}
	for _, f := range res.Findings {
		out.Results = append(out.Results, toJSONFinding(f))
	}
	for _, f := range res.Ignored {
		out.Ignored = append(out.Ignored, toJSONFinding(f))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func toJSONFinding(f scanner.Finding) jsonFinding {
	switch f := f.(type) {
	case scanner.InsecureSource:
		return jsonFinding{
			Type:   f.Kind(),
			Gem:    f.Name,
			Source: &jsonSource{Type: string(f.Source.Type), URI: f.Source.URI, Revision: f.Source.Revision},
		}
	case scanner.UnpatchedGem:
		version := f.Dependency.Version.String()
		return jsonFinding{
			Type:     f.Kind(),
			Gem:      f.Dependency.Name,
			Version:  version,
			Purl:     GemPURL(f.Dependency.Name, version, f.Dependency.Platform),
			Advisory: toJSONAdvisory(f.Advisory),
		}
	}
	return jsonFinding{Type: f.Kind()}
}

func toJSONAdvisory(a *advisory.Advisory) *jsonAdvisory {
	out := &jsonAdvisory{
		ID:                 a.PrimaryID(),
		Identifiers:        a.Identifiers(),
		Criticality:        string(a.Criticality),
		CVSSv2:             a.CVSSv2,
		CVSSv3:             a.CVSSv3,
		URL:                a.URL,
		Title:              a.Title,
		Description:        a.Description,
		PatchedVersions:    a.PatchedStrings(),
		UnaffectedVersions: a.UnaffectedStrings(),
	}
	if !a.Date.IsZero() {
		out.Date = a.Date.Format(time.DateOnly)
	}
	if out.PatchedVersions == nil {
		out.PatchedVersions = []string{}
	}
	if out.UnaffectedVersions == nil {
		out.UnaffectedVersions = []string{}
	}
	return out
}

// GemPURL is the package URL of a gem release, e.g. pkg:gem/rack@1.6.0.
func GemPURL(name, version, platform string) string {
	var qualifiers packageurl.Qualifiers
	if platform != "" {
		qualifiers = packageurl.QualifiersFromMap(map[string]string{"platform": platform})
	}
	return packageurl.NewPackageURL(packageurl.TypeGem, "", name, version, qualifiers, "").ToString()
}
