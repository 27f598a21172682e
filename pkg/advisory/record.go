package advisory

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/gemversion"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var recordSchemaJSON string

// ErrInvalidRecord is wrapped by every RecordError.
var ErrInvalidRecord = errors.New("invalid advisory record")

// RecordError describes one advisory file that could not be loaded.
type RecordError struct {
	Path string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("advisory %s: %v", e.Path, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{ErrInvalidRecord, e.Err} }

// scalar accepts any YAML scalar (osvdb ids are written as integers).
type scalar string

func (s *scalar) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected scalar, got %s", value.Line, nodeKind(value.Kind))
	}
	if value.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalar(strings.TrimSpace(value.Value))
	return nil
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// record mirrors the on-disk schema. Unknown keys are ignored.
type record struct {
	Gem                string   `yaml:"gem"`
	Framework          string   `yaml:"framework"`
	Platform           string   `yaml:"platform"`
	CVE                scalar   `yaml:"cve"`
	OSVDB              scalar   `yaml:"osvdb"`
	GHSA               scalar   `yaml:"ghsa"`
	URL                string   `yaml:"url"`
	Title              string   `yaml:"title"`
	Date               scalar   `yaml:"date"`
	Description        string   `yaml:"description"`
	Criticality        string   `yaml:"criticality"`
	CVSSv2             *float64 `yaml:"cvss_v2"`
	CVSSv3             *float64 `yaml:"cvss_v3"`
	UnaffectedVersions []string `yaml:"unaffected_versions"`
	PatchedVersions    []string `yaml:"patched_versions"`
	Related            struct {
		CVE []scalar `yaml:"cve"`
		URL []string `yaml:"url"`
	} `yaml:"related"`
}

var recordSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchemaJSON))
})

// Validate checks raw YAML against the record schema.
func Validate(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return errors.New("empty document")
	}

	schema, err := recordSchema()
	if err != nil {
		return fmt.Errorf("record schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema: %s", strings.Join(msgs, "; "))
}

// Decode parses one record. id is normally the file stem and path is kept
// for diagnostics.
func Decode(id, path string, data []byte) (*Advisory, error) {
	if err := Validate(data); err != nil {
		return nil, &RecordError{Path: path, Err: err}
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, &RecordError{Path: path, Err: fmt.Errorf("yaml: %w", err)}
	}

	unaffected, err := parseRequirements(rec.UnaffectedVersions)
	if err != nil {
		return nil, &RecordError{Path: path, Err: fmt.Errorf("unaffected_versions: %w", err)}
	}
	patched, err := parseRequirements(rec.PatchedVersions)
	if err != nil {
		return nil, &RecordError{Path: path, Err: fmt.Errorf("patched_versions: %w", err)}
	}

	adv := &Advisory{
		ID:                 id,
		Path:               path,
		Gem:                strings.TrimSpace(rec.Gem),
		Framework:          rec.Framework,
		Platform:           rec.Platform,
		CVE:                string(rec.CVE),
		OSVDB:              string(rec.OSVDB),
		GHSA:               string(rec.GHSA),
		URL:                strings.TrimSpace(rec.URL),
		Title:              strings.TrimSpace(rec.Title),
		Description:        strings.TrimSpace(rec.Description),
		Date:               parseDate(string(rec.Date)),
		UnaffectedVersions: unaffected,
		PatchedVersions:    patched,
	}
	for _, c := range rec.Related.CVE {
		adv.Related.CVE = append(adv.Related.CVE, string(c))
	}
	adv.Related.URL = append(adv.Related.URL, rec.Related.URL...)

	if rec.CVSSv2 != nil {
		adv.CVSSv2 = *rec.CVSSv2
	}
	if rec.CVSSv3 != nil {
		adv.CVSSv3 = *rec.CVSSv3
	}
	adv.Criticality = deriveCriticality(rec)

	return adv, nil
}

// Load reads and decodes a record from the local filesystem.
func Load(path string) (*Advisory, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, &RecordError{Path: path, Err: err}
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Decode(id, path, data)
}

func deriveCriticality(rec record) Criticality {
	if rec.Criticality != "" {
		if c := NormalizeCriticality(rec.Criticality); c != CriticalityUnknown {
			return c
		}
	}
	if rec.CVSSv2 != nil {
		return criticalityFromCVSSv2(*rec.CVSSv2)
	}
	if rec.CVSSv3 != nil {
		return criticalityFromCVSSv3(*rec.CVSSv3)
	}
	return CriticalityUnknown
}

func parseRequirements(raw []string) ([]gemversion.Requirement, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	reqs := make([]gemversion.Requirement, 0, len(raw))
	for _, s := range raw {
		r, err := gemversion.ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}
