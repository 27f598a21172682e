package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON string

var configSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchemaJSON))
})

// ValidationError lists every schema violation of a config file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration %s failed validation:\n  %s", e.Path, strings.Join(e.Problems, "\n  "))
}

// ValidateConfig checks YAML or JSON config content against the embedded
// schema. Unknown keys are rejected so typos do not silently fall back to
// defaults.
func ValidateConfig(configData []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(configData, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return validateDocument(doc)
}

// ValidateTOML is ValidateConfig for TOML content.
func ValidateTOML(configData []byte) error {
	var doc map[string]interface{}
	if err := toml.Unmarshal(configData, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}
	return validateDocument(doc)
}

func validateDocument(doc interface{}) error {
	if doc == nil {
		return nil
	}

	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}
	return verr
}

// ValidateFile reads and validates a YAML, JSON or TOML config file. Other
// formats are left to viper.
func ValidateFile(path string) error {
	validate := ValidateConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", "":
	case ".toml":
		validate = ValidateTOML
	default:
		return nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the user's --config flag or search path
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	err = validate(data)
	var verr *ValidationError
	if errors.As(err, &verr) {
		verr.Path = path
	}
	return err
}
