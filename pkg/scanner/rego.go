package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gemaudit/pkg/manifest"
	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoQuery is the rule a source policy module must define.
const RegoQuery = "data.gemaudit.sources.insecure"

// ErrNoPolicy is returned when a Rego policy has no module to evaluate.
var ErrNoPolicy = errors.New("no source policy loaded")

// RegoPolicy evaluates a user supplied Rego module. The module receives the
// source as input ({"type", "uri", "scheme", "host", "revision", "ref"}) and
// must define the boolean rule gemaudit.sources.insecure.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy compiles module.
func NewRegoPolicy(ctx context.Context, name, module string) (*RegoPolicy, error) {
	if module == "" {
		return nil, ErrNoPolicy
	}
	query, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile source policy %s: %w", name, err)
	}
	return &RegoPolicy{query: query}, nil
}

// LoadRegoPolicy compiles the module stored at path.
func LoadRegoPolicy(ctx context.Context, path string) (*RegoPolicy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- policy path is user configuration
	if err != nil {
		return nil, fmt.Errorf("read source policy: %w", err)
	}
	return NewRegoPolicy(ctx, path, string(data))
}

func (p *RegoPolicy) Insecure(ctx context.Context, source manifest.Source) (bool, error) {
	scheme, host := splitURI(source.URI)
	input := map[string]interface{}{
		"type":     string(source.Type),
		"uri":      source.URI,
		"scheme":   scheme,
		"host":     host,
		"revision": source.Revision,
		"ref":      source.Ref,
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// Undefined rule.
		return false, nil
	}
	insecure, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", RegoQuery, rs[0].Expressions[0].Value)
	}
	return insecure, nil
}
