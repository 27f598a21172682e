package gemversion

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	gem "github.com/aquasecurity/go-gem-version"
)

// ErrInvalidConstraint is returned for constraints with an unknown operator.
var ErrInvalidConstraint = errors.New("invalid constraint")

// Operator is a requirement comparison operator.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpPessimistic  Operator = "~>"
)

func (op Operator) valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpPessimistic:
		return true
	default:
		return false
	}
}

var constraintPattern = regexp.MustCompile(`^([=!<>~]*)\s*(.*)$`)

// Constraint is a single operator plus version, e.g. ">= 1.6.2".
type Constraint struct {
	Op      Operator
	Version Version

	check *gem.Constraints
}

func newCheck(op Operator, v Version) (*gem.Constraints, error) {
	if op == "" {
		op = OpEqual
	}
	cs, err := gem.NewConstraints(fmt.Sprintf("%s %s", op, v.value()))
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// ParseConstraint parses one constraint. A missing operator means "=".
func ParseConstraint(text string) (Constraint, error) {
	trimmed := strings.TrimSpace(text)
	m := constraintPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, text)
	}

	op := Operator(m[1])
	if op == "" {
		op = OpEqual
	}
	if !op.valid() {
		return Constraint{}, fmt.Errorf("%w: unknown operator %q in %q", ErrInvalidConstraint, m[1], text)
	}

	v, err := Parse(m[2])
	if err != nil {
		return Constraint{}, fmt.Errorf("constraint %q: %w", text, err)
	}
	check, err := newCheck(op, v)
	if err != nil {
		return Constraint{}, fmt.Errorf("%w: %q: %v", ErrInvalidConstraint, text, err)
	}
	return Constraint{Op: op, Version: v, check: check}, nil
}

// SatisfiedBy reports whether v meets the constraint. Constraints built as
// literals rather than through ParseConstraint are compiled on each call.
func (c Constraint) SatisfiedBy(v Version) bool {
	check := c.check
	if check == nil {
		if !c.Op.valid() && c.Op != "" {
			return false
		}
		var err error
		if check, err = newCheck(c.Op, c.Version); err != nil {
			return false
		}
	}
	return check.Check(v.value())
}

func (c Constraint) String() string {
	op := c.Op
	if op == "" {
		op = OpEqual
	}
	return fmt.Sprintf("%s %s", op, c.Version)
}

// Requirement is a compound constraint such as ">= 4.2.5.1, < 5.0.0".
// Every constraint must hold.
type Requirement []Constraint

// ParseRequirement parses a comma-separated list of constraints.
func ParseRequirement(text string) (Requirement, error) {
	parts := strings.Split(text, ",")
	req := make(Requirement, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseConstraint(part)
		if err != nil {
			return nil, err
		}
		req = append(req, c)
	}
	if len(req) == 0 {
		return nil, fmt.Errorf("%w: empty requirement", ErrInvalidConstraint)
	}
	return req, nil
}

// SatisfiedBy reports whether v meets every constraint of r.
func (r Requirement) SatisfiedBy(v Version) bool {
	if len(r) == 0 {
		return false
	}
	for _, c := range r {
		if !c.SatisfiedBy(v) {
			return false
		}
	}
	return true
}

func (r Requirement) String() string {
	parts := make([]string, len(r))
	for i, c := range r {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// AnySatisfied reports whether at least one requirement in reqs matches v.
func AnySatisfied(reqs []Requirement, v Version) bool {
	for _, r := range reqs {
		if r.SatisfiedBy(v) {
			return true
		}
	}
	return false
}
