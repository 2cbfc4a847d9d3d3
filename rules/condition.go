package rules

import "github.com/pkg/errors"

// Condition is one node of a predicate tree. Exactly one of the four
// variants is set per node: All, Any, Not, or a leaf comparing a field
// against a value. The struct round-trips through JSON unchanged.
type Condition struct {
	// All passes when every child passes. An empty All passes.
	All []*Condition `json:"all,omitempty"`
	// Any passes when at least one child passes. An empty Any fails.
	Any []*Condition `json:"any,omitempty"`
	// Not inverts its child.
	Not *Condition `json:"not,omitempty"`

	// Leaf fields.
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	// Function optionally transforms the resolved field value before the
	// operator is applied.
	Function     string        `json:"function,omitempty"`
	FunctionArgs []interface{} `json:"functionArgs,omitempty"`
}

// Leaf reports whether the node carries a field comparison rather than a
// combinator.
func (c *Condition) Leaf() bool {
	return len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil
}

// Validate walks the tree rejecting nodes that mix variants, leaves with
// unknown operators, and leaves with unknown functions. known reports
// membership in the engine's registries.
func (c *Condition) validate(knownOp, knownFn func(string) bool) error {
	if c == nil {
		return errors.New("rules: nil condition")
	}
	variants := 0
	if len(c.All) > 0 {
		variants++
	}
	if len(c.Any) > 0 {
		variants++
	}
	if c.Not != nil {
		variants++
	}
	if c.Field != "" || c.Operator != "" {
		variants++
	}
	if variants > 1 {
		return errors.New("rules: condition mixes variants")
	}
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			if err := child.validate(knownOp, knownFn); err != nil {
				return err
			}
		}
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if err := child.validate(knownOp, knownFn); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.validate(knownOp, knownFn)
	default:
		if c.Field == "" {
			return errors.New("rules: leaf condition missing field")
		}
		if !knownOp(c.Operator) {
			return errors.Wrapf(ErrUnknownOperator, "%q", c.Operator)
		}
		if c.Function != "" && !knownFn(c.Function) {
			return errors.Wrapf(ErrUnknownFunction, "%q", c.Function)
		}
	}
	return nil
}

// AllOf combines conditions so that every one must pass.
func AllOf(children ...*Condition) *Condition {
	return &Condition{All: children}
}

// AnyOf combines conditions so that at least one must pass.
func AnyOf(children ...*Condition) *Condition {
	return &Condition{Any: children}
}

// Not inverts a condition.
func Not(child *Condition) *Condition {
	return &Condition{Not: child}
}

// Field builds a leaf condition.
func Field(field, operator string, value interface{}) *Condition {
	return &Condition{Field: field, Operator: operator, Value: value}
}
