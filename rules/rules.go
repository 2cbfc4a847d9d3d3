// Package rules evaluates declarative predicates against structured
// contexts. Rules are condition trees over dotted field paths with a closed
// operator and function vocabulary, so that user-supplied rule definitions
// can never execute code, touch the prototype chain equivalent of a context,
// or smuggle in a pathological regular expression.
package rules

import (
	"time"

	"github.com/pkg/errors"
)

// Rule is a named predicate with the actions to surface when it passes.
type Rule struct {
	Name        string     `json:"name"`
	Conditions  *Condition `json:"conditions"`
	Actions     []Action   `json:"actions,omitempty"`
	Enabled     bool       `json:"enabled"`
	Priority    int        `json:"priority"`
	StopOnMatch bool       `json:"stopOnMatch"`
}

// Action names a side effect for the caller to interpret; the engine never
// executes actions itself.
type Action struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Result reports one rule evaluation.
type Result struct {
	RuleName  string   `json:"ruleName"`
	Passed    bool     `json:"passed"`
	Actions   []Action `json:"actions,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func newResult(name string, passed bool) *Result {
	return &Result{RuleName: name, Passed: passed, Timestamp: time.Now().UnixMilli()}
}

var (
	// ErrRuleNotFound is returned when evaluating a name with no rule.
	ErrRuleNotFound = errors.New("rules: rule not found")
	// ErrRuleExists is returned when adding a rule whose name is taken.
	ErrRuleExists = errors.New("rules: rule already exists")
	// ErrUnknownOperator is returned for operators outside the registry.
	ErrUnknownOperator = errors.New("rules: unknown operator")
	// ErrUnknownFunction is returned for functions outside the registry.
	ErrUnknownFunction = errors.New("rules: unknown function")
)
