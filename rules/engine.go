package rules

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "rules")

// Engine holds the rule set and the operator and function registries, and
// memoises evaluations per (rule, context) for a short TTL. Every mutation
// of the rule set or the registries flushes the cache completely.
type Engine struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	operators map[string]OperatorFunc
	functions map[string]FunctionFunc
	cache     *gocache.Cache
}

// NewEngine constructs an engine with the built-in operators and functions.
// The evaluation cache TTL comes from the engine config; a zero TTL disables
// caching.
func NewEngine() *Engine {
	e := &Engine{
		rules:     make(map[string]*Rule),
		operators: builtinOperators(),
		functions: builtinFunctions(),
	}
	if ttl := params.Config().RuleCacheTTL(); ttl > 0 {
		e.cache = gocache.New(ttl, 2*ttl)
	}
	return e
}

// AddRule registers a new rule. The name must be unused and the condition
// tree must validate against the current registries.
func (e *Engine) AddRule(r *Rule) error {
	if r == nil || r.Name == "" {
		return errors.New("rules: rule needs a name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.Name]; exists {
		return errors.Wrap(ErrRuleExists, r.Name)
	}
	if err := r.Conditions.validate(e.knownOp, e.knownFn); err != nil {
		return err
	}
	e.rules[r.Name] = r
	e.flushLocked()
	return nil
}

// UpdateRule replaces an existing rule definition.
func (e *Engine) UpdateRule(r *Rule) error {
	if r == nil || r.Name == "" {
		return errors.New("rules: rule needs a name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.Name]; !exists {
		return errors.Wrap(ErrRuleNotFound, r.Name)
	}
	if err := r.Conditions.validate(e.knownOp, e.knownFn); err != nil {
		return err
	}
	e.rules[r.Name] = r
	e.flushLocked()
	return nil
}

// RemoveRule deletes a rule, reporting whether it existed.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[name]; !exists {
		return false
	}
	delete(e.rules, name)
	e.flushLocked()
	return true
}

// SetRuleEnabled toggles a rule without replacing it.
func (e *Engine) SetRuleEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, exists := e.rules[name]
	if !exists {
		return errors.Wrap(ErrRuleNotFound, name)
	}
	r.Enabled = enabled
	e.flushLocked()
	return nil
}

// GetRule returns the named rule.
func (e *Engine) GetRule(name string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[name]
	return r, ok
}

// Rules returns every registered rule ordered by descending priority, ties
// broken by name.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked()
}

func (e *Engine) sortedLocked() []*Rule {
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterOperator extends the operator vocabulary.
func (e *Engine) RegisterOperator(name string, fn OperatorFunc) error {
	if name == "" || fn == nil {
		return errors.New("rules: operator needs a name and a function")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operators[name] = fn
	e.flushLocked()
	return nil
}

// RegisterFunction extends the function vocabulary.
func (e *Engine) RegisterFunction(name string, fn FunctionFunc) error {
	if name == "" || fn == nil {
		return errors.New("rules: function needs a name and an implementation")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
	e.flushLocked()
	return nil
}

func (e *Engine) knownOp(name string) bool {
	_, ok := e.operators[name]
	return ok
}

func (e *Engine) knownFn(name string) bool {
	_, ok := e.functions[name]
	return ok
}

func (e *Engine) flushLocked() {
	if e.cache != nil {
		e.cache.Flush()
	}
}

// Evaluate runs one named rule against the context. Evaluation problems are
// reported inside the result with Passed=false; only a missing rule is an
// error.
func (e *Engine) Evaluate(name string, evalCtx map[string]interface{}) (*Result, error) {
	e.mu.RLock()
	r, ok := e.rules[name]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrRuleNotFound, name)
	}
	return e.evaluateRule(r, evalCtx), nil
}

// EvaluateAll runs every enabled rule ordered by descending priority,
// stopping early after a passing rule that declares stopOnMatch.
func (e *Engine) EvaluateAll(evalCtx map[string]interface{}) []*Result {
	e.mu.RLock()
	ordered := e.sortedLocked()
	e.mu.RUnlock()

	var results []*Result
	for _, r := range ordered {
		if !r.Enabled {
			continue
		}
		res := e.evaluateRule(r, evalCtx)
		results = append(results, res)
		if r.StopOnMatch && res.Passed {
			break
		}
	}
	return results
}

func (e *Engine) evaluateRule(r *Rule, evalCtx map[string]interface{}) *Result {
	if !r.Enabled {
		res := newResult(r.Name, false)
		res.Error = "rule is disabled"
		return res
	}

	key, cacheable := e.cacheKey(r.Name, evalCtx)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			hit := *(cached.(*Result))
			return &hit
		}
	}

	res := newResult(r.Name, false)
	passed, err := e.EvaluateCondition(r.Conditions, evalCtx)
	if err != nil {
		res.Error = err.Error()
		log.WithError(err).WithField("rule", r.Name).Debug("Rule evaluation failed")
	} else {
		res.Passed = passed
		if passed {
			res.Actions = r.Actions
		}
	}

	if cacheable {
		e.cache.SetDefault(key, res)
	}
	return res
}

// cacheKey derives a cache key from the rule name and a hash of the
// canonical JSON encoding of the context. Contexts that cannot be encoded
// are not cached.
func (e *Engine) cacheKey(name string, evalCtx map[string]interface{}) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	raw, err := json.Marshal(evalCtx)
	if err != nil {
		return "", false
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return fmt.Sprintf("%s:%x", name, h.Sum64()), true
}

// EvaluateCondition walks one condition tree against the context. It is the
// uncached primitive other components use for ad-hoc predicates such as
// badge triggers and quest objectives.
func (e *Engine) EvaluateCondition(c *Condition, evalCtx map[string]interface{}) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := e.EvaluateCondition(child, evalCtx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := e.EvaluateCondition(child, evalCtx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := e.EvaluateCondition(c.Not, evalCtx)
		return !ok, err
	default:
		return e.evaluateLeaf(c, evalCtx)
	}
}

func (e *Engine) evaluateLeaf(c *Condition, evalCtx map[string]interface{}) (bool, error) {
	e.mu.RLock()
	op, opOK := e.operators[c.Operator]
	fn, fnOK := e.functions[c.Function]
	e.mu.RUnlock()
	if !opOK {
		return false, errors.Wrapf(ErrUnknownOperator, "%q", c.Operator)
	}

	fieldValue, found := resolveField(evalCtx, c.Field)

	if c.Function != "" {
		if !fnOK {
			return false, errors.Wrapf(ErrUnknownFunction, "%q", c.Function)
		}
		args := append([]interface{}{fieldValue}, c.FunctionArgs...)
		transformed, err := fn(args...)
		if err != nil {
			return false, err
		}
		fieldValue = transformed
	} else if !found {
		// A missing field fails the comparison without being an error.
		return false, nil
	}

	condValue, found := resolveValue(evalCtx, c.Value)
	if !found {
		return false, nil
	}
	return op(fieldValue, condValue)
}
