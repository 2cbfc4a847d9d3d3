package rules

import "regexp"

// maxPatternLength bounds `matches` patterns; anything longer evaluates to
// false without compiling.
const maxPatternLength = 100

// nestedQuantifier recognises the classic catastrophic-backtracking shape: a
// quantifier inside a group that is itself quantified, e.g. (a+)+ or (.*)*.
var nestedQuantifier = regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*?{]`)

// safeMatch evaluates a `matches` operator. Rejected, oversized, or invalid
// patterns evaluate to false; the operator can never throw or loop.
func safeMatch(pattern, value string) bool {
	if len(pattern) == 0 || len(pattern) > maxPatternLength {
		return false
	}
	if nestedQuantifier.MatchString(pattern) {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
