// Package wildcard compiles glob-style patterns where `*` matches any run of
// characters and `?` matches exactly one. Every other regular expression
// metacharacter is escaped before compilation so that untrusted patterns can
// never change the meaning of the match.
package wildcard

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// specials are the regexp metacharacters that must be escaped when they
// appear literally inside a pattern.
const specials = `\.+()[]{}^$|/`

// Compile translates pattern into an anchored regular expression. The empty
// pattern matches only the empty string; a lone `*` matches everything.
func Compile(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			if strings.ContainsRune(specials, r) {
				b.WriteString(`\`)
			}
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "could not compile pattern %q", pattern)
	}
	return re, nil
}

// MustCompile is Compile for patterns known at build time.
func MustCompile(pattern string) *regexp.Regexp {
	re, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return re
}

// Match reports whether the value matches the glob pattern. Invalid patterns
// match nothing.
func Match(pattern, value string) bool {
	re, err := Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// IsLiteral reports whether the pattern contains no wildcard characters and
// can therefore be used as an exact key.
func IsLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?")
}
