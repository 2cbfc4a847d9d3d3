package wildcard

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru"
)

// compiledCacheSize bounds the shared pattern cache. The engine's pattern
// population is small (subscriptions plus webhook filters), so evictions are
// rare.
const compiledCacheSize = 512

var compiled *lru.Cache

func init() {
	var err error
	compiled, err = lru.New(compiledCacheSize)
	if err != nil {
		panic(err)
	}
}

// Cached returns the compiled regexp for pattern, memoising results in a
// process-wide LRU so that hot paths such as event dispatch and webhook
// matching do not recompile on every evaluation.
func Cached(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiled.Get(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiled.Add(pattern, re)
	return re, nil
}

// CachedMatch reports whether value matches pattern using the shared cache.
// Invalid patterns match nothing.
func CachedMatch(pattern, value string) bool {
	re, err := Cached(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
